// Package barrier implements the fan-out synchronization point the main
// consumer uses to hand each ring block to every auxiliary consumer (files,
// sockets, hash tasks) before the ring slot is returned to the producer.
//
// Each round needs num+1 arrivals to complete: one from the main consumer's
// Publish call and one from each live auxiliary consumer's Sync call. The
// arrival that completes a round releases the ring slot and wakes everyone
// waiting on it. Publish additionally waits for the previous round to have
// fully drained before overwriting the shared (ptr, size) pair, so a main
// consumer that outruns a slow auxiliary consumer blocks at Publish rather
// than silently skipping a block for it; this is the fan-out's intentional
// backpressure.
package barrier

import (
	"context"
	"sync"
)

// Barrier coordinates one main consumer and num auxiliary consumers around
// a single shared (ptr, size) pair per ring block.
type Barrier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ptr    []byte
	size   int
	active int
	num    int
	gen    uint64
	onDone func()
	posted bool   // the main consumer has arrived in the current round
	rPtr   []byte // pair handed out by the last completed round
	rSize  int
}

// New creates a barrier for numAux auxiliary consumers. numAux may be 0, in
// which case Publish never blocks.
func New(numAux int) *Barrier {
	b := &Barrier{num: numAux, active: numAux + 1}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish waits for the previous round to fully drain, then sets the pair
// every auxiliary consumer will observe next and counts as this round's
// main-consumer arrival. It returns as soon as the pair is published; it
// does not wait for auxiliary consumers to read it. onDone, if the arrival
// that completes the round, runs once while still holding the barrier's
// lock — it is how the ring slot gets released.
func (b *Barrier) Publish(ctx context.Context, ptr []byte, size int, onDone func()) error {
	if err := b.waitUntil(ctx, func() bool { return !b.posted }); err != nil {
		return err
	}
	b.mu.Lock()
	b.ptr, b.size = ptr, size
	b.onDone = onDone
	b.posted = true
	b.arriveLocked()
	b.mu.Unlock()
	return nil
}

// Sync is an auxiliary consumer's per-block call, made at the head of its
// loop before it reads the pair. leaving deregisters the consumer (it is
// exiting early) so later rounds no longer wait on it. If ctx is done
// before the next round is published, Sync returns the zero pair and ok
// is false.
func (b *Barrier) Sync(ctx context.Context, leaving bool) (ptr []byte, size int, ok bool) {
	b.mu.Lock()
	if leaving {
		b.num--
	}
	startGen := b.gen
	b.arriveLocked()
	b.mu.Unlock()

	if err := b.waitUntil(ctx, func() bool { return b.gen != startGen }); err != nil {
		return nil, 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rPtr, b.rSize, true
}

func (b *Barrier) arriveLocked() {
	b.active--
	if b.active > 0 {
		return
	}
	b.active = b.num + 1
	b.gen++
	b.posted = false
	b.rPtr, b.rSize = b.ptr, b.size
	done := b.onDone
	b.onDone = nil
	b.cond.Broadcast()
	if done != nil {
		done()
	}
}

// waitUntil blocks until pred is true (checked under the barrier's lock) or
// ctx is done, whichever happens first.
func (b *Barrier) waitUntil(ctx context.Context, pred func() bool) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for !pred() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.cond.Wait()
	}
	return nil
}
