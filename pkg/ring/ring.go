// Package ring implements the fixed-size block ring buffer that sits between
// the producer and the consumers, plus the watermark gate that throttles the
// producer when the ring is too full or too empty.
//
// The ring has exactly one producer and one main consumer addressing slots
// by a monotonically increasing index modulo N; auxiliary consumers never
// touch the ring directly, they read through the fan-out barrier instead
// (see pkg/barrier).
package ring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/user/blockpipe"
)

// ErrProducerDone is returned by AcquireFilled when the producer has
// finished and the ring is empty: there is nothing left to ever wake the
// caller, so it should stop instead of blocking forever. A producer whose
// input ends in a short final block signals completion through that
// block's length instead; this fires when the input ended on a block
// boundary, including a zero-length input.
var ErrProducerDone = errors.New("ring: producer finished, no more filled blocks")

// Ring is the producer/consumer block buffer described by the pipe's
// concurrency model: N fixed-size blocks, a free-slot counting resource and
// a filled-slot counting resource, and a watermark gate layered on top.
type Ring struct {
	blockSize int
	n         int
	blocks    []blockpipe.Block

	free   *semaphore.Weighted
	filled *semaphore.Weighted

	wIdx atomic.Uint64
	rIdx atomic.Uint64

	mu         sync.Mutex
	cond       *sync.Cond
	filledN    int
	startRead  float64 // low watermark: resume producer once filled/N <= startRead
	startWrite float64 // high watermark: an empty ring holds the consumer until filled/N >= startWrite
	producerDone bool

	EmptyCount atomic.Uint64 // times the main consumer found the ring empty
	FullCount  atomic.Uint64 // times the producer found the ring full
}

// New allocates a ring of n blocks of blockSize bytes each, backed by
// ordinary heap memory. startRead and startWrite are the low/high
// watermark fill ratios from the pipe's -r/-w flags; a ratio of 0
// disables the corresponding gate.
func New(n, blockSize int, startRead, startWrite float64) *Ring {
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return newWithBacking(n, blockSize, startRead, startWrite, blocks)
}

// NewMmapScratch allocates a ring whose blocks are backed by one
// mmap(2)'d scratch file instead of heap memory, implementing the
// pipe's -t/-T flags (§6: "memory-mapped scratch file"). The returned
// closer unmaps and removes the scratch file; it must be called after
// the pipe has finished with the ring.
func NewMmapScratch(n, blockSize int, startRead, startWrite float64, path string) (*Ring, func() error, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("ring: open scratch file %s: %w", path, err)
	}
	size := int64(n) * int64(blockSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ring: size scratch file %s: %w", path, err)
	}
	region, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ring: mmap scratch file %s: %w", path, err)
	}

	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = region[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
	}
	r := newWithBacking(n, blockSize, startRead, startWrite, blocks)

	closer := func() error {
		if err := unix.Munmap(region); err != nil {
			f.Close()
			return fmt.Errorf("ring: munmap scratch file %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("ring: close scratch file %s: %w", path, err)
		}
		return os.Remove(path)
	}
	return r, closer, nil
}

func newWithBacking(n, blockSize int, startRead, startWrite float64, blocks [][]byte) *Ring {
	if n <= 0 {
		panic("ring: n must be positive")
	}
	r := &Ring{
		blockSize:  blockSize,
		n:          n,
		blocks:     make([]blockpipe.Block, n),
		free:       semaphore.NewWeighted(int64(n)),
		filled:     semaphore.NewWeighted(int64(n)),
		startRead:  startRead,
		startWrite: startWrite,
	}
	for i := range r.blocks {
		r.blocks[i].Data = blocks[i]
	}
	r.cond = sync.NewCond(&r.mu)
	if err := r.filled.Acquire(context.Background(), int64(n)); err != nil {
		panic(fmt.Sprintf("ring: impossible initial acquire failure: %v", err))
	}
	return r
}

// LockMemory pins every block's backing array into physical memory with
// mlock(2), implementing the pipe's -L flag (§6) so the ring is never
// paged out under memory pressure. It locks each block independently
// since heap-backed blocks are separate allocations, not one contiguous
// region.
// Callers should treat a failure (commonly EPERM without CAP_IPC_LOCK)
// as a warning, not a fatal error.
func (r *Ring) LockMemory() error {
	for i := range r.blocks {
		if len(r.blocks[i].Data) == 0 {
			continue
		}
		if err := unix.Mlock(r.blocks[i].Data); err != nil {
			return fmt.Errorf("ring: mlock block %d: %w", i, err)
		}
	}
	return nil
}

// N returns the number of blocks in the ring.
func (r *Ring) N() int { return r.n }

// BlockSize returns the capacity of each block in bytes.
func (r *Ring) BlockSize() int { return r.blockSize }

// AcquireFree blocks until a free slot is available (or ctx is done) and
// returns its index. The caller owns the slot's Block until PublishFilled.
func (r *Ring) AcquireFree(ctx context.Context) (int, error) {
	if !r.free.TryAcquire(1) {
		r.FullCount.Add(1)
		// The ring is full: wait for the batched low-watermark wakeup
		// instead of racing every single ReleaseFree, then take the
		// slot the drain freed up.
		if err := r.WaitLow(ctx); err != nil {
			return 0, err
		}
		if err := r.free.Acquire(ctx, 1); err != nil {
			return 0, err
		}
	}
	idx := int(r.wIdx.Add(1)-1) % r.n
	return idx, nil
}

// Block returns the block at idx for the caller to fill or read.
func (r *Ring) Block(idx int) *blockpipe.Block {
	return &r.blocks[idx]
}

// PublishFilled marks idx as filled and ready for the main consumer,
// updating the watermark gate's fill count.
func (r *Ring) PublishFilled(idx int) {
	r.filled.Release(1)
	r.mu.Lock()
	r.filledN++
	r.notifyLocked()
	r.mu.Unlock()
}

// AcquireFilled blocks until a filled slot is ready (or ctx is done) and
// returns its index. The caller owns the slot's Block until ReleaseFree.
func (r *Ring) AcquireFilled(ctx context.Context) (int, error) {
	if !r.filled.TryAcquire(1) {
		r.EmptyCount.Add(1)
		// The ring is empty: wait for the batched high-watermark wakeup
		// before taking the block the producer just published.
		if err := r.WaitHigh(ctx); err != nil {
			return 0, err
		}
		done, err := r.acquireFilledSlow(ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return 0, ErrProducerDone
		}
	}
	idx := int(r.rIdx.Add(1)-1) % r.n
	r.mu.Lock()
	r.filledN--
	r.notifyLocked()
	r.mu.Unlock()
	return idx, nil
}

// acquireFilledSlow blocks on the ring's own condition variable rather
// than the semaphore directly, so it notices MarkProducerDone promptly even
// when the watermark gate is disabled (a plain semaphore.Acquire would
// never wake for that, only for a Release that is never coming).
func (r *Ring) acquireFilledSlow(ctx context.Context) (done bool, err error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.filled.TryAcquire(1) {
			return false, nil
		}
		if r.producerDone && r.filledN == 0 {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.cond.Wait()
	}
}

// ReleaseFree returns idx to the free pool once every consumer (main and
// auxiliary) is done with it.
func (r *Ring) ReleaseFree(idx int) {
	r.free.Release(1)
}

// FillRatio returns the current filled/N fraction, for the status reporter.
func (r *Ring) FillRatio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.filledN) / float64(r.n)
}

func (r *Ring) notifyLocked() {
	r.cond.Broadcast()
}

// WaitLow blocks until the ring's fill ratio has dropped to or below
// startRead, the producer has finished, or ctx is done. A startRead of 0
// disables the wait (it returns immediately).
func (r *Ring) WaitLow(ctx context.Context) error {
	if r.startRead <= 0 {
		return nil
	}
	return r.waitUntil(ctx, func() bool {
		return r.producerDone || float64(r.filledN)/float64(r.n) <= r.startRead
	})
}

// WaitHigh blocks until the ring's fill ratio has risen to or above
// startWrite, or ctx is done. A startWrite of 0 disables the wait.
func (r *Ring) WaitHigh(ctx context.Context) error {
	if r.startWrite <= 0 {
		return nil
	}
	return r.waitUntil(ctx, func() bool {
		return r.producerDone || float64(r.filledN)/float64(r.n) >= r.startWrite
	})
}

// MarkProducerDone releases anything waiting on a watermark, since no more
// fill-ratio changes from the producer side will ever occur.
func (r *Ring) MarkProducerDone() {
	r.mu.Lock()
	r.producerDone = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Ring) waitUntil(ctx context.Context, pred func() bool) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for !pred() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.cond.Wait()
	}
	return nil
}
