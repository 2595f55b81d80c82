package barrier

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBarrierFanOut(t *testing.T) {
	b := New(2)
	var released int
	var mu sync.Mutex

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			ptr, size, ok := b.Sync(context.Background(), false)
			if !ok {
				t.Errorf("aux %d: Sync returned ok=false", i)
				return
			}
			results[i] = ptr[:size]
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let both aux consumers reach Sync and block

	if err := b.Publish(context.Background(), []byte("payload-"), 7, func() {
		mu.Lock()
		released++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	wg.Wait()

	for i, r := range results {
		if string(r) != "payload" {
			t.Errorf("aux %d got %q, want %q", i, r, "payload")
		}
	}
	if released != 1 {
		t.Errorf("expected exactly one release, got %d", released)
	}
}

func TestBarrierSingleConsumerNoAux(t *testing.T) {
	b := New(0)
	done := make(chan struct{})
	if err := b.Publish(context.Background(), []byte("x"), 1, func() { close(done) }); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish with no auxiliary consumers should release immediately")
	}
}

func TestBarrierDeregister(t *testing.T) {
	b := New(2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Sync(context.Background(), true) // this consumer leaves after its first cycle
	}()
	go func() {
		defer wg.Done()
		b.Sync(context.Background(), false) // the other consumer's first cycle
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	if err := b.Publish(context.Background(), []byte("a"), 1, func() { close(done) }); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	wg.Wait()
	<-done

	// Only one live auxiliary consumer remains; a single Sync should
	// now complete the next round together with Publish.
	next := make(chan struct{})
	go func() {
		b.Sync(context.Background(), false)
		close(next)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := b.Publish(context.Background(), []byte("b"), 1, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("remaining auxiliary consumer never unblocked")
	}
}

func TestBarrierPublishWaitsForPreviousRoundToDrain(t *testing.T) {
	b := New(1)
	if err := b.Publish(context.Background(), []byte("first"), 5, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	secondPublished := make(chan struct{})
	go func() {
		b.Publish(context.Background(), []byte("second"), 6, nil)
		close(secondPublished)
	}()

	select {
	case <-secondPublished:
		t.Fatal("second Publish should block until the auxiliary consumer drains the first round")
	case <-time.After(30 * time.Millisecond):
	}

	ptr, size, ok := b.Sync(context.Background(), false) // drains round 1
	if !ok {
		t.Fatal("Sync returned ok=false")
	}
	if string(ptr[:size]) != "first" {
		t.Fatalf("got %q, want %q", ptr[:size], "first")
	}

	select {
	case <-secondPublished:
	case <-time.After(time.Second):
		t.Fatal("second Publish never unblocked after round 1 drained")
	}
}

func TestBarrierSyncUnblocksOnContextCancel(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, ok := b.Sync(ctx, false)
	if ok {
		t.Fatal("expected Sync to return ok=false once its context is done with no round published")
	}
}
