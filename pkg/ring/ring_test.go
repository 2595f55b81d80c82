package ring

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRingProduceConsume(t *testing.T) {
	r := New(4, 8, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		idx, err := r.AcquireFree(ctx)
		if err != nil {
			t.Errorf("acquire free: %v", err)
			return
		}
		b := r.Block(idx)
		n := copy(b.Data, "hello")
		b.Len = n
		r.PublishFilled(idx)
	}()

	idx, err := r.AcquireFilled(ctx)
	if err != nil {
		t.Fatalf("acquire filled: %v", err)
	}
	b := r.Block(idx)
	if string(b.Bytes()) != "hello" {
		t.Errorf("expected hello, got %q", string(b.Bytes()))
	}
	r.ReleaseFree(idx)
}

func TestRingBlocksWhenFull(t *testing.T) {
	r := New(1, 4, 0, 0)
	ctx := context.Background()

	idx, err := r.AcquireFree(ctx)
	if err != nil {
		t.Fatalf("acquire free: %v", err)
	}
	r.Block(idx).Len = 0
	r.PublishFilled(idx)

	acquireCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := r.AcquireFree(acquireCtx); err == nil {
		t.Fatal("expected AcquireFree to block while the single slot is filled")
	}
}

func TestWatermarkGate(t *testing.T) {
	r := New(10, 4, 0.2, 0.8)

	for i := 0; i < 9; i++ {
		idx, err := r.AcquireFree(context.Background())
		if err != nil {
			t.Fatalf("acquire free %d: %v", i, err)
		}
		r.PublishFilled(idx)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.WaitHigh(ctx); err != nil {
		t.Fatalf("WaitHigh should return once fill ratio crosses 0.8: %v", err)
	}

	drained := make(chan struct{})
	go func() {
		for i := 0; i < 7; i++ {
			idx, err := r.AcquireFilled(context.Background())
			if err != nil {
				return
			}
			r.ReleaseFree(idx)
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("timed out draining ring")
	}

	if err := r.WaitLow(ctx); err != nil {
		t.Fatalf("WaitLow should return once fill ratio drops to 0.2: %v", err)
	}
}

func TestNewMmapScratchRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.bin")
	r, closeScratch, err := NewMmapScratch(4, 8, 0, 0, path)
	if err != nil {
		t.Fatalf("NewMmapScratch: %v", err)
	}
	defer func() {
		if err := closeScratch(); err != nil {
			t.Errorf("closeScratch: %v", err)
		}
	}()

	idx, err := r.AcquireFree(context.Background())
	if err != nil {
		t.Fatalf("AcquireFree: %v", err)
	}
	copy(r.Block(idx).Data, []byte("scratch!"))
	r.PublishFilled(idx)

	got, err := r.AcquireFilled(context.Background())
	if err != nil {
		t.Fatalf("AcquireFilled: %v", err)
	}
	if string(r.Block(got).Data[:8]) != "scratch!" {
		t.Errorf("Block(%d).Data = %q, want %q", got, r.Block(got).Data[:8], "scratch!")
	}
}

func TestLockMemorySucceeds(t *testing.T) {
	r := New(2, 64, 0, 0)
	if err := r.LockMemory(); err != nil {
		t.Skipf("mlock unavailable in this environment: %v", err)
	}
}
