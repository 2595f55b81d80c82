// Package watchdog implements the pipe's stall detector: if neither the
// producer nor the main consumer has made progress within the configured
// timeout, it escalates from SIGINT to SIGKILL against the run's own
// process.
package watchdog

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/user/blockpipe"
)

// Watchdog watches two monotonic progress counters and raises a signal
// against the process if neither advances within Timeout.
type Watchdog struct {
	Timeout       time.Duration
	GracePeriod   time.Duration // how long to wait after SIGINT before SIGKILL
	Logger        blockpipe.Logger
	BlocksRead    *atomic.Uint64
	BlocksWritten *atomic.Uint64
	pid           int
}

// New builds a Watchdog for the current process.
func New(timeout, gracePeriod time.Duration, logger blockpipe.Logger, blocksRead, blocksWritten *atomic.Uint64) *Watchdog {
	return &Watchdog{
		Timeout:       timeout,
		GracePeriod:   gracePeriod,
		Logger:        logger,
		BlocksRead:    blocksRead,
		BlocksWritten: blocksWritten,
		pid:           syscall.Getpid(),
	}
}

// Run polls for progress every Timeout/4 (bounded to at least 100ms) and
// escalates on a stall. It returns when ctx is done, when progress resumes
// within the grace period after SIGINT, or after it raises SIGKILL,
// whichever comes first.
func (w *Watchdog) Run(ctx context.Context) {
	if w.Timeout <= 0 {
		<-ctx.Done()
		return
	}

	poll := w.Timeout / 4
	if poll < 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastRead := w.BlocksRead.Load()
	lastWritten := w.BlocksWritten.Load()
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read := w.BlocksRead.Load()
			written := w.BlocksWritten.Load()
			if read != lastRead || written != lastWritten {
				lastRead, lastWritten = read, written
				lastProgress = time.Now()
				continue
			}
			if time.Since(lastProgress) < w.Timeout {
				continue
			}
			w.escalate(ctx)
			return
		}
	}
}

func (w *Watchdog) escalate(ctx context.Context) {
	read, written := w.BlocksRead.Load(), w.BlocksWritten.Load()
	w.Logger.Error("no progress within timeout, sending SIGINT", "timeout", w.Timeout)
	_ = syscall.Kill(w.pid, syscall.SIGINT)

	grace := w.GracePeriod
	if grace <= 0 {
		grace = w.Timeout
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(grace):
	}
	if w.BlocksRead.Load() != read || w.BlocksWritten.Load() != written {
		return
	}

	w.Logger.Error("still no progress after SIGINT, sending SIGKILL")
	_ = syscall.Kill(w.pid, syscall.SIGKILL)
}
