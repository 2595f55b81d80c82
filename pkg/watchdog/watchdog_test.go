package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type recordingLogger struct{ errors []string }

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Info(string, ...interface{})  {}
func (l *recordingLogger) Warn(string, ...interface{})  {}
func (l *recordingLogger) Error(msg string, _ ...interface{}) {
	l.errors = append(l.errors, msg)
}

func TestWatchdogNoStallDoesNotEscalate(t *testing.T) {
	var read, written atomic.Uint64
	logger := &recordingLogger{}
	w := New(50*time.Millisecond, 20*time.Millisecond, logger, &read, &written)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	go func() {
		for i := 0; i < 10; i++ {
			time.Sleep(15 * time.Millisecond)
			read.Add(1)
		}
	}()

	w.Run(ctx)
	if len(logger.errors) != 0 {
		t.Errorf("expected no escalation, got %v", logger.errors)
	}
}

func TestWatchdogDisabledWhenTimeoutZero(t *testing.T) {
	var read, written atomic.Uint64
	w := New(0, 0, &recordingLogger{}, &read, &written)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w.Run(ctx) // should just block on ctx.Done and return
}
