// Package logging provides the zerolog-backed Logger used across the pipe.
// It shares one terminal mutex with pkg/status so that log lines and the
// periodic status line never interleave mid-write.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/blockpipe"
)

// TerminalMutex serializes writes to the controlling terminal between the
// logger and the status reporter. It is exported so pkg/status can share it.
var TerminalMutex sync.Mutex

// Logger wraps a zerolog.Logger and satisfies blockpipe.Logger.
type Logger struct {
	z           zerolog.Logger
	runID       string
	hadError    atomic.Bool
	errorsFatal bool
}

// SetErrorsFatal enables the -e "errors are fatal" escalation policy
// (§7): any subsequent Error call terminates the process immediately
// with a non-zero exit code, instead of letting the run wind down
// cooperatively.
func (l *Logger) SetErrorsFatal(fatal bool) {
	l.errorsFatal = fatal
}

// New builds a Logger writing to w (stderr by default) at the given level
// name ("debug", "info", "warn", "error"). An empty level defaults to info.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	runID := uuid.NewString()
	z := zerolog.New(w).Level(lvl).With().Timestamp().Str("run_id", runID).Logger()
	return &Logger{z: z, runID: runID}
}

// RaiseLevel returns the name of the level reached by stepping up from
// level steps times (silent/fatal/error/warning/info/debug ordering,
// §6 -v LEVEL), for each occurrence of -q. steps <= 0 returns level
// unchanged.
func RaiseLevel(level string, steps int) string {
	if steps <= 0 {
		return level
	}
	order := []zerolog.Level{
		zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
		zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.Disabled,
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	idx := 0
	for i, l := range order {
		if l == lvl {
			idx = i
			break
		}
	}
	idx += steps
	if idx >= len(order) {
		idx = len(order) - 1
	}
	return order[idx].String()
}

// RunID returns the correlation id attached to every log line this run.
func (l *Logger) RunID() string {
	return l.runID
}

func (l *Logger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	TerminalMutex.Lock()
	defer TerminalMutex.Unlock()
	e.Msg(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.event(l.z.Debug(), msg, keysAndValues)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.event(l.z.Info(), msg, keysAndValues)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.event(l.z.Warn(), msg, keysAndValues)
}

// Error logs at error level and records that the run saw an error-level
// event, for the exit-code policy in §7 ("non-zero when any error-level
// event occurred").
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.hadError.Store(true)
	l.event(l.z.Error(), msg, keysAndValues)
	if l.errorsFatal {
		os.Exit(1)
	}
}

// HadError reports whether Error has been called at least once this run.
func (l *Logger) HadError() bool {
	return l.hadError.Load()
}

var _ blockpipe.Logger = (*Logger)(nil)
