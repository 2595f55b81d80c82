// Package status implements the periodic throughput reporter described by
// the pipe's status component: a ticking summary of bytes transferred,
// rate, and ring fill ratio, sharing the logger's terminal mutex so the
// two never tear each other's output.
package status

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/blockpipe/internal/logging"
)

// Snapshot is one point-in-time reading of the pipe's counters.
type Snapshot struct {
	BytesTransferred uint64
	FillRatio        float64
	EmptyCount       uint64
	FullCount        uint64
}

// Reporter prints a status line every Interval until the stop channel
// passed to Run is closed.
type Reporter struct {
	Interval         time.Duration
	Out              *os.File
	BytesTransferred *atomic.Uint64
	EmptyCount       *atomic.Uint64
	FullCount        *atomic.Uint64
	FillRatio        func() float64

	start time.Time
}

// New builds a Reporter. Out defaults to os.Stderr if nil.
func New(interval time.Duration, out *os.File, bytesTransferred, emptyCount, fullCount *atomic.Uint64, fillRatio func() float64) *Reporter {
	if out == nil {
		out = os.Stderr
	}
	return &Reporter{
		Interval:         interval,
		Out:              out,
		BytesTransferred: bytesTransferred,
		EmptyCount:       emptyCount,
		FullCount:        fullCount,
		FillRatio:        fillRatio,
	}
}

// Run prints a status line every Interval until stop is closed. It
// overwrites the previous line with a carriage return, matching the
// teacher's single-line progress idiom, and takes logging.TerminalMutex for
// each write so it never interleaves with a concurrent log line.
func (r *Reporter) Run(stop <-chan struct{}) {
	if r.Interval <= 0 {
		return
	}
	r.start = time.Now()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	var lastBytes uint64
	lastTick := r.start

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			bytes := r.BytesTransferred.Load()
			elapsed := now.Sub(lastTick).Seconds()
			var rate float64
			if elapsed > 0 {
				rate = float64(bytes-lastBytes) / elapsed
			}
			lastBytes = bytes
			lastTick = now

			line := fmt.Sprintf("\r%8s total, %8s/s, fill %3.0f%%, empty=%d full=%d",
				humanBytes(bytes), humanBytes(uint64(rate)), r.FillRatio()*100,
				r.EmptyCount.Load(), r.FullCount.Load())

			logging.TerminalMutex.Lock()
			fmt.Fprint(r.Out, line)
			logging.TerminalMutex.Unlock()
		}
	}
}

// Final returns the closing summary line printed once at shutdown,
// regardless of whether periodic status reporting was enabled.
func Final(bytesTransferred uint64, elapsed time.Duration, results []string) string {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(bytesTransferred) / elapsed.Seconds()
	}
	s := fmt.Sprintf("summary: %s in %s (%s/s)", humanBytes(bytesTransferred), elapsed.Round(time.Millisecond), humanBytes(uint64(rate)))
	for _, r := range results {
		if r != "" {
			s += "\n" + r
		}
	}
	return s
}

// Report is the machine-readable mirror of Final, written to --report FILE
// as YAML alongside the unconditional plain-text summary.
type Report struct {
	RunID            string   `yaml:"run_id"`
	BytesTransferred uint64   `yaml:"bytes_transferred"`
	DurationSeconds  float64  `yaml:"duration_seconds"`
	BytesPerSecond   float64  `yaml:"bytes_per_second"`
	EmptyCount       uint64   `yaml:"empty_count"`
	FullCount        uint64   `yaml:"full_count"`
	Destinations     []string `yaml:"destinations,omitempty"`
}

// NewReport builds a Report from the same counters Final summarizes from.
func NewReport(runID string, bytesTransferred uint64, elapsed time.Duration, emptyCount, fullCount uint64, results []string) Report {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(bytesTransferred) / elapsed.Seconds()
	}
	return Report{
		RunID:            runID,
		BytesTransferred: bytesTransferred,
		DurationSeconds:  elapsed.Seconds(),
		BytesPerSecond:   rate,
		EmptyCount:       emptyCount,
		FullCount:        fullCount,
		Destinations:     results,
	}
}

// WriteReport marshals r as YAML and writes it to path, truncating any
// existing file. The plain-text summary from Final is unconditional per
// §7; this is purely an additive convenience.
func WriteReport(path string, r Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("status: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("status: write report %s: %w", path, err)
	}
	return nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
