package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

var binarySuffixes = map[byte]int64{
	'k': 1024,
	'K': 1024,
	'm': 1024 * 1024,
	'M': 1024 * 1024,
	'g': 1024 * 1024 * 1024,
	'G': 1024 * 1024 * 1024,
	't': 1024 * 1024 * 1024 * 1024,
	'T': 1024 * 1024 * 1024 * 1024,
}

// maxMemoryPercent bounds the "%" size suffix (§6: "bounded to ≤ 90%").
const maxMemoryPercent = 90

// minByteLiteral is the smallest value the "b|B" byte-literal suffix
// accepts (§6: "rejecting values < 128").
const minByteLiteral = 128

// physicalMemory returns the machine's total physical memory in bytes,
// matching the teacher's gopsutil-backed memory probe (internal/engine/worker.go's
// getMetrics) rather than hand-rolling a /proc/meminfo reader.
var physicalMemory = func() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.Total, nil
}

// ParseSize parses a byte count with the pipe's size-suffix grammar (§6):
// a decimal integer optionally followed by one of k|K/m|M/g|G/t|T (binary
// multiples), "%" (percent of physical memory, bounded to 90%), or b|B
// (an explicit byte count, rejecting values under 128).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty size")
	}

	if strings.HasSuffix(s, "%") {
		return parsePercentOfMemory(s[:len(s)-1])
	}

	last := s[len(s)-1]
	if last == 'b' || last == 'B' {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
		}
		if n < minByteLiteral {
			return 0, fmt.Errorf("config: invalid size %q: byte literal must be >= %d", s, minByteLiteral)
		}
		return n, nil
	}
	if mul, ok := binarySuffixes[last]; ok {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
		}
		return n * mul, nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}
	return n, nil
}

func parsePercentOfMemory(digits string) (int64, error) {
	pct, err := strconv.ParseFloat(strings.TrimSpace(digits), 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid percentage %q: %w", digits+"%", err)
	}
	if pct <= 0 || pct > maxMemoryPercent {
		return 0, fmt.Errorf("config: memory percentage %.0f%% out of range (0, %d]", pct, maxMemoryPercent)
	}
	total, err := physicalMemory()
	if err != nil {
		return 0, fmt.Errorf("config: reading physical memory: %w", err)
	}
	return int64(float64(total) * pct / 100), nil
}
