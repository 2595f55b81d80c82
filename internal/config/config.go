// Package config resolves the pipe's Config from rc files and CLI flags,
// and parses the size-suffix grammar those flags share.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved set of options a run executes with, after rc
// files and CLI flags have both been applied (flags win).
type Config struct {
	BlockSize  int64
	NumBlocks  int
	MemorySize int64 // if set, overrides BlockSize*NumBlocks

	Input          string
	Output         []string
	NetworkInput   string   // [HOST:]PORT to listen on instead of reading Input
	NetworkOutputs []string // HOST:PORT targets, dialed like Output entries

	AddressFamily4 bool // -4: restrict network endpoints to IPv4
	AddressFamily6 bool // -6: restrict network endpoints to IPv6

	Quiet   int  // -q count: each occurrence raises the minimum log level by one step
	PidFile bool // --pid: print the process id to stdout on startup

	StartRead  float64
	StartWrite float64

	RateLimit float64 // bytes/sec, 0 = unlimited

	VolumeSize    int64
	InputVolumes  int // number of input volumes to expect; 0 = unlimited, 1 = single volume (default)
	TapeAware     bool
	AutoloadCmd   string
	AutoloadDelay time.Duration

	HashAlgo string
	HashList bool

	StatusInterval time.Duration
	LogFile        string
	LogLevel       string
	ReportFile     string
	MetricsAddr    string

	WatchdogTimeout     time.Duration
	WatchdogGracePeriod time.Duration

	Force    bool
	Append   bool
	Truncate bool
	Sync     bool

	ErrorsFatal bool // -e: escalate any error-level log event to immediate process exit

	MemoryLock  bool   // -L: attempt to lock the ring into memory
	MmapScratch bool   // -t: back the ring with a memory-mapped scratch file
	ScratchFile string // -T: path for that scratch file
}

// Default returns the pipe's documented defaults before any rc file or
// flag is applied.
func Default() Config {
	return Config{
		BlockSize:           64 * 1024,
		NumBlocks:           32,
		StartRead:           0.1,
		StartWrite:          0.9,
		StatusInterval:      time.Second,
		LogLevel:            "info",
		HashAlgo:            "md5",
		InputVolumes:        1,
		WatchdogTimeout:     0,
		WatchdogGracePeriod: 5 * time.Second,
	}
}

// AddressFamily returns the network dial/listen family selected by -4/-6
// (§6), or "" to let the runtime pick (the -0 default).
func (c *Config) AddressFamily() string {
	switch {
	case c.AddressFamily4:
		return "tcp4"
	case c.AddressFamily6:
		return "tcp6"
	default:
		return ""
	}
}

// Validate checks invariants that span multiple fields.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block size must be positive")
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("config: number of blocks must be positive")
	}
	if c.StartRead < 0 || c.StartRead > 1 {
		return fmt.Errorf("config: start-read watermark must be in [0,1]")
	}
	if c.StartWrite < 0 || c.StartWrite > 1 {
		return fmt.Errorf("config: start-write watermark must be in [0,1]")
	}
	if c.MemorySize > 0 {
		c.NumBlocks = int(c.MemorySize / c.BlockSize)
		if c.NumBlocks <= 0 {
			return fmt.Errorf("config: memory size %d is smaller than block size %d", c.MemorySize, c.BlockSize)
		}
	}
	return nil
}

// ApplyRC overlays key=value pairs from an rc file onto c, for keys c
// understands. Unknown keys are ignored, matching the teacher's
// permissive config-merge style; unrecognized keys are still surfaced to
// the caller so main can warn about typos.
func (c *Config) ApplyRC(vals map[string]string) (unknown []string) {
	for k, v := range vals {
		var err error
		switch k {
		case "blocksize":
			c.BlockSize, err = ParseSize(v)
		case "numblocks":
			_, err = fmt.Sscanf(v, "%d", &c.NumBlocks)
		case "memorysize":
			c.MemorySize, err = ParseSize(v)
		case "startread":
			_, err = fmt.Sscanf(v, "%g", &c.StartRead)
		case "startwrite":
			_, err = fmt.Sscanf(v, "%g", &c.StartWrite)
		case "ratelimit":
			var sz int64
			sz, err = ParseSize(v)
			c.RateLimit = float64(sz)
		case "hash":
			c.HashAlgo = v
		case "logfile":
			c.LogFile = v
		case "loglevel":
			c.LogLevel = v
		case "metricsaddr":
			c.MetricsAddr = v
		case "volumesize":
			c.VolumeSize, err = ParseSize(v)
		case "inputvolumes":
			_, err = fmt.Sscanf(v, "%d", &c.InputVolumes)
		case "tapeaware":
			c.TapeAware = v == "1" || v == "true" || v == "yes"
		case "autoload":
			c.AutoloadCmd = v
		default:
			unknown = append(unknown, k)
			continue
		}
		if err != nil {
			unknown = append(unknown, k)
		}
	}
	return unknown
}
