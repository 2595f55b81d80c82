// Command blockpipe is a concurrent ring-buffered pipe: it reads from one
// input, buffers it in a block ring, and writes it to a primary destination
// while optionally fanning out the same blocks to auxiliary destinations
// (extra files, sockets, or streaming hash calculators).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/blockpipe/internal/config"
	"github.com/user/blockpipe/internal/logging"
	"github.com/user/blockpipe/internal/pipeline"
	"github.com/user/blockpipe/pkg/destination"
	"github.com/user/blockpipe/pkg/digest"
	"github.com/user/blockpipe/pkg/metrics"
	"github.com/user/blockpipe/pkg/ratelimit"
	"github.com/user/blockpipe/pkg/ring"
	"github.com/user/blockpipe/pkg/status"
	"github.com/user/blockpipe/pkg/volume"
	"github.com/user/blockpipe/pkg/watchdog"

	"github.com/prometheus/client_golang/prometheus"
)

const progName = "blockpipe"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var auxArgs []string
	var noRC bool

	cmd := &cobra.Command{
		Use:   progName,
		Short: "buffer a byte stream through a concurrent ring, fanning out to multiple destinations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HashList || cfg.HashAlgo == "list" {
				for _, name := range digest.Available() {
					fmt.Println(name)
				}
				return nil
			}
			if len(args) > 0 {
				cfg.Output = args
			}
			if !noRC {
				vals, err := config.LoadRCFiles(config.RCPaths(progName))
				if err != nil {
					return err
				}
				for _, key := range cfg.ApplyRC(vals) {
					fmt.Fprintf(os.Stderr, "%s: ignoring unknown or invalid rc key %q\n", progName, key)
				}
			}
			return run(cmd.Context(), &cfg, auxArgs)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&cfg.BlockSize, "block-size", cfg.BlockSize, "block size in bytes (size suffixes b/k/m/g accepted via rc file)")
	flags.IntVarP(&cfg.NumBlocks, "num-blocks", "n", cfg.NumBlocks, "number of blocks in the ring")
	flags.Int64Var(&cfg.MemorySize, "memory", cfg.MemorySize, "total ring size in bytes; overrides --num-blocks")
	flags.StringVarP(&cfg.Input, "input", "i", cfg.Input, "input path (default stdin)")
	flags.StringVarP(&cfg.NetworkInput, "net-input", "I", cfg.NetworkInput, "listen on [HOST:]PORT and read the single accepted connection instead of --input")
	flags.StringArrayVarP(&cfg.NetworkOutputs, "net-output", "O", nil, "dial HOST:PORT and add it as an output destination (repeatable)")
	flags.Float64VarP(&cfg.StartRead, "start-read", "r", cfg.StartRead, "low watermark fill ratio that resumes the producer")
	flags.Float64VarP(&cfg.StartWrite, "start-write", "w", cfg.StartWrite, "high watermark fill ratio an empty ring must refill to before the consumer resumes")
	flags.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "maximum throughput in bytes/sec, 0 for unlimited")
	flags.StringVar(&cfg.HashAlgo, "hash", cfg.HashAlgo, "\"list\" prints the available digest algorithms; other values are not used (hash destinations take their algorithm from --aux hash:ALGO)")
	flags.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "interval between status lines, 0 to disable")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file instead of stderr")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	flags.StringVar(&cfg.ReportFile, "report", cfg.ReportFile, "write a YAML run summary to this path")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9090")
	flags.DurationVar(&cfg.WatchdogTimeout, "watchdog", cfg.WatchdogTimeout, "abort if no progress is made for this long, 0 to disable")
	flags.BoolVarP(&cfg.Force, "force", "f", cfg.Force, "overwrite existing output files")
	flags.BoolVarP(&cfg.Append, "append", "a", cfg.Append, "append to existing output files")
	flags.BoolVar(&cfg.Truncate, "truncate", cfg.Truncate, "truncate existing output files")
	flags.BoolVarP(&cfg.Sync, "sync", "c", cfg.Sync, "open outputs with O_SYNC")
	flags.BoolVarP(&cfg.ErrorsFatal, "errors-fatal", "e", cfg.ErrorsFatal, "escalate any error-level event to immediate process exit")
	flags.Int64Var(&cfg.VolumeSize, "volume-size", cfg.VolumeSize, "bytes per volume before prompting for the next one, 0 for unbounded")
	flags.StringVar(&cfg.AutoloadCmd, "autoload", cfg.AutoloadCmd, "shell command to run instead of prompting on a volume change")
	flags.DurationVar(&cfg.AutoloadDelay, "autoload-delay", cfg.AutoloadDelay, "pause after running the autoload command")
	flags.IntVarP(&cfg.InputVolumes, "input-volumes", "V", cfg.InputVolumes, "number of input volumes to read before stopping, 0 for unlimited")
	flags.BoolVar(&cfg.TapeAware, "tapeaware", cfg.TapeAware, "treat a single ENOSPC as an early-warning and only change volume on two consecutive ones")
	flags.StringArrayVar(&auxArgs, "aux", nil, "additional destination to fan out to (repeatable); file:PATH, tcp:ADDR, hash:ALGO")
	flags.BoolVar(&cfg.HashList, "hash-list", cfg.HashList, "print available digest algorithms and exit")
	flags.BoolVar(&noRC, "no-rc", false, "skip loading /etc/blockpipe.rc and ~/.blockpipe.rc")
	flags.BoolVarP(&cfg.AddressFamily4, "ipv4", "4", false, "restrict network endpoints to IPv4")
	flags.BoolVarP(&cfg.AddressFamily6, "ipv6", "6", false, "restrict network endpoints to IPv6")
	flags.CountVarP(&cfg.Quiet, "quiet", "q", "raise the minimum log level by one step per occurrence; repeatable")
	flags.BoolVar(&cfg.PidFile, "pid", cfg.PidFile, "print the process id to stdout on startup")
	flags.BoolVarP(&cfg.MemoryLock, "lock-memory", "L", cfg.MemoryLock, "mlock the ring's blocks so they can't be paged out")
	flags.BoolVarP(&cfg.MmapScratch, "mmap-scratch", "t", cfg.MmapScratch, "back the ring with a memory-mapped scratch file instead of heap memory")
	flags.StringVarP(&cfg.ScratchFile, "scratch-file", "T", cfg.ScratchFile, "path for the memory-mapped scratch file (with --mmap-scratch)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, auxArgs []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var logOut *os.File = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := logging.New(logOut, logging.RaiseLevel(cfg.LogLevel, cfg.Quiet))
	logger.SetErrorsFatal(cfg.ErrorsFatal)
	logger.Info("starting", "run_id", logger.RunID(), "block_size", cfg.BlockSize, "num_blocks", cfg.NumBlocks)

	if cfg.PidFile {
		fmt.Println(os.Getpid())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, closeInput, err := openInput(ctx, cfg.Input, cfg.NetworkInput, cfg.AddressFamily())
	if err != nil {
		return err
	}
	defer closeInput()

	primary, primaryVolume, err := openPrimaryDestination(cfg)
	if err != nil {
		return err
	}
	if err := primary.Open(ctx); err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer primary.Close()

	auxiliary := make([]interface{ Result() string }, 0, len(auxArgs))
	var r *ring.Ring
	if cfg.MmapScratch {
		scratchPath := cfg.ScratchFile
		if scratchPath == "" {
			scratchPath = filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.scratch", progName, os.Getpid()))
		}
		var closeScratch func() error
		var err error
		r, closeScratch, err = ring.NewMmapScratch(cfg.NumBlocks, int(cfg.BlockSize), cfg.StartRead, cfg.StartWrite, scratchPath)
		if err != nil {
			return fmt.Errorf("mmap scratch ring: %w", err)
		}
		defer func() {
			if err := closeScratch(); err != nil {
				logger.Warn("removing scratch file", "error", err)
			}
		}()
	} else {
		r = ring.New(cfg.NumBlocks, int(cfg.BlockSize), cfg.StartRead, cfg.StartWrite)
	}
	if cfg.MemoryLock {
		if err := r.LockMemory(); err != nil {
			logger.Warn("locking ring memory", "error", err)
		}
	}

	p := &pipeline.Pipeline{
		Ring:    r,
		Logger:  logger,
		Input:   input,
		Primary: primary,
	}
	if cfg.RateLimit > 0 {
		p.InputLimit = ratelimit.New(cfg.RateLimit)
	}
	if primaryVolume {
		p.PrimaryVolume = &volume.Changer{
			AutoloadCmd:   cfg.AutoloadCmd,
			AutoloadDelay: cfg.AutoloadDelay,
			Prompter:      volume.TerminalPrompter{},
			Logger:        logger,
		}
	}
	p.TapeAware = cfg.TapeAware
	p.OutputVolumeSize = cfg.VolumeSize
	if cfg.InputVolumes != 1 && cfg.Input != "" && cfg.Input != "-" {
		prompter := volume.TerminalPrompter{}
		if cfg.AutoloadCmd == "" && !prompter.IsTerminal() {
			return fmt.Errorf("config: multi-volume input requires an autoload command or an interactive terminal")
		}
		p.RemainingVolumes = cfg.InputVolumes
		p.InputPath = cfg.Input
		p.InputVolume = &volume.Changer{
			AutoloadCmd:   cfg.AutoloadCmd,
			AutoloadDelay: cfg.AutoloadDelay,
			Prompter:      prompter,
			Logger:        logger,
		}
	}

	for _, addr := range cfg.NetworkOutputs {
		auxArgs = append(auxArgs, "tcp:"+addr)
	}
	for _, spec := range auxArgs {
		dest, err := parseAuxDestination(spec, cfg.AddressFamily())
		if err != nil {
			return err
		}
		p.Auxiliary = append(p.Auxiliary, dest)
		auxiliary = append(auxiliary, dest)
	}

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		m := metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		go mirrorMetrics(ctx, r, &p.Counters, m)
	}

	if cfg.WatchdogTimeout > 0 {
		wd := watchdog.New(cfg.WatchdogTimeout, cfg.WatchdogGracePeriod, logger, &p.Counters.BlocksRead, &p.Counters.BlocksWritten)
		// The watchdog's own SIGINT cancels ctx, so it runs on a context of
		// its own to still be able to follow up with SIGKILL.
		wdCtx, wdCancel := context.WithCancel(context.Background())
		defer wdCancel()
		go wd.Run(wdCtx)
	}

	stopStatus := make(chan struct{})
	if cfg.StatusInterval > 0 {
		reporter := status.New(cfg.StatusInterval, os.Stderr, &p.Counters.BytesWritten, &r.EmptyCount, &r.FullCount, r.FillRatio)
		go reporter.Run(stopStatus)
	}

	start := time.Now()
	runErr := p.Run(ctx)
	close(stopStatus)

	primaryResult := primary.Result()
	if p.PrimaryError != nil {
		primaryResult = fmt.Sprintf("primary: %s", p.PrimaryError)
	}
	results := []string{primaryResult}
	for _, a := range auxiliary {
		results = append(results, a.Result())
	}
	elapsed := time.Since(start)
	summary := status.Final(p.Counters.BytesWritten.Load(), elapsed, results)
	fmt.Fprintln(os.Stderr, summary)

	if cfg.ReportFile != "" {
		report := status.NewReport(logger.RunID(), p.Counters.BytesWritten.Load(), elapsed, r.EmptyCount.Load(), r.FullCount.Load(), results)
		if err := status.WriteReport(cfg.ReportFile, report); err != nil {
			logger.Error("writing report", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		return runErr
	}
	logger.Info("done", "bytes_written", p.Counters.BytesWritten.Load())
	if logger.HadError() {
		return fmt.Errorf("blockpipe: completed with at least one error-level event")
	}
	return nil
}

func mirrorMetrics(ctx context.Context, r *ring.Ring, c *pipeline.Counters, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastRead, lastWritten, lastEmpty, lastFull uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read, written := c.BlocksRead.Load(), c.BlocksWritten.Load()
			empty, full := r.EmptyCount.Load(), r.FullCount.Load()
			m.BlocksRead.Add(float64(read - lastRead))
			m.BlocksWritten.Add(float64(written - lastWritten))
			m.EmptyCount.Add(float64(empty - lastEmpty))
			m.FullCount.Add(float64(full - lastFull))
			m.FillRatio.Set(r.FillRatio())
			lastRead, lastWritten, lastEmpty, lastFull = read, written, empty, full
		}
	}
}

func openInput(ctx context.Context, path, networkInput, family string) (io.Reader, func() error, error) {
	if networkInput != "" {
		conn, err := destination.ListenOnce(ctx, networkInput, family)
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.Close, nil
	}
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f.Close, nil
}

func openPrimaryDestination(cfg *config.Config) (interface {
	destOpener
}, bool, error) {
	if len(cfg.Output) == 0 || cfg.Output[0] == "-" {
		return destination.NewStdout(), false, nil
	}
	path := cfg.Output[0]
	isBlockDevice := isBlockDevicePath(path)
	d := destination.NewFile(destination.FileConfig{
		Path:          path,
		Append:        cfg.Append,
		Truncate:      cfg.Truncate,
		Force:         cfg.Force,
		Sync:          cfg.Sync,
		IsBlockDevice: isBlockDevice,
	})
	return d, isBlockDevice, nil
}

// destOpener is the subset of blockpipe.Destination main needs before the
// pipeline type is fully assembled.
type destOpener interface {
	Open(ctx context.Context) error
	WriteChunk(ctx context.Context, p []byte) error
	Sync() error
	Close() error
	Result() string
}

func isBlockDevicePath(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0
}

func parseAuxDestination(spec, family string) (auxDestination, error) {
	kind, arg, ok := cutKind(spec)
	if !ok {
		return nil, fmt.Errorf("invalid --aux destination %q: expected kind:arg", spec)
	}
	switch kind {
	case "file":
		return destination.NewFile(destination.FileConfig{Path: arg, Force: true}), nil
	case "tcp":
		return destination.NewSocket("tcp", arg, family), nil
	case "unix":
		return destination.NewSocket("unix", arg, ""), nil
	case "hash":
		return destination.NewHash(arg), nil
	default:
		return nil, fmt.Errorf("invalid --aux destination %q: unknown kind %q", spec, kind)
	}
}

type auxDestination interface {
	destOpener
}

func cutKind(spec string) (kind, arg string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}
