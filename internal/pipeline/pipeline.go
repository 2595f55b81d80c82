// Package pipeline wires the ring, watermark gate, rate limiter, fan-out
// barrier, and destinations into the producer / main-consumer /
// auxiliary-consumer goroutines described by the pipe's concurrency model,
// and runs them under one errgroup.Group so the first fatal error cancels
// every other goroutine. The watchdog and status reporter are started by
// the caller, outside that group.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/user/blockpipe"
	"github.com/user/blockpipe/pkg/barrier"
	"github.com/user/blockpipe/pkg/ioadapt"
	"github.com/user/blockpipe/pkg/ratelimit"
	"github.com/user/blockpipe/pkg/ring"
	"github.com/user/blockpipe/pkg/volume"
)

// doneSize marks the barrier's sentinel round: auxiliary consumers seeing
// this size know the main consumer has finished and there is no block to
// read, only a release to perform.
const doneSize = -1

// Counters are the pipe's shared progress counters, read by the status
// reporter, the watchdog, and the optional metrics endpoint. The ring's own
// EmptyCount and FullCount track how often the consumers and producer found
// it drained or saturated.
type Counters struct {
	BytesRead     atomic.Uint64
	BytesWritten  atomic.Uint64
	BlocksRead    atomic.Uint64
	BlocksWritten atomic.Uint64
}

// Pipeline holds everything one run needs: the ring, the primary and
// auxiliary destinations, and the shared coordination types.
type Pipeline struct {
	Ring     *ring.Ring
	Logger   blockpipe.Logger
	Counters Counters

	Input            io.Reader
	InputPath        string          // path to reopen on a volume change; empty makes an input volume change fail
	InputLimit       *ratelimit.Limiter
	InputVolume      *volume.Changer // nil if the input is not multi-volume aware
	RemainingVolumes int             // 0 = unlimited, 1 = single volume (no change protocol), >1 counts down

	Primary          blockpipe.Destination
	PrimaryLimit     *ratelimit.Limiter
	PrimaryVolume    *volume.Changer // nil if the primary destination isn't tape-like
	OutputVolumeSize int64           // bytes per output volume before a proactive change, 0 = unbounded
	TapeAware        bool            // treat a single ENOSPC as an early-warning, not end of media

	Auxiliary []blockpipe.Destination

	// PrimaryError is set once the primary destination suffers an
	// unrecoverable write error while auxiliary consumers remain; it is
	// nil for the whole run otherwise. §7(5): "record in the
	// destination's result field ... continue with the remaining
	// consumers."
	PrimaryError error

	barrier           *barrier.Barrier
	bytesThisVolume   int64
	consecutiveENOSPC int
	mainOutputOk      bool

	readDirectDisabled bool
	usingStaging       bool
	stagingBuf         []byte
	stagingFill        int
	stagingOff         int
}

// Run starts the producer, the main consumer, every auxiliary consumer, and
// returns once all of them have finished or one has returned a fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mainOutputOk = true
	if len(p.Auxiliary) > 0 {
		p.barrier = barrier.New(len(p.Auxiliary))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(ctx) })
	g.Go(func() error { return p.consumeMain(ctx) })
	for i, dest := range p.Auxiliary {
		i, dest := i, dest
		g.Go(func() error { return p.consumeAux(ctx, i, dest) })
	}
	return g.Wait()
}

func (p *Pipeline) produce(ctx context.Context) error {
	defer p.Ring.MarkProducerDone()

	for {
		idx, err := p.Ring.AcquireFree(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: producer: %w", err)
		}
		block := p.Ring.Block(idx)

		n, readErr := p.readFull(block.Data)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			block.Len = n
			// A clean, block-aligned EOF (n == 0) is the only point at
			// which the multi-volume protocol runs: a partial final block
			// is always treated as the true end of input, avoiding any
			// ambiguity with the consumer's short-block-means-last rule.
			if n == 0 && p.InputVolume != nil && p.moreVolumesRemain() {
				p.Ring.ReleaseFree(idx)
				if err := p.changeInputVolume(ctx); err != nil {
					return fmt.Errorf("pipeline: producer: input volume change: %w", err)
				}
				continue
			}
			if n > 0 {
				p.publishBlock(idx, n)
			} else {
				p.Ring.ReleaseFree(idx)
			}
			return nil
		}
		if readErr != nil {
			if p.InputVolume != nil {
				if volErr := p.InputVolume.Run(ctx, "input"); volErr == nil {
					p.Ring.ReleaseFree(idx)
					continue
				}
			}
			p.Ring.ReleaseFree(idx)
			return fmt.Errorf("pipeline: producer: read: %w", readErr)
		}

		block.Len = n
		if p.InputLimit != nil {
			if err := p.InputLimit.Enforce(ctx, n); err != nil {
				p.Ring.ReleaseFree(idx)
				return err
			}
		}
		p.publishBlock(idx, n)
	}
}

// moreVolumesRemain reports whether the producer should run the input-side
// volume-change protocol instead of finishing: 0 means unlimited volumes,
// anything greater than 1 counts down to the last one.
func (p *Pipeline) moreVolumesRemain() bool {
	return p.RemainingVolumes == 0 || p.RemainingVolumes > 1
}

// changeInputVolume runs the input volume-change protocol, decrements the
// remaining-volumes counter, and reopens the input from InputPath.
func (p *Pipeline) changeInputVolume(ctx context.Context) error {
	if err := p.InputVolume.Run(ctx, "input"); err != nil {
		return err
	}
	if p.RemainingVolumes > 1 {
		p.RemainingVolumes--
	}
	if p.InputPath == "" {
		return fmt.Errorf("pipeline: no input path to reopen for volume change")
	}
	if closer, ok := p.Input.(io.Closer); ok {
		closer.Close()
	}
	f, err := os.Open(p.InputPath)
	if err != nil {
		return fmt.Errorf("reopen input %s: %w", p.InputPath, err)
	}
	p.Input = f
	// A new volume may be a different device with a different native
	// block size; re-probe on the next ENOMEM instead of carrying over
	// the previous volume's staging buffer.
	p.usingStaging = false
	p.stagingBuf = nil
	p.stagingFill = 0
	p.stagingOff = 0
	return nil
}

func (p *Pipeline) publishBlock(idx, n int) {
	p.Counters.BytesRead.Add(uint64(n))
	p.Counters.BlocksRead.Add(1)
	p.Ring.PublishFilled(idx)
}

// readFull reads exactly len(buf) bytes from the input, or as many as are
// available before EOF, replicating io.ReadFull's accumulation contract
// (io.EOF only if nothing was read, io.ErrUnexpectedEOF for a short final
// read) while routing every individual Read through doRead so §4.4's
// EINTR/EINVAL/ENOMEM handling applies uniformly.
func (p *Pipeline) readFull(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := p.doRead(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF {
				if n == 0 {
					return n, io.EOF
				}
				return n, io.ErrUnexpectedEOF
			}
			return n, err
		}
	}
	return n, nil
}

// doRead performs one logical read, retrying transparently on EINTR
// (§4.4), retrying once on the first EINVAL the same way the write side's
// ioadapt.WriteAdapter does (the input's open flags are left as they are),
// and switching to the device
// block-size staging path on ENOMEM (§4.4 "Device block-size mismatch").
// Once staging has kicked in it keeps serving reads from it, preserving
// the transfer block_size boundary.
func (p *Pipeline) doRead(buf []byte) (int, error) {
	if p.usingStaging {
		return p.stagedRead(buf)
	}
	for {
		n, err := p.Input.Read(buf)
		if err == nil || err == io.EOF {
			return n, err
		}
		if ioadapt.IsEINTR(err) {
			continue
		}
		if ioadapt.IsEINVAL(err) && !p.readDirectDisabled {
			p.readDirectDisabled = true
			continue
		}
		if ioadapt.IsENOMEM(err) {
			size := p.deviceBlockSize()
			if size <= 0 {
				return n, err
			}
			p.Logger.Warn("read ENOMEM, switching to device-native staging buffer", "native_block_size", size)
			p.usingStaging = true
			p.stagingBuf = make([]byte, size)
			p.stagingFill = 0
			p.stagingOff = 0
			return p.stagedRead(buf)
		}
		return n, err
	}
}

// stagedRead fills buf from the device-native-sized staging buffer,
// refilling it from the input as needed and copying pieces into buf so
// the caller's transfer block_size boundary is preserved regardless of
// how the staging reads land relative to it.
func (p *Pipeline) stagedRead(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if p.stagingFill == 0 {
			m, err := p.Input.Read(p.stagingBuf)
			if err != nil && ioadapt.IsEINTR(err) {
				continue
			}
			if err != nil && err != io.EOF {
				return n, err
			}
			if m == 0 {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			p.stagingFill = m
			p.stagingOff = 0
		}
		c := copy(buf[n:], p.stagingBuf[p.stagingOff:p.stagingOff+p.stagingFill])
		p.stagingOff += c
		p.stagingFill -= c
		n += c
	}
	return n, nil
}

// deviceBlockSize returns the native block size of the input when it's a
// block or character device, or 0 if it isn't one (or isn't an *os.File
// at all, e.g. a network input), mirroring checkBlocksizes' fstat probe.
func (p *Pipeline) deviceBlockSize() int {
	f, ok := p.Input.(*os.File)
	if !ok {
		return 0
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK && st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return 0
	}
	if st.Blksize <= 0 {
		return 0
	}
	return int(st.Blksize)
}

func (p *Pipeline) consumeMain(ctx context.Context) error {
	for {
		idx, err := p.Ring.AcquireFilled(ctx)
		if err != nil {
			p.publishDone(nil)
			if err == context.Canceled || err == context.DeadlineExceeded || err == ring.ErrProducerDone {
				return nil
			}
			return fmt.Errorf("pipeline: main consumer: %w", err)
		}
		block := p.Ring.Block(idx)
		if block.Len == 0 {
			p.publishDone(func() { p.Ring.ReleaseFree(idx) })
			return nil
		}

		data := block.Bytes()

		// Write-error policy (§4.6 "Write-error policy", §7(5)): once the
		// primary has failed with auxiliaries still running, it stops
		// touching the destination (no more volume checks, no more
		// writes) but keeps calling the barrier and releasing ring slots
		// for every remaining block so the survivors keep moving.
		if p.mainOutputOk {
			if p.OutputVolumeSize > 0 && p.PrimaryVolume != nil && p.bytesThisVolume+int64(len(data)) > p.OutputVolumeSize {
				if err := p.PrimaryVolume.Run(ctx, "output"); err != nil {
					if len(p.Auxiliary) == 0 {
						p.publishDone(func() { p.Ring.ReleaseFree(idx) })
						return fmt.Errorf("pipeline: main consumer: output volume change: %w", err)
					}
					p.failPrimary(fmt.Errorf("pipeline: main consumer: output volume change: %w", err))
				} else {
					p.bytesThisVolume = 0
				}
			}
		}

		if p.mainOutputOk {
			if err := p.writeToPrimary(ctx, data); err != nil {
				if len(p.Auxiliary) == 0 {
					p.publishDone(func() { p.Ring.ReleaseFree(idx) })
					return err
				}
				p.failPrimary(err)
			} else {
				p.bytesThisVolume += int64(len(data))
				p.Counters.BytesWritten.Add(uint64(len(data)))
				p.Counters.BlocksWritten.Add(1)

				if p.PrimaryLimit != nil {
					if err := p.PrimaryLimit.Enforce(ctx, len(data)); err != nil {
						p.Ring.ReleaseFree(idx)
						p.publishDone(nil)
						return err
					}
				}
			}
		}

		if p.barrier != nil {
			if err := p.barrier.Publish(ctx, data, len(data), func() { p.Ring.ReleaseFree(idx) }); err != nil {
				p.Ring.ReleaseFree(idx)
				return fmt.Errorf("pipeline: main consumer: %w", err)
			}
		} else {
			p.Ring.ReleaseFree(idx)
		}

		if block.Len < p.Ring.BlockSize() {
			p.publishDone(nil)
			return nil // short block: this was the last one
		}
	}
}

// publishDone signals the fan-out barrier's sentinel round on an
// unconditional background context: auxiliary consumers deregister via
// their own context checks, so this always eventually completes.
func (p *Pipeline) publishDone(onDone func()) {
	if p.barrier == nil {
		if onDone != nil {
			onDone()
		}
		return
	}
	p.barrier.Publish(context.Background(), nil, doneSize, onDone)
}

// failPrimary records an unrecoverable primary-destination error and marks
// the main consumer as a coordinator-only participant for the rest of the
// run: it keeps acquiring filled slots, publishing them to the fan-out
// barrier, and releasing ring slots, but never touches the primary
// destination again. Only called when at least one auxiliary consumer is
// still running; otherwise the caller terminates the pipeline outright.
func (p *Pipeline) failPrimary(err error) {
	if !p.mainOutputOk {
		return
	}
	p.mainOutputOk = false
	p.PrimaryError = err
	p.Logger.Error("primary destination failed, continuing as fan-out coordinator only", "error", err)
}

// writeToPrimary writes data to the primary destination, applying the tape
// end-of-media heuristic when TapeAware is set: a single ENOSPC is treated
// as an early-warning (logged once, the same write retried), and only two
// consecutive ENOSPC results are taken as true end of media and trigger an
// output volume change. Non-tape-aware configurations change volume on the
// first ENOSPC, same as before.
func (p *Pipeline) writeToPrimary(ctx context.Context, data []byte) error {
	err := p.Primary.WriteChunk(ctx, data)
	if err == nil {
		p.consecutiveENOSPC = 0
		return nil
	}
	if !ioadapt.IsENOSPC(err) {
		return fmt.Errorf("pipeline: main consumer: %w", err)
	}

	p.consecutiveENOSPC++
	if p.TapeAware && p.consecutiveENOSPC == 1 {
		p.Logger.Warn("near end of media (ENOSPC), continuing", "side", "output")
		err = p.Primary.WriteChunk(ctx, data)
		if err == nil {
			p.consecutiveENOSPC = 0
			return nil
		}
		if !ioadapt.IsENOSPC(err) {
			return fmt.Errorf("pipeline: main consumer: %w", err)
		}
		p.consecutiveENOSPC++
	}

	if p.PrimaryVolume == nil {
		return fmt.Errorf("pipeline: main consumer: %w", err)
	}
	p.consecutiveENOSPC = 0
	p.bytesThisVolume = 0
	if volErr := p.PrimaryVolume.Run(ctx, "output"); volErr != nil {
		return fmt.Errorf("pipeline: main consumer: volume change after ENOSPC: %w", volErr)
	}
	return p.Primary.WriteChunk(ctx, data)
}

func (p *Pipeline) consumeAux(ctx context.Context, i int, dest blockpipe.Destination) error {
	if err := dest.Open(ctx); err != nil {
		return fmt.Errorf("pipeline: auxiliary consumer %d: %w", i, err)
	}
	defer dest.Close()

	for {
		ptr, size, ok := p.barrier.Sync(ctx, false)
		if !ok {
			p.barrier.Sync(context.Background(), true) // deregister unconditionally
			return nil
		}
		if size == doneSize {
			return nil
		}
		if err := dest.WriteChunk(ctx, ptr[:size]); err != nil {
			p.Logger.Error("auxiliary consumer write failed, dropping out of fan-out", "index", i, "error", err)
			p.barrier.Sync(context.Background(), true) // deregister
			return nil
		}
	}
}

// Elapsed is a small helper for computing the final summary's duration.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start)
}
