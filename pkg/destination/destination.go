// Package destination implements the pipe's Destination variants: files,
// block devices, network sockets, standard output, and streaming hash
// calculators. Each is a thin blockpipe.Destination adapter; the shared
// retry/errno handling lives in pkg/ioadapt.
package destination

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/user/blockpipe"
	"github.com/user/blockpipe/pkg/digest"
	"github.com/user/blockpipe/pkg/ioadapt"
)

// Kind identifies which concrete Destination a descriptor resolves to.
type Kind int

// The destination kinds the pipe supports.
const (
	KindFile Kind = iota
	KindBlockDevice
	KindSocket
	KindStdout
	KindHash
)

// FileConfig configures a file or block-device destination.
type FileConfig struct {
	Path     string
	Append   bool
	Truncate bool
	Force    bool // create with O_EXCL unless Force is set
	Sync     bool // O_SYNC
	IsBlockDevice bool
}

// FileDestination writes to a regular file or block device, adapting the
// teacher's FileSink write-then-newline pattern to raw, unframed blocks.
type FileDestination struct {
	cfg FileConfig
	f   *os.File
	w   ioadapt.WriteAdapter
}

// NewFile builds a FileDestination from cfg. Open does the actual os.Open.
func NewFile(cfg FileConfig) *FileDestination {
	return &FileDestination{cfg: cfg}
}

// Open opens the underlying file according to the configured flags.
func (d *FileDestination) Open(ctx context.Context) error {
	flags := os.O_WRONLY | os.O_CREATE
	if d.cfg.Append {
		flags |= os.O_APPEND
	} else if d.cfg.Truncate {
		flags |= os.O_TRUNC
	}
	if !d.cfg.Force && !d.cfg.IsBlockDevice {
		flags |= os.O_EXCL
	}
	if d.cfg.Sync {
		flags |= os.O_SYNC
	}
	f, err := os.OpenFile(d.cfg.Path, flags, 0644)
	if err != nil {
		return fmt.Errorf("destination: open %s: %w", d.cfg.Path, err)
	}
	d.f = f
	return nil
}

// WriteChunk writes p in full to the file.
func (d *FileDestination) WriteChunk(ctx context.Context, p []byte) error {
	n, err := d.w.Write(d.f, p)
	if err != nil {
		return fmt.Errorf("destination: write %s: %w", d.cfg.Path, err)
	}
	if n != len(p) {
		return fmt.Errorf("destination: short write to %s: wrote %d of %d", d.cfg.Path, n, len(p))
	}
	return nil
}

// Sync flushes the file to stable storage.
func (d *FileDestination) Sync() error {
	if d.f == nil {
		return nil
	}
	return d.f.Sync()
}

// Close closes the file.
func (d *FileDestination) Close() error {
	if d.f == nil {
		return nil
	}
	return d.f.Close()
}

// Result is empty for file destinations; they report via byte counts, not
// a summary string.
func (d *FileDestination) Result() string { return "" }

// ChangeVolume closes the current file and reopens the same path with the
// same flags. The pipeline's output volume change (volume.Changer) does not
// call it; it only runs the autoloader command or the prompt.
func (d *FileDestination) ChangeVolume(ctx context.Context) error {
	if err := d.Close(); err != nil {
		return err
	}
	return d.Open(ctx)
}

// StdoutDestination writes blocks to the process's standard output,
// mirroring the teacher's trivial StdoutSink.
type StdoutDestination struct {
	w ioadapt.WriteAdapter
}

// NewStdout builds a StdoutDestination.
func NewStdout() *StdoutDestination { return &StdoutDestination{} }

// Open is a no-op; stdout is always open.
func (d *StdoutDestination) Open(ctx context.Context) error { return nil }

// WriteChunk writes p to os.Stdout.
func (d *StdoutDestination) WriteChunk(ctx context.Context, p []byte) error {
	n, err := d.w.Write(os.Stdout, p)
	if err != nil {
		return fmt.Errorf("destination: write stdout: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("destination: short write to stdout: wrote %d of %d", n, len(p))
	}
	return nil
}

// Sync is a no-op for stdout.
func (d *StdoutDestination) Sync() error { return nil }

// Close is a no-op for stdout; the pipe never closes the inherited fd.
func (d *StdoutDestination) Close() error { return nil }

// Result is empty for stdout.
func (d *StdoutDestination) Result() string { return "" }

// SocketDestination writes blocks to a TCP (or Unix) socket, dialed once on
// Open and kept for the life of the run.
type SocketDestination struct {
	network string
	addr    string
	conn    net.Conn
}

// NewSocket builds a SocketDestination for the given network ("tcp",
// "unix") and address. family, if "tcp4" or "tcp6", narrows a "tcp"
// network to that address family (§6 -0/-4/-6); it has no effect on
// "unix".
func NewSocket(network, addr, family string) *SocketDestination {
	if network == "tcp" && family != "" {
		network = family
	}
	return &SocketDestination{network: network, addr: addr}
}

// Open dials the remote endpoint.
func (d *SocketDestination) Open(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, d.network, d.addr)
	if err != nil {
		return fmt.Errorf("destination: dial %s %s: %w", d.network, d.addr, err)
	}
	d.conn = conn
	return nil
}

// WriteChunk writes p in full to the socket.
func (d *SocketDestination) WriteChunk(ctx context.Context, p []byte) error {
	var written int
	for written < len(p) {
		n, err := d.conn.Write(p[written:])
		if err != nil {
			return fmt.Errorf("destination: write %s: %w", d.addr, err)
		}
		written += n
	}
	return nil
}

// Sync is a no-op for sockets; there is no stable-storage concept.
func (d *SocketDestination) Sync() error { return nil }

// Close closes the connection.
func (d *SocketDestination) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Result is empty for sockets.
func (d *SocketDestination) Result() string { return "" }

// HashDestination feeds every block through a digest.Provider instead of
// writing bytes anywhere; Result reports the final hex digest, matching the
// pipe's streaming hash calculator destination.
type HashDestination struct {
	algo string
	p    digest.Provider
}

// NewHash builds a HashDestination for the named digest algorithm.
func NewHash(algo string) *HashDestination {
	return &HashDestination{algo: algo}
}

// Open constructs the underlying hash state.
func (d *HashDestination) Open(ctx context.Context) error {
	p, err := digest.New(d.algo)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	d.p = p
	return nil
}

// WriteChunk feeds p into the hash; hash.Hash.Write never errors.
func (d *HashDestination) WriteChunk(ctx context.Context, p []byte) error {
	d.p.Write(p)
	return nil
}

// Sync is a no-op for hash destinations.
func (d *HashDestination) Sync() error { return nil }

// Close is a no-op; the digest is read via Result.
func (d *HashDestination) Close() error { return nil }

// Result returns "algorithm hexdigest", matching common *sum tool output.
func (d *HashDestination) Result() string {
	if d.p == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", d.algo, digest.SumHex(d.p))
}

var (
	_ blockpipe.Destination  = (*FileDestination)(nil)
	_ blockpipe.VolumeChanger = (*FileDestination)(nil)
	_ blockpipe.Destination  = (*StdoutDestination)(nil)
	_ blockpipe.Destination  = (*SocketDestination)(nil)
	_ blockpipe.Destination  = (*HashDestination)(nil)
)

// ListenOnce opens a listening socket on addr (a bare port or host:port),
// accepts exactly one connection, and returns it as the pipe's input
// reader (§6 -I [HOST:]PORT). The listener itself is closed as soon as
// the single connection is accepted; closing the returned connection is
// left to the caller.
func ListenOnce(ctx context.Context, addr, family string) (net.Conn, error) {
	network := "tcp"
	if family == "tcp4" || family == "tcp6" {
		network = family
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("destination: listen %s %s: %w", network, addr, err)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("destination: accept on %s: %w", addr, err)
	}
	return conn, nil
}

// ParseSocketAddr splits an "addr:port" or "unix:/path" destination
// argument into the network and address DialContext expects.
func ParseSocketAddr(arg string) (network, addr string) {
	if strings.HasPrefix(arg, "unix:") {
		return "unix", strings.TrimPrefix(arg, "unix:")
	}
	return "tcp", arg
}
