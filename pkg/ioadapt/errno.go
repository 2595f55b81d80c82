// Package ioadapt classifies POSIX errno values surfaced through Go's error
// wrapping and adapts writes to descriptors that don't tolerate direct I/O,
// per the pipe's error-handling design (EINTR retried transparently, ENOSPC
// and EIO surfaced to the caller, the first EINVAL retried once).
package ioadapt

import (
	"errors"

	"golang.org/x/sys/unix"
)

func is(err error, errno unix.Errno) bool {
	return errors.Is(err, errno)
}

// IsEINTR reports whether err is (or wraps) EINTR: an interrupted syscall
// that should be retried transparently.
func IsEINTR(err error) bool { return is(err, unix.EINTR) }

// IsEINVAL reports whether err is (or wraps) EINVAL, typically a direct-I/O
// alignment failure; the pipe retries the first such read or write once.
func IsEINVAL(err error) bool { return is(err, unix.EINVAL) }

// IsENOSPC reports whether err is (or wraps) ENOSPC: out of space, used by
// the output-side volume-change heuristic.
func IsENOSPC(err error) bool { return is(err, unix.ENOSPC) }

// IsENOMEM reports whether err is (or wraps) ENOMEM, which a device read
// returns when the request doesn't match the device's native block size.
func IsENOMEM(err error) bool { return is(err, unix.ENOMEM) }

// IsEIO reports whether err is (or wraps) EIO: a genuine I/O failure that
// should abort the run rather than retry.
func IsEIO(err error) bool { return is(err, unix.EIO) }
