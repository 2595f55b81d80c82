package ioadapt

import (
	"os"
)

// WriteAdapter wraps writes to a single descriptor, retrying on EINTR and
// remembering whether it has already spent its one EINVAL retry for this
// descriptor.
type WriteAdapter struct {
	directDisabled bool
}

// Write writes p to f, retrying transparently on EINTR. The first write to
// fail with EINVAL is retried once and the adapter records that it did so;
// any later EINVAL is returned to the caller. The descriptor's flags are
// not changed: no direct-I/O flag is cleared on f.
func (w *WriteAdapter) Write(f *os.File, p []byte) (int, error) {
	for {
		n, err := f.Write(p)
		if err == nil {
			return n, nil
		}
		if IsEINTR(err) {
			continue
		}
		if IsEINVAL(err) && !w.directDisabled {
			w.directDisabled = true
			continue
		}
		return n, err
	}
}

// DirectDisabled reports whether this adapter has already used its one
// EINVAL retry for its descriptor.
func (w *WriteAdapter) DirectDisabled() bool {
	return w.directDisabled
}
