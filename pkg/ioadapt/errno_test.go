package ioadapt

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassifyWrappedErrno(t *testing.T) {
	err := fmt.Errorf("write: %w", unix.ENOSPC)
	if !IsENOSPC(err) {
		t.Error("expected IsENOSPC to see through fmt.Errorf wrapping")
	}
	if IsEIO(err) {
		t.Error("ENOSPC should not be classified as EIO")
	}
}

func TestClassifyUnrelatedError(t *testing.T) {
	err := fmt.Errorf("boom")
	if IsEINTR(err) || IsEINVAL(err) || IsENOSPC(err) || IsENOMEM(err) || IsEIO(err) {
		t.Error("a plain error should not classify as any errno")
	}
}
