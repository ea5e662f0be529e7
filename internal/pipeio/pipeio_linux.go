//go:build linux

package pipeio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SetBufferSize applies a size hint to the pipe's write end via
// F_SETPIPE_SZ. ResourceBusy (EBUSY) is swallowed: the kernel already
// guarantees at least the requested size in that case.
func SetBufferSize(writeEnd int, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	_, err := unix.FcntlInt(uintptr(writeEnd), unix.F_SETPIPE_SZ, bytes)
	if errors.Is(err, unix.EBUSY) {
		return nil
	}
	return err
}
