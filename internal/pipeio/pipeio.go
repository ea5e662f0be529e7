// Package pipeio applies the non-blocking flag to a descriptor and, where
// the host OS supports it, hints at a pipe's kernel buffer size.
package pipeio

import "golang.org/x/sys/unix"

// SetNonblocking reads fd's current status flags, ORs in O_NONBLOCK, and
// writes them back only if that changed something.
func SetNonblocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if flags&unix.O_NONBLOCK != 0 {
		return nil
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}
