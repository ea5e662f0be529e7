// Package fdhandle owns at most one raw file descriptor per Handle and makes
// close idempotent and cancellation-aware access explicit, so every other
// component in go-subprocess can pass descriptors around without ever
// double-closing the underlying OS resource.
package fdhandle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBadFileDescriptor is returned by AccessIfNotCancelled once the handle
// has been closed. Close on an already-closed handle returns nil instead.
var ErrBadFileDescriptor = fmt.Errorf("bad file descriptor")

// Handle owns a single OS file descriptor. The zero value is not usable; use
// New.
type Handle struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// New wraps fd. The Handle takes ownership: callers must not close fd
// themselves once it has been handed to New.
func New(fd int) *Handle {
	return &Handle{fd: fd}
}

// AccessIfNotCancelled returns the underlying descriptor provided ctx has not
// been cancelled and the handle has not been closed. It returns ctx.Err() if
// the context is done, and ErrBadFileDescriptor if the handle is closed.
// Checking ctx first matches the spec's ordering: a cancelled caller should
// never observe "bad file descriptor" for a handle it raced to close itself.
func (h *Handle) AccessIfNotCancelled(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1, ErrBadFileDescriptor
	}
	return h.fd, nil
}

// Close is idempotent: only the first call reaches the OS. The handle is
// marked closed before the OS close is attempted, so a close that itself
// fails still leaves the handle unusable.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	fd := h.fd
	h.mu.Unlock()

	return unix.Close(fd)
}

// FD returns the raw descriptor without any cancellation or closed check,
// including after Close.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fd
}
