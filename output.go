package subprocess

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/hashicorp/go-subprocess/internal/fdhandle"
)

const readAllStagingSize = 1024

// Output wraps a non-blocking pipe read-end. It tracks in-flight ReadAll/
// DiscardAll calls so CloseAfterPendingReads can defer closing until they
// drain, which is what lets the termination callback close stdout/stderr
// without racing a concurrent reader into a bad-file-descriptor error.
type Output struct {
	mu           sync.Mutex
	fd           *fdhandle.Handle
	pendingReads int
	deferredOnce sync.Once
	deferredDone chan struct{}
}

func newOutput(fd int) *Output {
	return &Output{fd: fdhandle.New(fd)}
}

// Read performs a single non-blocking read into buf. It returns (0, nil)
// for EOF, (n, nil) for data, (0, wouldBlock=true) on EAGAIN/EWOULDBLOCK,
// and any other error as-is.
func (o *Output) Read(ctx context.Context, buf []byte) (n int, wouldBlock bool, err error) {
	fd, err := o.fd.AccessIfNotCancelled(ctx)
	if err != nil {
		return 0, false, err
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, false, nil
}

// ReadAll accumulates bytes until EOF, sleeping 500ms and retrying on
// EAGAIN. The spec documents this as a known deficiency (a properly
// engineered implementation would use readiness notification instead); the
// polling semantics are preserved verbatim, with backoff.ConstantBackOff
// supplying the delay and sleepOrCancel ending a sleep early when ctx is
// cancelled, so cancellation stops the retry promptly instead of only being
// checked between sleeps.
func (o *Output) ReadAll(ctx context.Context) ([]byte, error) {
	o.enterPendingRead()
	defer o.exitPendingRead()

	var out []byte
	staging := make([]byte, readAllStagingSize)
	wait := backoff.NewConstantBackOff(500 * time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n, wouldBlock, err := o.Read(ctx, staging)
		if err != nil {
			return out, err
		}
		if wouldBlock {
			if err := sleepOrCancel(ctx, wait.NextBackOff()); err != nil {
				return out, err
			}
			continue
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, staging[:n]...)
	}
}

// sleepOrCancel waits for d, returning early with ctx.Err() if ctx is
// cancelled first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadAllText is ReadAll followed by UTF-8 decoding. It returns
// ("", false, err) only on a hard read error; invalid UTF-8 yields
// ("", false, nil), matching "Option<text>" — a decode failure is not a
// read failure.
func (o *Output) ReadAllText(ctx context.Context) (text string, ok bool, err error) {
	buf, err := o.ReadAll(ctx)
	if err != nil {
		return "", false, err
	}
	if !utf8.Valid(buf) {
		return "", false, nil
	}
	return string(buf), true, nil
}

// DiscardAll is ReadAll without retaining the bytes: the same loop, the same
// pending-reads bookkeeping, but data is dropped as it's read.
func (o *Output) DiscardAll(ctx context.Context) error {
	o.enterPendingRead()
	defer o.exitPendingRead()

	staging := make([]byte, readAllStagingSize)
	wait := backoff.NewConstantBackOff(500 * time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, wouldBlock, err := o.Read(ctx, staging)
		if err != nil {
			return err
		}
		if wouldBlock {
			if err := sleepOrCancel(ctx, wait.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		if n == 0 {
			return nil
		}
	}
}

func (o *Output) enterPendingRead() {
	o.mu.Lock()
	o.pendingReads++
	o.mu.Unlock()
}

func (o *Output) exitPendingRead() {
	o.mu.Lock()
	o.pendingReads--
	done := o.pendingReads == 0 && o.deferredDone != nil
	var ch chan struct{}
	if done {
		ch = o.deferredDone
		o.deferredDone = nil
	}
	o.mu.Unlock()
	if ch != nil {
		close(ch)
		_ = o.fd.Close()
	}
}

// Close is idempotent and immediate, bypassing any pending-reads deferral. A
// nil *Output (no pipe was configured) closes as a no-op.
func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	return o.fd.Close()
}

// CloseAfterPendingReads closes once no read is in flight. If reads are
// currently in flight, it parks until the last one finishes; otherwise it
// closes immediately. Either way, the eventual close is idempotent.
func (o *Output) CloseAfterPendingReads(ctx context.Context) error {
	o.mu.Lock()
	if o.pendingReads == 0 {
		o.mu.Unlock()
		return o.fd.Close()
	}
	if o.deferredDone == nil {
		o.deferredDone = make(chan struct{})
	}
	ch := o.deferredDone
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
