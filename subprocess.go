package subprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/hashicorp/go-subprocess/internal/fdhandle"
	"github.com/hashicorp/go-subprocess/internal/waitset"
	"github.com/hashicorp/go-subprocess/internal/watcher"
)

// state is the Subprocess lifecycle: Running until the watcher reports
// termination, then Terminated forever.
type state int

const (
	stateRunning state = iota
	stateTerminated
)

// Subprocess is the public handle to a spawned child: its pid, whichever of
// its three standard streams were requested as parent-visible pipes, and
// the machinery to signal it, wait for it, and drain its output.
type Subprocess struct {
	pid int
	log hclog.Logger

	Stdin  *Input
	Stdout *Output
	Stderr *Output

	mu         sync.Mutex
	state      state
	exitStatus int32
	waiters    waitset.List
}

// Pid returns the child's OS process ID. Stable for the Subprocess's
// lifetime.
func (s *Subprocess) Pid() int { return s.pid }

// OnTerminated implements watcher.Target. It is called at most once, by the
// watcher goroutine, and runs the §4.7 termination callback: freeze the
// exit status, close stdin, defer-close stdout/stderr, and drain every
// waiter.
func (s *Subprocess) OnTerminated(exitStatus int32) {
	s.mu.Lock()
	s.state = stateTerminated
	s.exitStatus = exitStatus
	s.mu.Unlock()

	s.log.Debug("terminated", "exit_status", exitStatus)

	if s.Stdin != nil {
		_ = s.Stdin.Close()
	}
	// Closing is best-effort here: the child is gone, so a failure to
	// close has nothing left to surface to. The defer-close wait runs
	// under context.Background(), so no deadline bounds it: it lasts
	// until the in-flight reads on that stream return.
	bg := context.Background()
	if s.Stdout != nil {
		_ = s.Stdout.CloseAfterPendingReads(bg)
	}
	if s.Stderr != nil {
		_ = s.Stderr.CloseAfterPendingReads(bg)
	}

	s.mu.Lock()
	s.waiters.DrainOnTermination(exitStatus)
	s.mu.Unlock()
}

// SendSignal delivers sig to the child. It returns false without error if
// the child has already terminated, or if the kill races the watcher and
// observes ESRCH (no such process) — both are expected, not exceptional.
func (s *Subprocess) SendSignal(ctx context.Context, sig unix.Signal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	terminated := s.state == stateTerminated
	s.mu.Unlock()
	if terminated {
		return false, nil
	}

	err := unix.Kill(s.pid, sig)
	if err != nil {
		if err == unix.ESRCH {
			return false, nil
		}
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Terminate sends SIGTERM.
func (s *Subprocess) Terminate(ctx context.Context) (bool, error) {
	return s.SendSignal(ctx, unix.SIGTERM)
}

// Kill sends SIGKILL.
func (s *Subprocess) Kill(ctx context.Context) (bool, error) {
	return s.SendSignal(ctx, unix.SIGKILL)
}

// Wait blocks until the child terminates, or ctx is cancelled first. The
// fast path returns the cached exit status without registering a waiter at
// all; the slow path follows the four-step registration protocol from
// §4.7, so a cancellation racing termination resolves to exactly one of
// the two outcomes, never both.
func (s *Subprocess) Wait(ctx context.Context) (ExitStatus, error) {
	s.mu.Lock()
	if s.state == stateTerminated {
		status := s.exitStatus
		s.mu.Unlock()
		return ExitStatus(status), nil
	}

	suspension := waitset.New()
	result := make(chan struct {
		status int32
		err    error
	}, 1)
	s.waiters.OnWait(suspension, func(status int32, err error) {
		result <- struct {
			status int32
			err    error
		}{status, err}
	})
	s.mu.Unlock()

	select {
	case r := <-result:
		if r.err != nil {
			return 0, r.err
		}
		return ExitStatus(r.status), nil
	case <-ctx.Done():
		s.mu.Lock()
		s.waiters.OnCancel(suspension)
		s.mu.Unlock()
		// The cancellation may have raced a concurrent resume on
		// `result`; draining it (non-blocking) avoids leaking the
		// buffered value, but the cancellation protocol guarantees the
		// caller only ever observes one outcome, so we always report
		// ctx.Err() here rather than whichever one happened to land
		// first in the channel.
		select {
		case <-result:
		default:
		}
		return 0, ctx.Err()
	}
}

// CollectedOutput is the result of ReadOutputAndWait.
type CollectedOutput struct {
	ExitStatus ExitStatus
	Stdout     []byte
	Stderr     []byte
}

// ReadOutputAndWait starts draining stdout/stderr — accumulating or
// discarding per collectStdout/collectStderr — before waiting for
// termination. That ordering is mandatory: waiting first can deadlock if
// the child fills a pipe buffer the parent hasn't started draining yet. A
// BadFileDescriptor from either drainer (the stream was already closed
// underneath, e.g. by an earlier explicit Close) is flattened to an empty
// result rather than propagated.
func (s *Subprocess) ReadOutputAndWait(ctx context.Context, collectStdout, collectStderr bool) (CollectedOutput, error) {
	var wg sync.WaitGroup
	var stdout, stderr []byte

	drain := func(out *Output, collect bool, dst *[]byte) {
		defer wg.Done()
		if out == nil {
			return
		}
		if collect {
			buf, err := out.ReadAll(ctx)
			if err != nil && err != fdhandle.ErrBadFileDescriptor {
				return
			}
			*dst = buf
			return
		}
		_ = out.DiscardAll(ctx)
	}

	wg.Add(2)
	go drain(s.Stdout, collectStdout, &stdout)
	go drain(s.Stderr, collectStderr, &stderr)

	status, waitErr := s.Wait(ctx)
	wg.Wait()

	if waitErr != nil {
		return CollectedOutput{}, waitErr
	}
	return CollectedOutput{ExitStatus: status, Stdout: stdout, Stderr: stderr}, nil
}

// TerminateAfter runs body, then unconditionally sends signal and waits for
// termination, regardless of how body returned — a scoped "the process will
// be gone by the time this returns" guarantee. body's outcome (its value,
// an error, or ctx's cancellation) is preserved and returned once cleanup
// finishes; cancellation during cleanup itself does not skip the cleanup,
// only the final ctx check before returning.
func TerminateAfter[T any](ctx context.Context, s *Subprocess, signal unix.Signal, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, bodyErr := body(ctx)

	if _, err := s.SendSignal(context.Background(), signal); err != nil {
		s.log.Debug("terminate-after: send signal failed", "err", err)
	}
	if _, err := s.Wait(context.Background()); err != nil {
		s.log.Debug("terminate-after: wait failed", "err", err)
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if bodyErr != nil {
		return zero, bodyErr
	}
	return result, nil
}

func (s *Subprocess) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateTerminated {
		return fmt.Sprintf("subprocess[pid=%d terminated=%d]", s.pid, s.exitStatus)
	}
	return fmt.Sprintf("subprocess[pid=%d running]", s.pid)
}

var _ watcher.Target = (*Subprocess)(nil)
