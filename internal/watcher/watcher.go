// Package watcher runs one dedicated OS thread per child, blocked in
// waitpid, and converts the POSIX exit/signal status it observes into the
// (pid, exitStatus) pair the Subprocess Coordinator needs — without ever
// racing the fork that created the child.
package watcher

import (
	"runtime"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// Target receives the termination notification. Implemented by
// *subprocess.Subprocess; kept as an interface here so this package never
// imports the root package (the watcher owns the target from Resume
// onwards; the target holds no back-reference, breaking the cycle the spec
// warns about in §9).
type Target interface {
	OnTerminated(exitStatus int32)
}

// Watcher links one child thread to a Subprocess. Exactly one of Resume or
// Cancel must be called on it once the fork has been attempted.
type Watcher struct {
	log    hclog.Logger
	ready  chan struct{}
	pid    int
	target Target
	cancel bool
}

// Start launches the watcher thread in its paused state, before fork. The
// returned Watcher must be resolved with Resume or Cancel exactly once.
func Start(log hclog.Logger) *Watcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	w := &Watcher{
		log:   log.Named("watcher"),
		ready: make(chan struct{}),
	}
	go w.run()
	return w
}

// Resume supplies the successfully-forked pid and the Subprocess to notify.
// It must be called at most once, and never after Cancel.
func (w *Watcher) Resume(pid int, target Target) {
	w.pid = pid
	w.target = target
	close(w.ready)
}

// Cancel discards the watcher: the fork never succeeded, so there is no
// child to wait for.
func (w *Watcher) Cancel() {
	w.cancel = true
	close(w.ready)
}

// run is the watcher thread body. It detaches itself: callers never join it.
func (w *Watcher) run() {
	// waitpid(2) is process-wide, not thread-specific, so this isn't load
	// bearing for correctness; it is kept to give each child's blocking
	// wait its own OS thread, matching the one-thread-per-child model the
	// spec describes rather than sharing goroutines' usual thread pool.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	<-w.ready
	if w.cancel {
		return
	}

	pid := w.pid
	log := w.log.With("pid", pid)

	for {
		status, err := w.waitOnce(pid, log)
		switch {
		case err == nil:
			log.Debug("waitpid classified termination", "status", status)
			w.target.OnTerminated(status)
			return
		case err == errTryAgain:
			continue
		case err == errNoChildProcess:
			log.Warn("waitpid lost the child before observing termination")
			w.target.OnTerminated(255)
			return
		default:
			// EINVAL/ESRCH on a waitpid we control the pid for is a
			// programmer error: we never pass WNOHANG, and the pid is
			// always one this watcher alone owns.
			panic("subprocess: watcher: impossible waitpid error: " + err.Error())
		}
	}
}

var (
	errTryAgain       = fmtError("try again")
	errNoChildProcess = fmtError("no child process")
)

type watcherErr string

func fmtError(s string) watcherErr { return watcherErr(s) }
func (e watcherErr) Error() string { return string(e) }

// waitOnce issues one blocking waitpid(pid, &status, 0) and classifies the
// result per §4.6's table.
func (w *Watcher) waitOnce(pid int, log hclog.Logger) (exitStatus int32, err error) {
	var status unix.WaitStatus
	got, werr := unix.Wait4(pid, &status, 0, nil)
	if werr != nil {
		switch werr {
		case unix.EINTR, unix.EAGAIN:
			log.Debug("waitpid retry", "errno", werr)
			return 0, errTryAgain
		case unix.ECHILD:
			return 0, errNoChildProcess
		default:
			return 0, werr
		}
	}
	if got == 0 {
		// Only reachable under WNOHANG, which this watcher never passes.
		return 0, errTryAgain
	}

	switch {
	case status.Exited():
		code := status.ExitStatus()
		if code < 0 {
			panic("subprocess: watcher: negative exit code from WEXITSTATUS")
		}
		return int32(code), nil
	case status.Signaled():
		sig := int(status.Signal())
		if sig <= 0 {
			panic("subprocess: watcher: non-positive signal from WTERMSIG")
		}
		return int32(-sig), nil
	default:
		// Stopped/continued notifications cannot appear without WUNTRACED
		// or WCONTINUED, neither of which this watcher passes.
		return 0, errTryAgain
	}
}
