package subprocess

import "strconv"

// ExitStatus is the outcome of a terminated child: a non-negative raw exit
// code in [0, 255] for a normal exit, the negated signal number for a
// signal-caused exit, or the sentinel UnknownExitStatus if the watcher lost
// the child before it could observe termination.
type ExitStatus int32

// UnknownExitStatus marks a child whose termination the watcher could not
// observe (ECHILD before any waitpid succeeded).
const UnknownExitStatus ExitStatus = 255

// Signaled reports whether the child was terminated by a signal, and which.
func (e ExitStatus) Signaled() (sig int, ok bool) {
	if e < 0 {
		return int(-e), true
	}
	return 0, false
}

// Exited reports whether the child exited normally, and with what code.
func (e ExitStatus) Exited() (code int, ok bool) {
	if e >= 0 && e != UnknownExitStatus {
		return int(e), true
	}
	if e == 0 {
		return 0, true
	}
	return 0, false
}

func (e ExitStatus) String() string {
	if sig, ok := e.Signaled(); ok {
		return "signal " + signalName(sig)
	}
	if e == UnknownExitStatus {
		return "unknown"
	}
	return "exit " + strconv.Itoa(int(e))
}
