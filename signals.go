package subprocess

import "golang.org/x/sys/unix"

// The signal set exposed to callers of Subprocess.SendSignal. This mirrors
// the spec's external interface exactly; callers that need a signal outside
// this set can still call SendSignal with a raw unix.Signal.
const (
	SIGINT   = unix.SIGINT
	SIGTERM  = unix.SIGTERM
	SIGSTOP  = unix.SIGSTOP
	SIGCONT  = unix.SIGCONT
	SIGKILL  = unix.SIGKILL
	SIGHUP   = unix.SIGHUP
	SIGQUIT  = unix.SIGQUIT
	SIGUSR1  = unix.SIGUSR1
	SIGUSR2  = unix.SIGUSR2
	SIGALRM  = unix.SIGALRM
	SIGWINCH = unix.SIGWINCH
)

func signalName(sig int) string {
	return unix.Signal(sig).String()
}
