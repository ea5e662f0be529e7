// Package waitset implements the Suspension protocol: a waiter that can be
// resumed by termination or cancelled, but never both, even when the two
// race.
package waitset

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// State is a Suspension's lifecycle state.
type State int

const (
	Pending State = iota
	Suspended
	Cancelled
	// resumed is a terminal state reached only via DrainOnTermination. It
	// is unexported because it is never externally observable in a
	// correctly-running coordinator except during the benign race where a
	// cancellation arrives after termination already resumed the
	// suspension; see cancel() below.
	resumed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Suspended:
		return "suspended"
	case Cancelled:
		return "cancelled"
	case resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Suspension describes one caller waiting for child termination. ID is used
// only for tracing (log lines, panics); it carries no semantic weight.
type Suspension struct {
	ID    string
	state State
	// resume, once non-nil, is the continuation to call with the exit
	// status on termination or with ErrCancelled on cancellation.
	resume func(exitStatus int32, err error)
}

// ErrCancelled is delivered to a Suspension's continuation when it is
// resumed by cancellation rather than by termination.
var ErrCancelled = fmt.Errorf("subprocess: wait cancelled")

// New creates a Pending suspension with a fresh trace identifier. A failure
// to generate a UUID (extremely unlikely; go-uuid reads from crypto/rand)
// falls back to a fixed placeholder rather than failing construction — the
// ID is diagnostic only.
func New() *Suspension {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "unidentified-suspension"
	}
	return &Suspension{ID: id, state: Pending}
}

// State returns the current lifecycle state.
func (s *Suspension) State() State { return s.state }

// suspend transitions a Pending suspension to Suspended, recording the
// continuation to resume later. Callers must already hold the lock that
// serializes access to the owning waiter list (List below does this for
// them); calling suspend on anything but a Pending suspension is a
// programmer error.
func (s *Suspension) suspend(resume func(exitStatus int32, err error)) {
	if s.state != Pending {
		panic(fmt.Sprintf("subprocess: suspension %s: Suspend called in state %s", s.ID, s.state))
	}
	s.state = Suspended
	s.resume = resume
}

// cancel transitions Pending -> Cancelled (the imminent registration will
// notice and resume immediately) or resumes a Suspended continuation with
// ErrCancelled. Cancelling an already-Cancelled suspension is a fatal
// programmer error per the spec; cancelling a suspension that termination
// already resumed (the resumed state) is not a protocol violation — it is
// the benign race where a caller's context is cancelled at essentially the
// same instant its wait legitimately completes — and is a no-op.
func (s *Suspension) cancel() (resumeNow func()) {
	switch s.state {
	case Pending:
		s.state = Cancelled
		return nil
	case Suspended:
		resume := s.resume
		s.resume = nil
		s.state = Cancelled
		return func() { resume(0, ErrCancelled) }
	case resumed:
		return nil
	default:
		panic(fmt.Sprintf("subprocess: suspension %s: double cancellation", s.ID))
	}
}

// List is the coordinator's waiter list: a small, lock-protected registry of
// suspensions, implementing the four-step registration protocol from §4.7.
type List struct {
	items []*Suspension
}

// OnWait runs the registration step: if s is still Pending, it is
// transitioned to Suspended and appended to the list. If it was already
// Cancelled (a cancellation that raced ahead of registration), resume is
// invoked immediately with ErrCancelled instead. Callers must hold the
// coordinator's lock around this call and the earlier creation of s.
func (l *List) OnWait(s *Suspension, resume func(exitStatus int32, err error)) {
	if s.state == Cancelled {
		resume(0, ErrCancelled)
		return
	}
	s.suspend(resume)
	l.items = append(l.items, s)
}

// OnCancel runs the cancellation step: removes s from the list if present,
// and resumes it with ErrCancelled if it had already been registered.
// Callers must hold the coordinator's lock.
func (l *List) OnCancel(s *Suspension) {
	for i, item := range l.items {
		if item == s {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	if resumeNow := s.cancel(); resumeNow != nil {
		resumeNow()
	}
}

// DrainOnTermination resumes every Suspended waiter with exitStatus and
// empties the list. A Pending or Cancelled entry remaining in the list is a
// programmer-error: OnCancel should have already removed it, and a Pending
// entry can only exist while the coordinator's lock is held by the
// registering goroutine, never across a termination callback.
func (l *List) DrainOnTermination(exitStatus int32) {
	items := l.items
	l.items = nil
	for _, s := range items {
		if s.state != Suspended {
			panic(fmt.Sprintf("subprocess: suspension %s: left in waiter list in state %s at termination", s.ID, s.state))
		}
		resume := s.resume
		s.resume = nil
		s.state = resumed
		resume(exitStatus, nil)
	}
}

// Len reports how many suspensions are currently registered. Used by tests.
func (l *List) Len() int { return len(l.items) }
