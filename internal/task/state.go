package task

import "sync/atomic"

type State int

const (
	// StateUnknown is the zero value for functions that return a (possibly
	// absent) State.
	StateUnknown State = iota

	// StateCreated indicates the controller exists but its body has not
	// started.
	StateCreated

	// StateRunning indicates the task body is running.
	StateRunning

	// StateCompleted indicates the task body returned without the task being
	// aborted.
	StateCompleted

	// StateAborting indicates Abort has been called and abort handlers are
	// still running.
	StateAborting

	// StateAborted indicates every abort handler has returned.
	StateAborted
)

// NOTE: This slice needs to be kept in sync with any changes to the State
// values.
var states = []string{
	"Unknown",
	"Created",
	"Running",
	"Completed",
	"Aborting",
	"Aborted",
}

// String implements the Stringer interface for State and returns a string
// representation of the State by using the int value to index into a slice.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return states[0]
	}

	return states[s]
}

// AtomicState is a wrapper around an atomic.Int32 to provide atomic
// operations on a State, so transitions can be validated with
// CompareAndSwap.
type AtomicState struct {
	v atomic.Int32
}

// Load atomically loads the State value.
func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

// Store atomically stores the State value.
func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new State.
func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
