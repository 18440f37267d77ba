package task

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned when registering an abort handler on a
	// controller whose abort has already begun.
	ErrAborted = errors.New("task aborted")

	ErrTaskNotFound = errors.New("task not found")
)

// InvalidStateError is returned when attempting an invalid controller state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}
