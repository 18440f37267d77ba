package execp

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned for executions requested after shutdown has
// begun.
var ErrShuttingDown = errors.New("shutting down")

// ExitError is returned when a command exits with a non-zero code and the
// execution was not savage.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command `%s` failed with exit code %d", e.Command, e.ExitCode)
}

// SpawnError is returned when the command could not be run at all, either
// because the broker could not be started or because the broker could not
// spawn the command.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("unable to execute `%s`: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
