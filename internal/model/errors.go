package model

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	ErrInstanceRunning = errors.New("instance already running")
	ErrNoCommand       = errors.New("empty command")
)

// InterruptedError is the cancellation cause set when the process receives
// a termination signal. The run ends with the signal number as exit code.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by signal %s", e.Signal)
}

// ExitCode returns the number of the signal, or 1 for unknown signal types.
func (e *InterruptedError) ExitCode() int {
	if sig, ok := e.Signal.(syscall.Signal); ok {
		return int(sig)
	}
	return 1
}
