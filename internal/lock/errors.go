package lock

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by AcquireTimeout when the deadline elapses while
// a valid holder still owns the lock. Callers may retry or report busy.
var ErrTimeout = errors.New("lock acquire timed out")

// Error wraps an unexpected OS failure while acquiring, releasing, or
// scanning locks. It is fatal and never retried internally.
type Error struct {
	Op   string // "acquire", "release", "scan"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
