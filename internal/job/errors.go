package job

import (
	"errors"
	"fmt"
)

// ErrNotFound means the job id is unknown to the store (usage error).
var ErrNotFound = errors.New("job not found")

// ErrDuplicate means spawn was asked to reuse an existing job id. The
// existing job's files are never mutated in that case.
var ErrDuplicate = errors.New("job already exists")

// SpawnError wraps a failure of process creation itself. The failure is
// persisted as status=failed before being returned to the caller; retry
// policy belongs to the caller.
type SpawnError struct {
	JobID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn job %s: %v", e.JobID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
