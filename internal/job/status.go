package job

import "time"

// State is the job state machine: starting -> running on successful
// process creation, starting -> failed on a spawn exception, and
// running -> {completed, failed, cancelled}. Every non-starting state is
// a sink; transitions are monotonic.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further automatic transition occurs.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Status is the mutable per-job record persisted as status.json. Every
// mutation is a whole-file replace; readers re-derive truth from disk on
// every call, so concurrent manager instances interleave safely.
type Status struct {
	JobID     string    `json:"job_id"`
	State     State     `json:"status"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}
