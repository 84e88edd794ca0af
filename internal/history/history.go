// Package history defines an optional audit trail for job lifecycle
// events. Sinks are best-effort: a failing sink never fails the operation
// that produced the event.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn    EventType = "spawn"
	EventTerminal EventType = "terminal"
	EventCancel   EventType = "cancel"
	EventSweep    EventType = "sweep"
)

// Event represents one job lifecycle event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
