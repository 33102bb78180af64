package history

import (
	"context"
	"time"
)

// DefaultTable is the table run records are appended to.
const DefaultTable = "run_history"

// Record is the audit row of one finished run.
type Record struct {
	RunID     uint64    `json:"run_id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Status    string    `json:"status"`
	Best      uint64    `json:"best"`
	Idle      uint64    `json:"idle"`
	Lines     uint64    `json:"lines"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a finished run exported to external systems.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullableError maps an empty error string to SQL NULL.
func (r Record) NullableError() any {
	if r.Error == "" {
		return nil
	}
	return r.Error
}
