package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/syncguard/internal/history"
)

// DefaultHistoryTimeout bounds a single history write.
const DefaultHistoryTimeout = 5 * time.Second

// HistoryRecorder forwards each finished run to a history sink. Failures are logged, never
// returned: history is an audit trail and must not influence supervision.
type HistoryRecorder struct {
	Sink    history.Sink
	Timeout time.Duration
	Log     *slog.Logger
}

func (h HistoryRecorder) Record(ctx context.Context, run Run) {
	if h.Sink == nil {
		return
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultHistoryTimeout
	}
	// the final run of a shutdown is still recorded
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.Sink.Send(sendCtx, EventFromRun(run)); err != nil {
		log.Warn("history send failed", "run", run.ID, "error", err)
	}
}

// EventFromRun converts a finished run to its history event.
func EventFromRun(run Run) history.Event {
	rec := history.Record{
		RunID:     run.ID,
		Name:      run.Name,
		PID:       run.PID,
		StartedAt: run.StartedAt,
		StoppedAt: run.StoppedAt,
		Status:    run.Status.String(),
		Best:      run.Last,
		Idle:      run.Idle,
		Lines:     run.Lines,
	}
	if run.Err != nil {
		rec.Error = run.Err.Error()
	}
	return history.Event{OccurredAt: run.StoppedAt, Record: rec}
}
