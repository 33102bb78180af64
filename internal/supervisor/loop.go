package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/syncguard/internal/metrics"
)

// Recorder observes finished runs. Record is called from the loop goroutine after teardown,
// before the backoff starts.
type Recorder interface {
	Record(ctx context.Context, run Run)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, run Run)

func (f RecorderFunc) Record(ctx context.Context, run Run) { f(ctx, run) }

// Loop runs the child over and over, one run at a time, backing off per Policy.
type Loop struct {
	runner    *Runner
	policy    Policy
	log       *slog.Logger
	recorders []Recorder
}

func NewLoop(runner *Runner, policy Policy, log *slog.Logger, recorders ...Recorder) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{runner: runner, policy: policy, log: log, recorders: recorders}
}

// Run supervises until a run ends Clean or Unknown (nil), the restart limit is hit
// (ErrRestartLimit) or ctx is done (ctx.Err()). A new run never starts before the previous
// run's teardown completed.
func (l *Loop) Run(ctx context.Context) error {
	name := l.runner.Name()
	restarts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run := l.runner.Run(ctx)
		metrics.ObserveRun(name, run.Status.String(), run.Duration())
		for _, rec := range l.recorders {
			rec.Record(ctx, run)
		}
		if err := ctx.Err(); err != nil {
			l.log.Info("shutdown requested, supervisor stopping", "run", run.ID)
			return err
		}

		backoff, again := l.policy.Next(run.Status)
		if !again {
			l.log.Info("child finished, supervisor stopping", "status", run.Status.String())
			return nil
		}
		if l.policy.MaxRestarts > 0 && restarts >= l.policy.MaxRestarts {
			l.log.Error("restart limit reached", "restarts", restarts, "status", run.Status.String())
			return fmt.Errorf("%w after %d restarts", ErrRestartLimit, restarts)
		}
		l.log.Warn("restarting child", "status", run.Status.String(), "backoff", backoff.String())
		if err := Countdown(ctx, backoff, l.log); err != nil {
			return err
		}
		restarts++
		metrics.IncRestart(name)
	}
}
