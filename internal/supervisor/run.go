package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/syncguard/internal/classify"
	"github.com/loykin/syncguard/internal/logger"
	"github.com/loykin/syncguard/internal/metrics"
	"github.com/loykin/syncguard/internal/process"
	"github.com/loykin/syncguard/internal/stall"
)

// DefaultDrainWindow is how long a Runner keeps reading after the child exited while a
// descendant still holds the stream open.
const DefaultDrainWindow = 2 * time.Second

// Run is the record of one child lifetime, from spawn to completed teardown.
type Run struct {
	ID        uint64
	Name      string
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	Last      uint64 // last progress value seen
	Idle      uint64 // consecutive repeats of Last
	Lines     uint64
	Status    Status
	Err       error // spawn or stream read failure
}

func (r Run) Duration() time.Duration { return r.StoppedAt.Sub(r.StartedAt) }

// Options configures a Runner.
type Options struct {
	Spec       process.Spec
	Self       process.Self
	Classifier *classify.Classifier
	// IdleLimit is the number of consecutive repeats that stalls a run; 0 disables stall detection.
	IdleLimit  uint64
	ExitPolicy ExitPolicy
	// Echo receives every child line that did not end the run, one per write.
	Echo io.Writer
	// EchoTriggerLines also echoes the line that ended the run.
	EchoTriggerLines bool
	DrainWindow      time.Duration
	// Sampler, when set, records the child's resource usage while it runs.
	Sampler *metrics.ChildSampler
	Log     *slog.Logger
}

// Runner executes single runs. Runs of one Runner must not overlap; Loop guarantees that.
type Runner struct {
	opts Options
	name string
	log  *slog.Logger
	seq  atomic.Uint64
}

func NewRunner(opts Options) (*Runner, error) {
	if err := opts.Spec.Validate(); err != nil {
		return nil, err
	}
	if err := opts.ExitPolicy.Validate(); err != nil {
		return nil, err
	}
	if opts.Classifier == nil {
		c, err := classify.New(classify.DefaultPatterns())
		if err != nil {
			return nil, err
		}
		opts.Classifier = c
	}
	if opts.Self.PID == 0 {
		opts.Self = process.CurrentSelf()
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = DefaultDrainWindow
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Runner{opts: opts, name: opts.Spec.DisplayName(), log: opts.Log}, nil
}

// Name is the display name of the supervised executable.
func (r *Runner) Name() string { return r.name }

// verdict is what the reader hands to Run exactly once.
type verdict struct {
	status Status
	err    error
	closed bool // stream ended without a terminal signal
}

// readerStats is owned by the reader goroutine until it exits.
type readerStats struct {
	tracker stall.Tracker
	lines   uint64
}

// Run spawns the child, watches its stream until a terminal signal, the stream closing or ctx
// being done, and tears the process tree down before returning.
func (r *Runner) Run(ctx context.Context) Run {
	run := Run{ID: r.seq.Add(1), Name: r.name, StartedAt: time.Now(), Status: Unknown}
	log := r.log.With("run", run.ID)

	p, err := process.Spawn(r.opts.Spec, r.opts.Self, log)
	if err != nil {
		run.Status = Crashed
		run.Err = err
		run.StoppedAt = time.Now()
		log.Error("spawn failed", "path", r.opts.Spec.Path, "error", err)
		return run
	}
	run.PID = p.PID()
	log = log.With("pid", run.PID)
	log.Info("child started", "path", r.opts.Spec.Path)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		if r.opts.Sampler != nil {
			r.opts.Sampler.Watch(sampleCtx, run.PID)
		}
	}()

	verdicts := make(chan verdict, 1)
	readerDone := make(chan struct{})
	var stats readerStats
	go func() {
		defer close(readerDone)
		verdicts <- r.read(ctx, p, &stats, log)
	}()

	v, decided := r.await(ctx, p, verdicts, log)
	exited := p.Exited()
	exitErr := p.ExitErr()

	stopSampling()
	_ = p.Terminate()
	<-readerDone
	<-samplerDone
	if !decided {
		// a signal latched just before shutdown still counts
		v = <-verdicts
	}

	switch {
	case !v.closed:
		run.Status = v.status
		run.Err = v.err
	case ctx.Err() != nil:
		run.Status = Unknown
	default:
		run.Status = r.opts.ExitPolicy.resolve(exited, exitErr)
	}
	state := stats.tracker.State()
	run.Last, run.Idle, run.Lines = state.Last, state.Idle, stats.lines
	run.StoppedAt = time.Now()

	attrs := []any{"status", run.Status.String(), "best", run.Last, "idle", run.Idle, "lines", run.Lines, "elapsed", run.Duration().Round(time.Millisecond).String()}
	if exited && exitErr != nil {
		attrs = append(attrs, "exit", exitErr.Error())
	}
	if run.Err != nil {
		attrs = append(attrs, "error", run.Err)
		log.Warn("run ended", attrs...)
	} else {
		log.Info("run ended", attrs...)
	}
	return run
}

// await blocks until the reader decides, ctx is done, or the child has exited and the
// stream stayed open for longer than the drain window. A closed stream additionally waits
// up to the drain window for the child to be reaped so its exit status is known.
// Each drain window starts when its wait begins, never at spawn.
func (r *Runner) await(ctx context.Context, p *process.Process, verdicts <-chan verdict, log *slog.Logger) (verdict, bool) {
	select {
	case v := <-verdicts:
		if v.closed {
			// EOF usually arrives just before the child is reaped
			t := time.NewTimer(r.opts.DrainWindow)
			defer t.Stop()
			select {
			case <-p.Done():
			case <-ctx.Done():
			case <-t.C:
				log.Debug("stream closed but child not reaped", "window", r.opts.DrainWindow)
			}
		}
		return v, true
	case <-ctx.Done():
		return verdict{}, false
	case <-p.Done():
	}
	t := time.NewTimer(r.opts.DrainWindow)
	defer t.Stop()
	select {
	case v := <-verdicts:
		return v, true
	case <-ctx.Done():
		return verdict{}, false
	case <-t.C:
		log.Debug("stream still open after child exit, treating as closed", "window", r.opts.DrainWindow)
		return verdict{closed: true}, true
	}
}

func (r *Runner) read(ctx context.Context, p *process.Process, st *readerStats, log *slog.Logger) verdict {
	for line, err := range p.Lines(ctx) {
		if err != nil {
			return verdict{status: Crashed, err: err}
		}
		st.lines++
		sig := r.opts.Classifier.Classify(line)
		metrics.IncLine(r.name, sig.Kind.String())
		state := st.tracker.Observe(sig)
		if sig.HasValue {
			log.Log(ctx, logger.LevelTrace, "progress", "best", state.Last, "idle", state.Idle)
			metrics.SetProgress(r.name, state.Last, state.Idle)
		} else if sig.Kind == classify.NoSignal && r.opts.Classifier.ProgressMatched(line) {
			log.Log(ctx, logger.LevelTrace, "unparsable progress value", "line", line)
		}

		terminal := Unknown
		switch {
		case sig.Kind == classify.Fatal:
			terminal = DbLocked
			log.Warn("fatal marker in child output", "fatal", sig.Fatal.String())
		case sig.Kind == classify.Progress && state.Stalled(r.opts.IdleLimit):
			terminal = Idled
			log.Warn("progress stalled", "best", state.Last, "idle", state.Idle, "limit", r.opts.IdleLimit)
		}
		if terminal == Unknown || r.opts.EchoTriggerLines {
			r.echo(line, log)
		}
		if terminal != Unknown {
			return verdict{status: terminal}
		}
	}
	return verdict{closed: true}
}

func (r *Runner) echo(line string, log *slog.Logger) {
	if r.opts.Echo == nil {
		return
	}
	if _, err := io.WriteString(r.opts.Echo, line+"\n"); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debug("echo line", "error", err)
	}
}
