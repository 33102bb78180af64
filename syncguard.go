// Package syncguard supervises a long-running node daemon: it restarts the daemon when its
// log shows storage lock contention, stalled progress or an unexpected exit, tearing down the
// whole process tree it spawned each time.
package syncguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/syncguard/internal/classify"
	"github.com/loykin/syncguard/internal/config"
	"github.com/loykin/syncguard/internal/history"
	"github.com/loykin/syncguard/internal/history/factory"
	"github.com/loykin/syncguard/internal/instance"
	"github.com/loykin/syncguard/internal/logger"
	"github.com/loykin/syncguard/internal/metrics"
	"github.com/loykin/syncguard/internal/process"
	"github.com/loykin/syncguard/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = supervisor.Status

type Run = supervisor.Run

type Policy = supervisor.Policy

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StatusUnknown  = supervisor.Unknown
	StatusCrashed  = supervisor.Crashed
	StatusDbLocked = supervisor.DbLocked
	StatusIdled    = supervisor.Idled
	StatusClean    = supervisor.Clean
)

// ErrRestartLimit is returned by Run when backoff.max_restarts was exhausted.
var ErrRestartLimit = supervisor.ErrRestartLimit

// ErrLockHeld is returned by Run when another supervisor holds the lock file.
var ErrLockHeld = instance.ErrHeld

// LoadConfig reads a config file plus SYNCGUARD_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path, nil) }

// DefaultConfig returns the built-in configuration. Process.Path must still be set.
func DefaultConfig() *Config { return config.Default() }

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithEcho replaces the child line mirror (stdout plus mirror.file) with w.
func WithEcho(w io.Writer) Option { return func(s *Supervisor) { s.echo = w } }

// WithHistorySink records runs into sink instead of the one named by history.dsn.
func WithHistorySink(sink HistorySink) Option { return func(s *Supervisor) { s.sink = sink } }

// WithRunHook calls fn after every finished run.
func WithRunHook(fn func(ctx context.Context, run Run)) Option {
	return func(s *Supervisor) { s.hooks = append(s.hooks, supervisor.RecorderFunc(fn)) }
}

// WithRegisterer registers the supervisor metrics, including per-child resource gauges, with r.
func WithRegisterer(r prometheus.Registerer) Option { return func(s *Supervisor) { s.reg = r } }

// Supervisor is a configured, ready-to-run supervision loop.
type Supervisor struct {
	cfg   *Config
	spec  process.Spec
	self  process.Self
	log   *slog.Logger
	echo  io.Writer
	sink  HistorySink
	hooks []supervisor.Recorder
	reg   prometheus.Registerer

	loop    *supervisor.Loop
	closers []io.Closer
}

// New validates cfg and wires the supervision loop. Close releases files and connections.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{cfg: cfg, self: process.CurrentSelf()}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	spec, err := cfg.Spec()
	if err != nil {
		return nil, err
	}
	s.spec = spec
	classifier, err := classify.New(cfg.Patterns())
	if err != nil {
		return nil, err
	}

	if s.echo == nil {
		var console io.Writer = os.Stdout
		if cfg.Mirror.Quiet {
			console = nil
		}
		m := logger.NewMirror(console, cfg.Mirror.File)
		s.closers = append(s.closers, m)
		s.echo = m
	}
	if s.sink == nil && cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sink)
		s.sink = sink
	}

	var sampler *metrics.ChildSampler
	if s.reg != nil {
		if err := metrics.Register(s.reg); err != nil {
			return nil, err
		}
		sampler = metrics.NewChildSampler(spec.DisplayName(), cfg.Metrics.SampleInterval, s.log)
		if err := sampler.Register(s.reg); err != nil {
			return nil, err
		}
	}

	runner, err := supervisor.NewRunner(supervisor.Options{
		Spec:             spec,
		Self:             s.self,
		Classifier:       classifier,
		IdleLimit:        cfg.Detect.IdleLimit,
		ExitPolicy:       supervisor.ExitPolicy(cfg.Detect.ExitStatusPolicy),
		Echo:             s.echo,
		EchoTriggerLines: cfg.Detect.EchoTriggerLines,
		DrainWindow:      cfg.Detect.DrainWindow,
		Sampler:          sampler,
		Log:              s.log,
	})
	if err != nil {
		return nil, err
	}
	recorders := s.hooks
	if s.sink != nil {
		recorders = append(recorders, supervisor.HistoryRecorder{Sink: s.sink, Timeout: cfg.History.Timeout, Log: s.log})
	}
	s.loop = supervisor.NewLoop(runner, cfg.Backoff, s.log, recorders...)
	ok = true
	return s, nil
}

// Run supervises until a run ends Clean or Unknown (nil), the restart limit is hit, or ctx is
// done (ctx.Err()). With lock_file set, Run first takes the instance lock; with
// process.pid_file set it first kills a child left behind by a previous supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.LockFile != "" {
		lock, err := instance.Acquire(ctx, s.cfg.LockFile, 0)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}
	if s.spec.PIDFile != "" {
		killed, err := process.ReapStale(s.spec.PIDFile, s.self, s.log)
		if err != nil {
			s.log.Warn("stale pid file", "path", s.spec.PIDFile, "error", err)
		}
		if killed {
			metrics.IncStaleReaped(s.spec.DisplayName())
		}
	}
	s.log.Info("supervising", "path", s.spec.Path, "idle_limit", s.cfg.Detect.IdleLimit)
	if s.cfg.Detect.IdleLimit == 0 {
		s.log.Warn("stall detection disabled (detect.idle_limit = 0)")
	}
	return s.loop.Run(ctx)
}

// Close releases the mirror file and history connection.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	return metrics.NewServer(addr, nil).ListenAndServe()
}

// NewMetricsServer returns an unstarted /metrics server for addr so callers can shut it down.
func NewMetricsServer(addr string) *http.Server { return metrics.NewServer(addr, nil) }

// ShutdownMetrics stops srv, waiting at most d for in-flight scrapes.
func ShutdownMetrics(srv *http.Server, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return srv.Shutdown(ctx)
}
