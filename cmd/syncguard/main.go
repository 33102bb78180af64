package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/syncguard"
	"github.com/loykin/syncguard/internal/config"
	"github.com/loykin/syncguard/internal/logger"
	"github.com/loykin/syncguard/internal/process"
	"github.com/loykin/syncguard/internal/stall"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// logEnv names the level used with --log, like RUST_LOG for the node itself.
const logEnv = "SYNC_LOG"

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

func execute(args []string, stderr io.Writer) int {
	root := buildRoot(stderr)
	root.SetArgs(args)
	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		_, _ = fmt.Fprintln(stderr, err)
		return exitFailure
	}
}

// buildRoot creates the root command
func buildRoot(stderr io.Writer) *cobra.Command {
	rootFlags := &RootFlags{}
	reapFlags := &ReapFlags{}

	root := createRootCommand(rootFlags, stderr)
	root.AddCommand(createReapCommand(rootFlags, reapFlags, stderr))
	return root
}

// createRootCommand creates the supervising root command
func createRootCommand(flags *RootFlags, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "syncguard [flags] [PATH] [-- args...]",
		Short: "Keep a syncing node daemon alive",
		Long: `syncguard launches a node daemon, watches its stderr and restarts it when the
storage lock is contended, block import stalls or the process dies unexpectedly.
Every restart tears down the whole process tree the daemon spawned.

Examples:
  syncguard -s ./boot.sh
  syncguard -l ./boot.sh -- --chain crab
  SYNC_LOG=debug syncguard -l --config syncguard.toml
  syncguard --metrics-listen :9102 --history-dsn sqlite:///var/lib/syncguard/runs.db ./boot.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, flags, args, stderr)
		},
	}
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON; optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "log", "l", false, "verbose logging; level from "+logEnv+" (default trace)")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "also write supervisor logs to this rotated file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level when --log is not set (trace, debug, info, warn, error)")

	root.Flags().StringVarP(&flags.Script, "script", "s", "", "executable to supervise")
	root.Flags().Uint64Var(&flags.IdleLimit, "idle-limit", stall.DefaultIdleLimit, "repeats of the same best block that count as a stall; 0 disables stall detection")
	root.Flags().StringVar(&flags.ExitPolicy, "exit-policy", "", "status of a run whose child exits on its own: clean, crashed or exit_code")
	root.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus /metrics on this address")
	root.Flags().StringVar(&flags.HistoryDSN, "history-dsn", "", "record runs to sqlite://, postgres:// or clickhouse:// DSN")
	root.Flags().StringVar(&flags.LockFile, "lock-file", "", "refuse to start while another supervisor holds this lock")

	return root
}

// createReapCommand creates the reap subcommand
func createReapCommand(rootFlags *RootFlags, flags *ReapFlags, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Kill a daemon left behind by a supervisor that died",
		Long: `Kill the daemon recorded in a pid file, together with its process group,
if its start time still matches the record. The pid file is removed.

Examples:
  syncguard reap --pid-file /run/syncguard/node.pid`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadConfig(cmd, rootFlags, nil, stderr)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog.Close() }()
			path := flags.PIDFile
			if path == "" {
				path = cfg.Process.PIDFile
			}
			if path == "" {
				return errors.New("no pid file: use --pid-file or process.pid_file")
			}
			killed, err := process.ReapStale(path, process.CurrentSelf(), log)
			if err != nil {
				return err
			}
			if !killed {
				log.Info("nothing to reap", "pid_file", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.PIDFile, "pid-file", "", "pid file written by a previous supervisor")
	return cmd
}

// loadConfig merges file, env and flags, applies the positional PATH and builds the logger.
func loadConfig(cmd *cobra.Command, flags *RootFlags, args []string, stderr io.Writer) (*syncguard.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(flags.ConfigPath, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	if len(args) > 0 {
		if flags.Script == "" {
			cfg.Process.Path, args = args[0], args[1:]
		}
		if len(args) > 0 {
			cfg.Process.Args = args
		}
	}
	if flags.Verbose {
		cfg.Log.Level = "trace"
		if v, ok := os.LookupEnv(logEnv); ok && v != "" {
			cfg.Log.Level = v
		}
		cfg.Log.Color = true
	}
	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closer, nil
}

func runSupervisor(cmd *cobra.Command, flags *RootFlags, args []string, stderr io.Writer) error {
	cfg, log, closeLog, err := loadConfig(cmd, flags, args, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()
	slog.SetDefault(log)

	opts := []syncguard.Option{syncguard.WithLogger(log)}
	if cfg.Metrics.Listen != "" {
		opts = append(opts, syncguard.WithRegisterer(prometheus.DefaultRegisterer))
	}
	sup, err := syncguard.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		srv := syncguard.NewMetricsServer(cfg.Metrics.Listen)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
		defer func() { _ = syncguard.ShutdownMetrics(srv, 2*time.Second) }()
		log.Info("serving metrics", "addr", cfg.Metrics.Listen)
	}

	err = sup.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted")
	}
	return err
}
