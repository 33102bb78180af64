package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/syncguard/internal/classify"
	"github.com/loykin/syncguard/internal/env"
	"github.com/loykin/syncguard/internal/logger"
	"github.com/loykin/syncguard/internal/metrics"
	"github.com/loykin/syncguard/internal/process"
	"github.com/loykin/syncguard/internal/stall"
	"github.com/loykin/syncguard/internal/supervisor"
)

// EnvPrefix prefixes environment overrides, e.g. SYNCGUARD_DETECT_IDLE_LIMIT.
const EnvPrefix = "SYNCGUARD"

// Config is the full supervisor configuration.
type Config struct {
	Process  ProcessConfig     `mapstructure:"process"`
	Detect   DetectConfig      `mapstructure:"detect"`
	Backoff  supervisor.Policy `mapstructure:"backoff"`
	Log      logger.Config     `mapstructure:"log"`
	Mirror   MirrorConfig      `mapstructure:"mirror"`
	Metrics  MetricsConfig     `mapstructure:"metrics"`
	History  HistoryConfig     `mapstructure:"history"`
	LockFile string            `mapstructure:"lock_file"`
}

type ProcessConfig struct {
	Name        string        `mapstructure:"name"`
	Path        string        `mapstructure:"path"`
	Args        []string      `mapstructure:"args"`
	WorkDir     string        `mapstructure:"workdir"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	SharedGroup bool          `mapstructure:"shared_group"`
	PIDFile     string        `mapstructure:"pid_file"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

type DetectConfig struct {
	ProgressPattern  string        `mapstructure:"progress_pattern"`
	FatalPattern     string        `mapstructure:"fatal_pattern"`
	IdleLimit        uint64        `mapstructure:"idle_limit"`
	ExitStatusPolicy string        `mapstructure:"exit_status_policy"`
	EchoTriggerLines bool          `mapstructure:"echo_trigger_lines"`
	DrainWindow      time.Duration `mapstructure:"drain_window"`
}

// MirrorConfig controls where child lines are copied besides stdout.
type MirrorConfig struct {
	Quiet bool              `mapstructure:"quiet"` // do not copy lines to stdout
	File  logger.FileConfig `mapstructure:"file"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"script":         "process.path",
	"idle-limit":     "detect.idle_limit",
	"metrics-listen": "metrics.listen",
	"history-dsn":    "history.dsn",
	"lock-file":      "lock_file",
	"log-file":       "log.file.path",
	"log-level":      "log.level",
	"exit-policy":    "detect.exit_status_policy",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("process.name", "")
	v.SetDefault("process.path", "")
	v.SetDefault("process.args", []string{})
	v.SetDefault("process.workdir", "")
	v.SetDefault("process.env", []string{})
	v.SetDefault("process.env_files", []string{})
	v.SetDefault("process.shared_group", false)
	v.SetDefault("process.pid_file", "")
	v.SetDefault("process.kill_grace", process.DefaultKillGrace)

	v.SetDefault("detect.progress_pattern", classify.DefaultProgressPattern)
	v.SetDefault("detect.fatal_pattern", classify.DefaultFatalPattern)
	v.SetDefault("detect.idle_limit", stall.DefaultIdleLimit)
	v.SetDefault("detect.exit_status_policy", string(supervisor.ExitClean))
	v.SetDefault("detect.echo_trigger_lines", false)
	v.SetDefault("detect.drain_window", supervisor.DefaultDrainWindow)

	v.SetDefault("backoff.crashed", supervisor.DefaultCrashedBackoff)
	v.SetDefault("backoff.db_locked", supervisor.DefaultDbLockedBackoff)
	v.SetDefault("backoff.idled", supervisor.DefaultIdledBackoff)
	v.SetDefault("backoff.max_restarts", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("mirror.quiet", false)
	v.SetDefault("mirror.file.path", "")
	v.SetDefault("mirror.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("mirror.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("mirror.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("mirror.file.compress", false)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", metrics.DefaultSampleInterval)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.timeout", supervisor.DefaultHistoryTimeout)
	v.SetDefault("lock_file", "")
}

// Default returns the configuration used when no file, env or flag overrides anything.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(err) // defaults always decode
	}
	return cfg
}

// Load reads configuration from path (TOML unless the extension says yaml or json), then
// SYNCGUARD_* environment variables, then changed flags in fs. Empty path skips the file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks everything that can be checked before the first spawn.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Process.Path) == "" {
		errs = append(errs, errors.New("process.path is required (use --script or a positional PATH)"))
	}
	if c.Process.KillGrace < 0 {
		errs = append(errs, errors.New("process.kill_grace must not be negative"))
	}
	if _, err := classify.New(c.Patterns()); err != nil {
		errs = append(errs, err)
	}
	if err := supervisor.ExitPolicy(c.Detect.ExitStatusPolicy).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Backoff.Crashed < 0 || c.Backoff.DbLocked < 0 || c.Backoff.Idled < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	if c.Backoff.MaxRestarts < 0 {
		errs = append(errs, errors.New("backoff.max_restarts must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Patterns returns the classifier patterns.
func (c *Config) Patterns() classify.Patterns {
	return classify.Patterns{Progress: c.Detect.ProgressPattern, Fatal: c.Detect.FatalPattern}
}

// Spec builds the process spec. Variables from env files come first; explicit env entries
// override them. ${VAR} references are expanded.
func (c *Config) Spec() (process.Spec, error) {
	layers := env.New()
	for _, p := range c.Process.EnvFiles {
		if err := layers.AddFile(p); err != nil {
			return process.Spec{}, fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	if err := layers.Add(c.Process.Env); err != nil {
		return process.Spec{}, fmt.Errorf("process.env: %w", err)
	}
	return process.Spec{
		Name:        c.Process.Name,
		Path:        c.Process.Path,
		Args:        c.Process.Args,
		WorkDir:     c.Process.WorkDir,
		Env:         layers.Entries(),
		PIDFile:     c.Process.PIDFile,
		SharedGroup: c.Process.SharedGroup,
		KillGrace:   c.Process.KillGrace,
	}, nil
}
