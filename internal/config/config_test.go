package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/loykin/syncguard/internal/classify"
	"github.com/loykin/syncguard/internal/supervisor"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func mustLoad(t *testing.T, path string, fs *pflag.FlagSet) *Config {
	t.Helper()
	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Detect.ProgressPattern != classify.DefaultProgressPattern || cfg.Detect.FatalPattern != classify.DefaultFatalPattern {
		t.Fatalf("default patterns: %+v", cfg.Detect)
	}
	if cfg.Detect.IdleLimit != 3 || cfg.Detect.ExitStatusPolicy != "clean" {
		t.Fatalf("default detect: %+v", cfg.Detect)
	}
	if cfg.Backoff != supervisor.DefaultPolicy() {
		t.Fatalf("default backoff: %+v", cfg.Backoff)
	}
	if cfg.Process.KillGrace != 5*time.Second || cfg.Log.Level != "info" || cfg.Log.File.MaxSizeMB != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Process.Path != "" {
		t.Fatalf("path must default to empty")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("path is required")
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "syncguard.toml", `
lock_file = "/run/syncguard.lock"

[process]
name = "crab"
path = "/opt/node/boot.sh"
args = ["--chain", "crab"]
workdir = "/opt/node"
env = ["RUST_LOG=info"]
shared_group = true
kill_grace = "2s"

[detect]
idle_limit = 5
exit_status_policy = "exit_code"
echo_trigger_lines = true
drain_window = "500ms"

[backoff]
crashed = "30s"
db_locked = "1m"
idled = "0s"
max_restarts = 7

[log]
level = "trace"
color = true

[history]
dsn = "sqlite:///var/lib/syncguard/runs.db"
`)
	cfg := mustLoad(t, path, nil)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Process.Name != "crab" || !slices.Equal(cfg.Process.Args, []string{"--chain", "crab"}) ||
		!cfg.Process.SharedGroup || cfg.Process.KillGrace != 2*time.Second {
		t.Fatalf("process section: %+v", cfg.Process)
	}
	if cfg.Detect.IdleLimit != 5 || cfg.Detect.ExitStatusPolicy != "exit_code" ||
		!cfg.Detect.EchoTriggerLines || cfg.Detect.DrainWindow != 500*time.Millisecond {
		t.Fatalf("detect section: %+v", cfg.Detect)
	}
	want := supervisor.Policy{Crashed: 30 * time.Second, DbLocked: time.Minute, Idled: 0, MaxRestarts: 7}
	if cfg.Backoff != want {
		t.Fatalf("backoff: got %+v want %+v", cfg.Backoff, want)
	}
	if cfg.Log.Level != "trace" || !cfg.Log.Color {
		t.Fatalf("log section: %+v", cfg.Log)
	}
	if cfg.LockFile != "/run/syncguard.lock" || cfg.History.DSN != "sqlite:///var/lib/syncguard/runs.db" {
		t.Fatalf("lock/history: %q %q", cfg.LockFile, cfg.History.DSN)
	}
	// untouched sections keep defaults
	if cfg.Detect.ProgressPattern != classify.DefaultProgressPattern {
		t.Fatalf("progress pattern lost its default")
	}

	spec, err := cfg.Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.Path != "/opt/node/boot.sh" || !slices.Equal(spec.Env, []string{"RUST_LOG=info"}) || spec.DisplayName() != "crab" {
		t.Fatalf("spec: %+v", spec)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "syncguard.yaml", `
process:
  path: /usr/local/bin/node
detect:
  progress_pattern: 'height=(\d+)'
  fatal_pattern: 'LOCK'
`)
	cfg := mustLoad(t, path, nil)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p := cfg.Patterns(); p.Progress != `height=(\d+)` || p.Fatal != "LOCK" {
		t.Fatalf("patterns: %+v", p)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPrecedence_EnvOverFileFlagOverEnv(t *testing.T) {
	path := writeFile(t, "cfg.toml", `
[process]
path = "/from/file"
[detect]
idle_limit = 4
[metrics]
listen = ":9000"
`)
	t.Setenv("SYNCGUARD_DETECT_IDLE_LIMIT", "8")
	t.Setenv("SYNCGUARD_METRICS_LISTEN", ":9100")
	t.Setenv("SYNCGUARD_PROCESS_ARGS", "--dev,--tmp")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringP("script", "s", "", "")
	fs.Uint64("idle-limit", 3, "")
	fs.String("metrics-listen", "", "")
	if err := fs.Parse([]string{"--idle-limit", "11"}); err != nil {
		t.Fatal(err)
	}

	cfg := mustLoad(t, path, fs)
	if cfg.Detect.IdleLimit != 11 {
		t.Fatalf("changed flag must win, got %d", cfg.Detect.IdleLimit)
	}
	if cfg.Metrics.Listen != ":9100" {
		t.Fatalf("env must beat file, got %q", cfg.Metrics.Listen)
	}
	if cfg.Process.Path != "/from/file" {
		t.Fatalf("unchanged flag must not clobber file, got %q", cfg.Process.Path)
	}
	if !slices.Equal(cfg.Process.Args, []string{"--dev", "--tmp"}) {
		t.Fatalf("args from env: %q", cfg.Process.Args)
	}
}

func TestIdleLimitZeroDisablesStallDetection(t *testing.T) {
	path := writeFile(t, "cfg.toml", "[process]\npath = \"/bin/node\"\n[detect]\nidle_limit = 4\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Uint64("idle-limit", 3, "")
	if err := fs.Parse([]string{"--idle-limit", "0"}); err != nil {
		t.Fatal(err)
	}
	cfg := mustLoad(t, path, fs)
	if cfg.Detect.IdleLimit != 0 {
		t.Fatalf("explicit --idle-limit 0 must reach the config, got %d", cfg.Detect.IdleLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero idle limit is valid: %v", err)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Process.Path = "/bin/node"
	cfg.Detect.ProgressPattern = `best #\d+` // no capture group
	cfg.Detect.ExitStatusPolicy = "maybe"
	cfg.Backoff.Idled = -time.Second
	cfg.Backoff.MaxRestarts = -1
	cfg.Log.Level = "shout"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"capture group", "exit status policy", "backoff durations", "max_restarts", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestSpec_EnvFilesThenEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "A=1\n#comment\n\nB = two\nCHAIN=crab\n")
	cfg := Default()
	cfg.Process.Path = "/bin/node"
	cfg.Process.EnvFiles = []string{dotenv}
	cfg.Process.Env = []string{"CHAIN=override", "DB=/data/${CHAIN}"}

	spec, err := cfg.Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	want := []string{"A=1", "B=two", "CHAIN=override", "DB=/data/override"}
	if !slices.Equal(spec.Env, want) {
		t.Fatalf("env: got %q want %q", spec.Env, want)
	}

	cfg.Process.EnvFiles = []string{filepath.Join(t.TempDir(), "none.env")}
	if _, err := cfg.Spec(); err == nil {
		t.Fatalf("missing env file must fail")
	}

	cfg.Process.EnvFiles = nil
	cfg.Process.Env = []string{"NOEQUALS"}
	if _, err := cfg.Spec(); err == nil {
		t.Fatalf("malformed env entry must fail")
	}
}

func TestSpec_NoEnvInheritsImplicitly(t *testing.T) {
	cfg := Default()
	cfg.Process.Path = "/bin/node"
	spec, err := cfg.Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if spec.Env != nil {
		t.Fatalf("expected nil env, got %q", spec.Env)
	}
}
