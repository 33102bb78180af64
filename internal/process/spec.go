package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DefaultKillGrace bounds how long Terminate waits for the child to be reaped after SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Spec describes the supervised executable.
type Spec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`     // executable or boot script to launch
	Args    []string `json:"args"`     // optional arguments
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional extra env, appended to the supervisor's env
	PIDFile string   `json:"pid_file"` // optional pidfile path written on start, removed on teardown
	// SharedGroup keeps the child in the supervisor's process group instead of giving it its own.
	// Teardown then enumerates the supervisor's group and skips the supervisor itself.
	SharedGroup bool          `json:"shared_group"`
	KillGrace   time.Duration `json:"kill_grace"` // reap wait after SIGKILL (default 5s)
}

// Validate checks the fields required to launch.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("executable path is required")
	}
	return nil
}

// DisplayName returns Name, falling back to the executable path.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Path
}

// BuildCommand constructs an *exec.Cmd for the spec. The path is executed directly,
// never through a shell; boot scripts must carry their own shebang.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the operator names the executable to supervise
	cmd := exec.Command(strings.TrimSpace(s.Path), s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	return cmd
}

func (s Spec) killGrace() time.Duration {
	if s.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return s.KillGrace
}
