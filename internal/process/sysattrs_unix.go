//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in a new process group led by itself, unless
// spec.SharedGroup asks to keep it in the supervisor's group.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	if spec.SharedGroup {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
