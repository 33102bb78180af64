//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr gives the child its own console process group so console control
// events aimed at the supervisor do not reach it.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	if spec.SharedGroup {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
