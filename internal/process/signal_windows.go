//go:build windows

package process

import (
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no process-group signalling; teardown falls back to walking children.
const groupsSupported = false

func killPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, gopsproc.ErrorProcessNotRunning) {
		return err
	}
	return nil
}

func killGroup(int) error { return nil }

func processExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func currentPGID() int { return 0 }

func getpgid(int) (int, error) { return 0, errors.ErrUnsupported }
