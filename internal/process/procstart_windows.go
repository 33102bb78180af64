//go:build windows

package process

import gopsproc "github.com/shirou/gopsutil/v4/process"

// getProcStartMillis returns the process creation time in Unix milliseconds, or 0 on error.
func getProcStartMillis(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
