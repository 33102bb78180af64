//go:build !windows

package process

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// bootTime is the btime line of /proc/stat, read once.
var bootTime = sync.OnceValues(func() (int64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return 0, errors.New("btime not found in /proc/stat")
})

// clockTicks is SC_CLK_TCK, falling back to the common default of 100.
var clockTicks = sync.OnceValue(func() int64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		return 100
	}
	return clk
})

// getProcStartMillis returns the process start time in Unix milliseconds. Teardown compares
// it against the child's own start time to tell run members apart from older processes.
// On Linux the value has clock-tick resolution. Returns 0 when unavailable or on error.
func getProcStartMillis(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS != "linux" {
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
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	ticks, ok := parseStartTicks(string(b))
	if !ok {
		return 0
	}
	btime, err := bootTime()
	if err != nil || btime == 0 {
		return 0
	}
	return btime*1000 + ticks*1000/clockTicks()
}

// parseStartTicks extracts field 22 (starttime, in clock ticks since boot) from a
// /proc/<pid>/stat line. The comm field may contain spaces and parentheses.
func parseStartTicks(stat string) (int64, bool) {
	end := strings.LastIndex(stat, ") ")
	if end == -1 {
		return 0, false
	}
	parts := strings.Fields(stat[end+2:])
	// parts[0] is field 3 (state); starttime is field 22
	if len(parts) < 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
