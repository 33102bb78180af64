package process

import (
	"bytes"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const maxTreeDepth = 32

// treeMembers lists the live processes that belong to a run, excluding the child itself and
// the supervisor: every member of group pgid (where groups exist) plus the recursive children
// of pid while it is still held. Processes created before sinceMillis (the child's own start
// time) are skipped, so neither a recycled pid nor an older group member is ever signalled.
func treeMembers(pid, pgid, selfPID int, sinceMillis int64, includeChildren bool, log *slog.Logger) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(m int) {
		if m <= 0 || m == pid || m == selfPID || seen[m] {
			return
		}
		seen[m] = true
		if isZombieLinux(m) || !startedSince(m, sinceMillis) {
			return
		}
		out = append(out, m)
	}

	if groupsSupported && pgid > 1 {
		pids, err := gopsproc.Pids()
		if err != nil {
			log.Debug("enumerate processes", "error", err)
		}
		for _, cand := range pids {
			if g, err := getpgid(int(cand)); err == nil && g == pgid {
				add(int(cand))
			}
		}
	}
	if includeChildren {
		collectChildren(int32(pid), add, 0)
	}
	sort.Ints(out)
	return out
}

// collectChildren walks descendants that may have left the group (setsid, setpgid).
func collectChildren(pid int32, add func(int), depth int) {
	if depth >= maxTreeDepth {
		return
	}
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		add(int(c.Pid))
		collectChildren(c.Pid, add, depth+1)
	}
}

// startedSince reports whether pid was created at or after sinceMillis. Unknown start times
// are treated as belonging to the run.
func startedSince(pid int, sinceMillis int64) bool {
	if sinceMillis <= 0 {
		return true
	}
	start := getProcStartMillis(pid)
	if start == 0 {
		return true
	}
	return start >= sinceMillis
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Alive reports whether pid exists and is not a zombie.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processExists(pid) && !isZombieLinux(pid)
}
