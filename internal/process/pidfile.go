package process

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pidMeta is the optional third line of a pid file.
type pidMeta struct {
	StartUnix   int64 `json:"start_unix"`
	StartMillis int64 `json:"start_ms,omitempty"`
	PGID        int   `json:"pgid,omitempty"`
}

// WritePIDFile records pid, the spec it was started from and its start time.
// Format: "<pid>\n<spec json>\n<meta json>\n".
func WritePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	startMs := getProcStartMillis(pid)
	meta := pidMeta{StartUnix: startMs / 1000, StartMillis: startMs}
	if g, err := getpgid(pid); err == nil {
		meta.PGID = g
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(specJSON) + "\n" + string(metaJSON) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
// It returns the PID and, if present, the JSON-encoded Spec that follows.
// For legacy files that contain only the PID, spec will be nil.
func ReadPIDFile(path string) (int, *Spec, error) {
	pid, spec, _, err := readPIDFile(path)
	return pid, spec, err
}

func readPIDFile(path string) (int, *Spec, pidMeta, error) {
	var meta pidMeta
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, nil, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, nil, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var spec *Spec
	if len(lines) >= 2 && strings.TrimSpace(lines[1]) != "" {
		var s Spec
		// an unparsable spec still leaves the pid usable
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &s) == nil {
			spec = &s
		}
	}
	if len(lines) >= 3 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &meta)
	}
	return pid, spec, meta, nil
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// ReapStale kills a child left behind by a previous supervisor that died without tearing
// down its run, as recorded in the pid file at path. The recorded start time must match the
// live process, so a recycled pid is left alone. It returns true when a stale child was killed.
// A missing pid file is not an error.
func ReapStale(path string, self Self, log *slog.Logger) (bool, error) {
	if log == nil {
		log = slog.Default()
	}
	pid, _, meta, err := readPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer RemovePIDFile(path)
	if pid == self.PID || !Alive(pid) {
		return false, nil
	}
	if meta.StartUnix > 0 {
		if cur := getProcStartMillis(pid) / 1000; cur > 0 && cur != meta.StartUnix {
			log.Debug("pid file refers to a recycled pid", "pid", pid)
			return false, nil
		}
	}
	pgid := meta.PGID
	if pgid == self.PGID {
		pgid = 0
	}
	members := treeMembers(pid, pgid, self.PID, meta.StartMillis, true, log)
	if pgid == pid {
		_ = killGroup(pgid)
	}
	_ = killPID(pid)
	for _, m := range members {
		_ = killPID(m)
	}
	log.Warn("killed stale child from previous supervisor", "pid", pid, "members", members)

	deadline := time.Now().Add(DefaultKillGrace)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	return true, nil
}
