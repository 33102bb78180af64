//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

// writeScript writes an executable sh script into a temp dir and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func spawn(t *testing.T, spec Spec) *Process {
	t.Helper()
	if spec.KillGrace == 0 {
		spec.KillGrace = 2 * time.Second
	}
	p, err := Spawn(spec, CurrentSelf(), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = p.Terminate() })
	return p
}

func collect(p *Process) ([]string, error) {
	var lines []string
	for line, err := range p.Lines(context.Background()) {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := Spawn(Spec{Path: filepath.Join(t.TempDir(), "does-not-exist")}, CurrentSelf(), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	var se *SpawnError
	if !errors.As(err, &se) || se.Path == "" {
		t.Fatalf("expected *SpawnError with path, got %T %v", err, err)
	}
}

func TestSpawn_NotExecutable(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("not a program"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Spawn(Spec{Path: path}, CurrentSelf(), nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestSpawn_EmptyPath(t *testing.T) {
	_, err := Spawn(Spec{}, CurrentSelf(), nil)
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestLines_CapturesStderrOnly(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, `echo to-stdout
echo first >&2
echo to-stdout-again
printf 'second\r\n' >&2
printf 'no-newline' >&2`)
	p := spawn(t, Spec{Path: script})
	lines, err := collect(p)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	want := []string{"first", "second", "no-newline"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q want %q", lines, want)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("child not reaped")
	}
	if p.ExitErr() != nil {
		t.Fatalf("unexpected exit error: %v", p.ExitErr())
	}
}

func TestLines_NotRestartable(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Path: writeScript(t, `echo a >&2`)})
	if lines, _ := collect(p); len(lines) != 1 {
		t.Fatalf("first pass: %q", lines)
	}
	if lines, _ := collect(p); len(lines) != 0 {
		t.Fatalf("second pass must be empty, got %q", lines)
	}
}

func TestLines_TooLongIsStreamError(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, `head -c 1100000 /dev/zero | tr '\0' 'a' >&2; echo >&2; sleep 5`)
	p := spawn(t, Spec{Path: script})
	_, err := collect(p)
	if !errors.Is(err, ErrStreamRead) {
		t.Fatalf("expected ErrStreamRead, got %v", err)
	}
	var se *StreamReadError
	if !errors.As(err, &se) || se.PID != p.PID() {
		t.Fatalf("expected *StreamReadError for pid %d, got %v", p.PID(), err)
	}
}

func TestTerminate_EndsLinesWithoutError(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Path: writeScript(t, `echo ready >&2; sleep 30`)})
	done := make(chan error, 1)
	got := make(chan string, 4)
	go func() {
		for line, err := range p.Lines(context.Background()) {
			if err != nil {
				done <- err
				return
			}
			got <- line
		}
		done <- nil
	}()
	select {
	case l := <-got:
		if l != "ready" {
			t.Fatalf("unexpected line %q", l)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no line received")
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean end of lines, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Lines did not end after Terminate")
	}
	if !p.Exited() {
		t.Fatalf("child must be reaped after Terminate")
	}
}

func TestTerminate_KillsGroupMembers(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, `sleep 30 &
echo "child $!" >&2
sleep 30`)
	p := spawn(t, Spec{Path: script})
	if p.PGID() != p.PID() {
		t.Fatalf("child should lead its own group: pid=%d pgid=%d", p.PID(), p.PGID())
	}
	grandchild := readPIDLine(t, p)
	if !Alive(grandchild) {
		t.Fatalf("grandchild %d not alive before teardown", grandchild)
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !waitUntil(3*time.Second, 20*time.Millisecond, func() bool { return !Alive(grandchild) }) {
		t.Fatalf("grandchild %d survived teardown", grandchild)
	}
	if !Alive(os.Getpid()) {
		t.Fatalf("supervisor must never be signalled")
	}
}

func TestTerminate_KillsChildThatLeftGroup(t *testing.T) {
	requireUnix(t)
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	script := writeScript(t, `setsid sleep 30 &
echo "child $!" >&2
sleep 30`)
	p := spawn(t, Spec{Path: script})
	escaped := readPIDLine(t, p)
	if err := p.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !waitUntil(3*time.Second, 20*time.Millisecond, func() bool { return !Alive(escaped) }) {
		t.Fatalf("descendant %d in its own session survived teardown", escaped)
	}
}

func TestTerminate_SharedGroupSparesSupervisor(t *testing.T) {
	requireUnix(t)
	script := writeScript(t, `sleep 30 &
echo "child $!" >&2
sleep 30`)
	p := spawn(t, Spec{Path: script, SharedGroup: true})
	self := CurrentSelf()
	if p.PGID() != self.PGID {
		t.Fatalf("shared group child should report supervisor pgid %d, got %d", self.PGID, p.PGID())
	}
	grandchild := readPIDLine(t, p)
	if err := p.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !waitUntil(3*time.Second, 20*time.Millisecond, func() bool { return !Alive(grandchild) }) {
		t.Fatalf("grandchild %d survived teardown", grandchild)
	}
}

func TestTerminate_IdempotentAfterExit(t *testing.T) {
	requireUnix(t)
	p := spawn(t, Spec{Path: writeScript(t, `exit 3`)})
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("child did not exit")
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	var ee *exec.ExitError
	if !errors.As(p.ExitErr(), &ee) || ee.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %v", p.ExitErr())
	}
}

func TestTerminate_RemovesPIDFile(t *testing.T) {
	requireUnix(t)
	pidfile := filepath.Join(t.TempDir(), "run", "node.pid")
	p := spawn(t, Spec{Name: "node", Path: writeScript(t, `sleep 30`), PIDFile: pidfile})
	pid, spec, err := ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid != p.PID() || spec == nil || spec.Name != "node" {
		t.Fatalf("unexpected pid file contents: pid=%d spec=%+v", pid, spec)
	}
	_ = p.Terminate()
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err=%v", err)
	}
}

func TestSpawn_EnvAndWorkDir(t *testing.T) {
	requireUnix(t)
	work := t.TempDir()
	script := writeScript(t, `echo "$NODE_CHAIN" >&2; pwd >&2`)
	p := spawn(t, Spec{Path: script, WorkDir: work, Env: []string{"NODE_CHAIN=crab"}})
	lines, err := collect(p)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 2 || lines[0] != "crab" {
		t.Fatalf("unexpected output %q", lines)
	}
	gotDir, _ := filepath.EvalSymlinks(lines[1])
	wantDir, _ := filepath.EvalSymlinks(work)
	if gotDir != wantDir {
		t.Fatalf("workdir %q want %q", gotDir, wantDir)
	}
}

func TestParseStartTicks(t *testing.T) {
	stat := "1234 (my (weird) comm) S 1 1234 1234 0 -1 4194560 100 0 0 0 1 2 0 0 20 0 1 0 98765 1000 10"
	v, ok := parseStartTicks(stat)
	if !ok || v != 98765 {
		t.Fatalf("got %d %v", v, ok)
	}
	if _, ok := parseStartTicks("garbage"); ok {
		t.Fatalf("expected failure")
	}
	if _, ok := parseStartTicks("1 (x) S 1 2"); ok {
		t.Fatalf("expected failure on short line")
	}
}

func readPIDLine(t *testing.T, p *Process) int {
	t.Helper()
	for line, err := range p.Lines(context.Background()) {
		if err != nil {
			t.Fatalf("lines: %v", err)
		}
		if v, ok := strings.CutPrefix(line, "child "); ok {
			pid, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				t.Fatalf("bad pid line %q", line)
			}
			return pid
		}
	}
	t.Fatalf("no pid line")
	return 0
}
