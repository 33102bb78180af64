//go:build !windows

package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestReadPIDFileLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "legacy.pid")
	if err := os.WriteFile(pidfile, []byte("12345\n"), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	pid, specOut, err := ReadPIDFile(pidfile)
	if err != nil {
		t.Fatalf("ReadPIDFile legacy: %v", err)
	}
	if pid != 12345 {
		t.Fatalf("pid mismatch: got %d want 12345", pid)
	}
	if specOut != nil {
		t.Fatalf("expected nil spec for legacy pidfile, got %+v", specOut)
	}
}

func TestReadPIDFileInvalid(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "bad.pid")
	_ = os.WriteFile(pidfile, []byte("abc\n"), 0o600)
	if _, _, err := ReadPIDFile(pidfile); err == nil {
		t.Fatalf("expected error for non-numeric pid")
	}
}

func TestWriteReadPIDFileRoundTrip(t *testing.T) {
	requireUnix(t)
	pidfile := filepath.Join(t.TempDir(), "nested", "node.pid")
	spec := Spec{Name: "node", Path: "/opt/node/boot.sh", Args: []string{"--dev"}}
	if err := WritePIDFile(pidfile, os.Getpid(), spec); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, got, meta, err := readPIDFile(pidfile)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() || got == nil || got.Path != spec.Path || len(got.Args) != 1 {
		t.Fatalf("unexpected: pid=%d spec=%+v", pid, got)
	}
	if meta.PGID != syscall.Getpgrp() {
		t.Fatalf("meta pgid %d want %d", meta.PGID, syscall.Getpgrp())
	}
}

func TestReapStale_MissingFile(t *testing.T) {
	killed, err := ReapStale(filepath.Join(t.TempDir(), "none.pid"), CurrentSelf(), nil)
	if err != nil || killed {
		t.Fatalf("missing pid file: killed=%v err=%v", killed, err)
	}
}

func TestReapStale_KillsRecordedChild(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	pidfile := filepath.Join(t.TempDir(), "stale.pid")
	if err := WritePIDFile(pidfile, cmd.Process.Pid, Spec{Name: "stale", Path: "sleep"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	killed, err := ReapStale(pidfile, CurrentSelf(), nil)
	if err != nil || !killed {
		t.Fatalf("expected stale child killed, killed=%v err=%v", killed, err)
	}
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !Alive(cmd.Process.Pid) }) {
		t.Fatalf("stale child still alive")
	}
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed")
	}
}

func TestReapStale_SkipsSelfAndDead(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	self := filepath.Join(dir, "self.pid")
	_ = os.WriteFile(self, []byte("1\n"), 0o600)
	selfIdentity := Self{PID: 1, PGID: 1}
	if killed, err := ReapStale(self, selfIdentity, nil); err != nil || killed {
		t.Fatalf("must never reap self: killed=%v err=%v", killed, err)
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	dead := filepath.Join(dir, "dead.pid")
	if err := WritePIDFile(dead, cmd.Process.Pid, Spec{Path: "true"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if killed, err := ReapStale(dead, CurrentSelf(), nil); err != nil || killed {
		t.Fatalf("dead pid: killed=%v err=%v", killed, err)
	}
}
