//go:build !windows

package process

import (
	"errors"
	"syscall"
)

const groupsSupported = true

// killPID sends SIGKILL to a single process. A vanished or foreign process is not an error.
func killPID(pid int) error {
	return ignoreGone(syscall.Kill(pid, syscall.SIGKILL))
}

// killGroup sends SIGKILL to every process in group pgid.
func killGroup(pgid int) error {
	if pgid <= 1 {
		return nil
	}
	return ignoreGone(syscall.Kill(-pgid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		return nil
	}
	return err
}

// processExists checks if a process exists
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func currentPGID() int { return syscall.Getpgrp() }

func getpgid(pid int) (int, error) { return syscall.Getpgid(pid) }
