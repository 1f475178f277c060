// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// flockExclusive blocks until an exclusive flock is held on f.
func flockExclusive(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// flockTry reports whether an exclusive flock was obtained without waiting.
func flockTry(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// isolate puts the child in its own process group so that helpers it spawns
// die with it.
func isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(-pid, unix.SIGKILL)
}

// IsFinished reports whether err means the target process no longer exists.
func IsFinished(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH)
}

// IsTextBusy reports whether err means the executable is open for writing.
func IsTextBusy(err error) bool {
	return errors.Is(err, unix.ETXTBSY)
}

// IsAlive reports whether a process with the given PID exists.
//
// EPERM counts as alive: the process exists but belongs to another user.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillPID forcefully kills pid and its process group.
//
// # Outputs
//
//   - error: nil on success. A process that is already gone yields an error
//     for which IsFinished is true.
func KillPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill pid %d: %w", pid, unix.ESRCH)
	}
	groupErr := killGroup(pid)
	err := unix.Kill(pid, unix.SIGKILL)
	if err == nil || (IsFinished(err) && groupErr == nil) {
		return nil
	}
	return fmt.Errorf("kill pid %d: %w", pid, err)
}

// CommandLine returns the argv of a running process.
//
// # Description
//
// Reads /proc/<pid>/cmdline. Platforms without procfs return an error
// wrapping errors.ErrUnsupported.
func CommandLine(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat("/proc/self"); statErr != nil {
				return nil, fmt.Errorf("read command line of %d: %w", pid, errors.ErrUnsupported)
			}
		}
		return nil, fmt.Errorf("read command line of %d: %w", pid, err)
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	parts := bytes.Split(data, []byte{0})
	argv := make([]string, len(parts))
	for i, p := range parts {
		argv[i] = string(p)
	}
	return argv, nil
}
