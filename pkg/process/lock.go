// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MutexName is the host-wide lock token shared by every supervisor.
//
// It must never change: processes built from different versions of this
// module serialize against each other only if they agree on it.
const MutexName = "{e8aa150b-3b92-44c8-a9d4-aecfb6c51416}"

// ErrNotLocked is returned by Unlock when the lock is not held.
var ErrNotLocked = errors.New("named lock is not held")

// NamedLocker is a blocking, host-wide mutual-exclusion lock.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Lock blocks until the
// lock is available to both this goroutine and this process.
type NamedLocker interface {
	// Lock blocks until the lock is held.
	Lock() error

	// Unlock releases a lock previously obtained with Lock.
	Unlock() error
}

// NamedLockConfig configures where the lock file lives.
type NamedLockConfig struct {
	// LockDir is the directory for the lock file.
	// Default: system temp directory
	LockDir string

	// Name is the base name of the lock file.
	// Default: MutexName
	Name string
}

// DefaultNamedLockConfig returns the host-wide defaults.
//
// # Outputs
//
//   - NamedLockConfig: temp directory and MutexName
func DefaultNamedLockConfig() NamedLockConfig {
	return NamedLockConfig{
		LockDir: os.TempDir(),
		Name:    MutexName,
	}
}

// ErrLockHeld is returned by TryLock when another holder owns the lock.
type ErrLockHeld struct {
	// PID of the holder, 0 when it could not be determined.
	PID int

	// LockPath is the contended lock file.
	LockPath string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("named lock %s is held by PID %d", e.LockPath, e.PID)
	}
	return fmt.Sprintf("named lock %s is held by another process", e.LockPath)
}

// NamedLock implements NamedLocker with flock(2) on a shared lock file.
//
// # Description
//
// Acquisition is two-staged. The in-process mutex is taken first so that
// goroutines of one process queue in memory, then an exclusive flock is
// taken on {LockDir}/{Name}.lock so that other processes on the host queue
// in the kernel. Each acquisition opens its own file description, which
// makes the flock conflict even with other NamedLock values in the same
// process.
//
// The holder's PID is written into the lock file for diagnostics. The file
// itself is never removed: unlinking it while another process waits on the
// old inode would let two holders coexist.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - Advisory lock only
//   - NFS and some network filesystems don't support flock properly
//   - The OS releases the flock if the holder crashes
//
// # Example
//
//	lock := NewNamedLock(DefaultNamedLockConfig())
//	if err := lock.Lock(); err != nil {
//	    return err
//	}
//	defer lock.Unlock()
type NamedLock struct {
	lockPath string

	mu   sync.Mutex
	file *os.File
}

var _ NamedLocker = (*NamedLock)(nil)

// NewNamedLock creates a named lock. It does not acquire it.
//
// # Inputs
//
//   - config: lock file location; empty fields take defaults
//
// # Outputs
//
//   - *NamedLock: the lock, not yet held
func NewNamedLock(config NamedLockConfig) *NamedLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.Name == "" {
		config.Name = MutexName
	}
	return &NamedLock{
		lockPath: filepath.Join(config.LockDir, config.Name+".lock"),
	}
}

// Path returns the lock file path.
func (l *NamedLock) Path() string {
	return l.lockPath
}

// Lock blocks until the lock is held by the caller.
//
// # Outputs
//
//   - error: non-nil if the lock file cannot be opened or locked. The lock
//     is not held in that case.
func (l *NamedLock) Lock() error {
	l.mu.Lock()

	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		l.mu.Unlock()
		return fmt.Errorf("acquire named lock %s: %w", l.lockPath, err)
	}

	l.file = f
	l.writeHolder()
	return nil
}

// TryLock acquires the lock without blocking.
//
// # Outputs
//
//   - error: nil if acquired, *ErrLockHeld if another goroutine or process
//     holds it, other errors on I/O failure
func (l *NamedLock) TryLock() error {
	if !l.mu.TryLock() {
		return &ErrLockHeld{PID: os.Getpid(), LockPath: l.lockPath}
	}

	f, err := l.open()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	ok, err := flockTry(f)
	if err != nil || !ok {
		_ = f.Close()
		l.mu.Unlock()
		if err != nil {
			return fmt.Errorf("acquire named lock %s: %w", l.lockPath, err)
		}
		return &ErrLockHeld{PID: l.readHolder(), LockPath: l.lockPath}
	}

	l.file = f
	l.writeHolder()
	return nil
}

// Unlock releases the lock.
//
// # Outputs
//
//   - error: ErrNotLocked if the lock is not held, otherwise any error from
//     releasing the flock or closing the file. The lock is released either way.
func (l *NamedLock) Unlock() error {
	f := l.file
	if f == nil {
		return ErrNotLocked
	}
	l.file = nil

	err := errors.Join(funlock(f), f.Close())
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("release named lock %s: %w", l.lockPath, err)
	}
	return nil
}

// HolderPID returns the PID recorded by the current holder.
//
// Returns 0 when the lock is free or the holder is unknown. It checks with a
// private file description and never blocks.
func (l *NamedLock) HolderPID() int {
	f, err := os.OpenFile(l.lockPath, os.O_RDWR, 0)
	if err != nil {
		return 0
	}
	defer f.Close()

	ok, err := flockTry(f)
	if err != nil {
		return 0
	}
	if ok {
		_ = funlock(f)
		return 0
	}
	return l.readHolder()
}

func (l *NamedLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}
	return f, nil
}

// writeHolder is best effort; the flock is what matters.
func (l *NamedLock) writeHolder() {
	content := fmt.Sprintf("pid=%d\nacquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := l.file.Truncate(0); err != nil {
		return
	}
	_, _ = l.file.WriteAt([]byte(content), 0)
}

func (l *NamedLock) readHolder() int {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			pid, err := strconv.Atoi(v)
			if err != nil {
				return 0
			}
			return pid
		}
	}
	return 0
}
