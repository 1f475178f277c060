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
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a running or
	// finished process.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotStarted is returned when a process operation needs a live OS
	// process and there is none.
	ErrNotStarted = errors.New("process not started")
)

// State is the lifecycle state of a Process.
type State int32

const (
	// StateCreated means the process has not been started.
	StateCreated State = iota

	// StateRunning means the process was started and has not been reaped.
	StateRunning

	// StateExited means the process exited on its own.
	StateExited

	// StateKilled means the process was terminated by a signal.
	StateKilled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is a handle to a child process.
//
// # Description
//
// A background goroutine waits on the child once it has started. Done is
// closed when the child has been reaped, after which ExitCode and
// ExitError are final.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Process struct {
	cmd     *exec.Cmd
	started time.Time

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu       sync.RWMutex
	exitErr  error
	waitOnce sync.Once
}

// NewProcess wraps cmd. The command is not started.
func NewProcess(cmd *exec.Cmd) *Process {
	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)
	return p
}

// Start launches the command and begins waiting on it in the background.
//
// # Outputs
//
//   - error: ErrAlreadyStarted if Start was already called, otherwise the
//     error from exec.Cmd.Start
func (p *Process) Start() error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	if err := p.cmd.Start(); err != nil {
		p.exitErr = err
		p.state.Store(int32(StateExited))
		close(p.done)
		return err
	}
	p.started = time.Now()

	go p.waitLoop()
	return nil
}

func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		code := 0
		state := StateExited
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				code = -1
			}
		}

		p.exitCode.Store(int32(code))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// PID returns the OS process id, or -1 if the process never started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Path returns the executable path the process was launched from.
func (p *Process) Path() string {
	return p.cmd.Path
}

// Args returns the full argv, including argv[0].
func (p *Process) Args() []string {
	return append([]string(nil), p.cmd.Args...)
}

// Started returns when the process was started.
func (p *Process) Started() time.Time {
	return p.started
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Done returns a channel closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// HasExited reports whether the process has been reaped.
func (p *Process) HasExited() bool {
	s := p.State()
	return s == StateExited || s == StateKilled
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error reported by Wait, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// WaitTimeout waits up to d for the process to be reaped and reports whether
// it was.
func (p *Process) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Kill forcefully terminates the process group and then the process itself.
//
// # Outputs
//
//   - error: nil when the kill signal was delivered. If the process had
//     already finished the error satisfies IsFinished.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return ErrNotStarted
	}
	if p.HasExited() {
		return os.ErrProcessDone
	}
	groupErr := killGroup(p.cmd.Process.Pid)
	err := p.cmd.Process.Kill()
	if err == nil || (IsFinished(err) && groupErr == nil) {
		return nil
	}
	return err
}
