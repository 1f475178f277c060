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
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// StartSpec describes one launch attempt.
type StartSpec struct {
	// Path is the executable to run.
	Path string

	// Args are the arguments after argv[0].
	Args []string

	// Dir is the working directory. Empty means the caller's.
	Dir string

	// Env is appended to the caller's environment.
	Env []string

	// Hidden discards the child's stdout and stderr.
	Hidden bool

	// Stdout and Stderr receive output when Hidden is false.
	// Default: the caller's stdout and stderr
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher starts child processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Launcher interface {
	// Launch starts the process described by spec.
	//
	// Returns a running process, or an error if it could not be started.
	Launch(spec StartSpec) (*Process, error)
}

// ExecLauncher launches real processes with os/exec.
//
// Each child is placed in its own process group so Kill can take down
// anything it spawns.
type ExecLauncher struct{}

var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher returns the production launcher.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(spec StartSpec) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("launch: empty executable path: %w", exec.ErrNotFound)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if !spec.Hidden {
		cmd.Stdout = spec.Stdout
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		cmd.Stderr = spec.Stderr
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}
	isolate(cmd)

	p := NewProcess(cmd)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Path, err)
	}
	return p, nil
}

// LaunchCall records one call to MockLauncher.Launch.
type LaunchCall struct {
	Spec StartSpec
}

// MockLauncher is a Launcher for tests.
//
// # Description
//
// LaunchFunc is invoked when set. Otherwise the spec is delegated to an
// ExecLauncher. Every call is recorded.
//
// # Example
//
//	mock := &MockLauncher{
//	    LaunchFunc: func(spec StartSpec) (*Process, error) {
//	        return nil, errors.New("boom")
//	    },
//	}
type MockLauncher struct {
	LaunchFunc func(spec StartSpec) (*Process, error)

	mu    sync.Mutex
	calls []LaunchCall
}

var _ Launcher = (*MockLauncher)(nil)

// Launch implements Launcher.
func (m *MockLauncher) Launch(spec StartSpec) (*Process, error) {
	m.mu.Lock()
	m.calls = append(m.calls, LaunchCall{Spec: spec})
	fn := m.LaunchFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(spec)
	}
	return NewExecLauncher().Launch(spec)
}

// Calls returns a copy of the recorded calls.
func (m *MockLauncher) Calls() []LaunchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LaunchCall(nil), m.calls...)
}
