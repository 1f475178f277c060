// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tunnel

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"

	"github.com/AleutianAI/bslocal/pkg/process"
)

var (
	// ErrMissingCredential is returned by Arguments when Key is blank.
	ErrMissingCredential = errors.New("tunnel access key is required")

	// ErrInvalidLaunchState means the process handle was in a state that
	// does not allow a launch.
	ErrInvalidLaunchState = errors.New("tunnel process is in an invalid state for launch")

	// ErrExecutableNotFound means the tunnel executable is missing or busy.
	ErrExecutableNotFound = errors.New("tunnel executable not found or in use")

	// ErrLaunchFailed means the OS refused to start the tunnel.
	ErrLaunchFailed = errors.New("tunnel launch failed")

	// ErrStopFailed means the OS refused to kill the tunnel.
	ErrStopFailed = errors.New("tunnel stop failed")

	// ErrStopTimeout means a killed tunnel did not exit in time.
	ErrStopTimeout = errors.New("tunnel did not exit before the stop timeout")

	// ErrSupervisorClosed is returned by Start after Close.
	ErrSupervisorClosed = errors.New("tunnel supervisor is closed")

	// ErrEmptyIdentifier is returned for a blank identifier.
	ErrEmptyIdentifier = errors.New("tunnel identifier is empty")

	// ErrInvalidCommandLine is returned when the command line cannot be
	// split into arguments.
	ErrInvalidCommandLine = errors.New("invalid tunnel command line")
)

// LaunchError describes a failed Start.
//
// errors.Is matches both Class (one of ErrInvalidLaunchState,
// ErrExecutableNotFound, ErrLaunchFailed) and the underlying error.
type LaunchError struct {
	Identifier string
	Executable string
	Class      error
	Err        error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Executable == "" {
		return fmt.Sprintf("start tunnel %s: %v: %v", e.Identifier, e.Class, e.Err)
	}
	return fmt.Sprintf("start tunnel %s (%s): %v: %v", e.Identifier, e.Executable, e.Class, e.Err)
}

// Unwrap exposes Class and Err to errors.Is and errors.As.
func (e *LaunchError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// StopError describes a failed Stop. errors.Is matches ErrStopFailed and
// the underlying error.
type StopError struct {
	Identifier string
	PID        int
	Err        error
}

// Error implements the error interface.
func (e *StopError) Error() string {
	return fmt.Sprintf("stop tunnel %s (pid %d): %v", e.Identifier, e.PID, e.Err)
}

// Unwrap exposes ErrStopFailed and Err to errors.Is and errors.As.
func (e *StopError) Unwrap() []error {
	return []error{ErrStopFailed, e.Err}
}

// classifyLaunch maps a resolver or launcher error to its failure class.
func classifyLaunch(err error) error {
	switch {
	case errors.Is(err, process.ErrAlreadyStarted):
		return ErrInvalidLaunchState
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound), process.IsTextBusy(err):
		return ErrExecutableNotFound
	default:
		return ErrLaunchFailed
	}
}
