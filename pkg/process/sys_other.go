// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func flockExclusive(*os.File) error { return errors.ErrUnsupported }
func flockTry(*os.File) (bool, error) { return false, errors.ErrUnsupported }
func funlock(*os.File) error { return errors.ErrUnsupported }
func isolate(*exec.Cmd) {}
func killGroup(int) error { return errors.ErrUnsupported }
func KillPID(int) error { return errors.ErrUnsupported }
func IsAlive(int) bool { return false }
func CommandLine(int) ([]string, error) { return nil, errors.ErrUnsupported }
func IsFinished(err error) bool { return errors.Is(err, os.ErrProcessDone) }
func IsTextBusy(error) bool { return false }
