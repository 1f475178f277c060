// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process provides the operating-system primitives used to supervise
// tunnel executables.
//
// # Components
//
//   - NamedLock: a host-wide mutual-exclusion lock backed by flock(2) on a
//     lock file whose name is shared by every process on the machine.
//   - Process: a handle to a launched child with asynchronous exit tracking.
//   - Launcher: starts children from a StartSpec. ExecLauncher is the real
//     implementation, MockLauncher is a test double.
//   - IsAlive, CommandLine, KillPID: PID-level helpers used for orphan
//     cleanup, where only a recorded PID is available.
//
// # Platform Support
//
// Locking and killing are implemented for unix platforms only. On other
// platforms the primitives return errors.ErrUnsupported.
package process
