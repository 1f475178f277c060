// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tunnel supervises BrowserStackLocal tunnel processes.
//
// # Overview
//
// A Supervisor maps caller-chosen identifiers to running tunnel processes.
// Every Start and Stop is serialized by a host-wide named lock, so several
// test runs, in one process or in many, can share the machine without
// launching the same tunnel twice or killing each other's tunnels.
//
// Arguments builds the tunnel command line from structured settings.
//
// # Lifecycle
//
// The composition root constructs one Supervisor per process and must close
// it. Run wraps that in a scoped call:
//
//	sup, err := tunnel.New(tunnel.Config{Resolver: resolver, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	return tunnel.Run(sup, func(sup *tunnel.Supervisor) error {
//	    line, err := tunnel.Arguments{Key: key}.Build()
//	    if err != nil {
//	        return err
//	    }
//	    id := tunnel.NewIdentifier()
//	    if _, err := sup.Start(ctx, id, line); err != nil {
//	        return err
//	    }
//	    defer sup.Stop(ctx, id)
//	    return runTests(ctx)
//	})
//
// A Supervisor that is never closed leaks its children. The launch journal
// and ReapOrphans exist to clean those up after a crash.
//
// # Results
//
// Start and Stop return false with a nil error for idempotent no-ops
// (already running, not running). Errors are reserved for failures the
// caller can act on: a missing executable, a launch refused by the OS, a
// kill that failed for a reason other than the process being gone.
package tunnel
