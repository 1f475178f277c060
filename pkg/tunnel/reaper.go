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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/process"
)

// ErrNoJournal is returned by journal-backed operations when the
// supervisor has no Journal.
var ErrNoJournal = errors.New("tunnel supervisor has no journal")

// Journaled lists every journaled tunnel on the host, including those
// started by other processes.
func (s *Supervisor) Journaled(ctx context.Context) ([]journal.Entry, error) {
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.journal.List(ctx)
}

// ReapOrphans kills tunnels whose supervising process has died.
//
// # Description
//
// Under the named lock, every journal entry whose host process is gone is
// examined. If the tunnel process is still alive and its command line
// still carries "-localIdentifier <identifier>", it is killed. The entry
// is then removed. A pid that was reused by an unrelated program is left
// running. Entries of live hosts, including this one, are not touched.
//
// # Outputs
//
//   - int: number of tunnel processes killed
//   - error: ErrNoJournal, a lock or journal error, or the joined kill
//     failures. Entries whose kill failed stay in the journal.
func (s *Supervisor) ReapOrphans(ctx context.Context) (reaped int, err error) {
	ctx, span := s.tracer.Start(ctx, "tunnel.ReapOrphans")
	defer func() {
		span.SetAttributes(attribute.Int("tunnel.reaped", reaped))
		endSpan(span, err)
	}()

	if s.journal == nil {
		return 0, ErrNoJournal
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	entries, err := s.journal.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list journal: %w", err)
	}

	self := os.Getpid()
	var errs []error
	for _, e := range entries {
		if e.HostPID == self || process.IsAlive(e.HostPID) {
			continue
		}
		log := s.logger.With(
			slog.String("identifier", e.Identifier),
			slog.Int("pid", e.PID),
			slog.Int("host_pid", e.HostPID))

		if ownsIdentifier(e) {
			if err := process.KillPID(e.PID); err != nil && !process.IsFinished(err) {
				log.Error("orphaned tunnel kill failed", slog.String("error", err.Error()))
				errs = append(errs, &StopError{Identifier: e.Identifier, PID: e.PID, Err: err})
				continue
			}
			log.Info("orphaned tunnel killed")
			reaped++
		} else {
			log.Debug("dropping stale journal entry")
		}

		if err := s.journal.Remove(ctx, e.Identifier, e.PID); err != nil {
			errs = append(errs, fmt.Errorf("remove journal entry %s: %w", e.Identifier, err))
		}
	}

	s.metrics.addOrphans(reaped)
	return reaped, errors.Join(errs...)
}

// ownsIdentifier reports whether e's pid is alive and still runs the
// tunnel for e's identifier.
func ownsIdentifier(e journal.Entry) bool {
	if e.PID <= 0 || !process.IsAlive(e.PID) {
		return false
	}
	argv, err := process.CommandLine(e.PID)
	if err != nil {
		return false
	}
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == IdentifierFlag && argv[i+1] == e.Identifier {
			return true
		}
	}
	return false
}
