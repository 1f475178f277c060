// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// errTunnelExited is returned by "bslocal run" when the tunnel dies on its
// own.
var errTunnelExited = errors.New("tunnel exited")

func runRunCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	line, err := commandLine(app.settings, true)
	if err != nil {
		return err
	}
	id := identifier
	if id == "" {
		id = tunnel.NewIdentifier()
	}

	sup, store, err := app.newSupervisor()
	if err != nil {
		return err
	}
	defer store.Close()

	return tunnel.Run(sup, func(s *tunnel.Supervisor) error {
		app.reapAtStartup(ctx, s)
		return superviseOne(ctx, s, id, line, func(msg string) { cmd.Println(msg) })
	})
}

// superviseOne starts one tunnel and blocks until ctx is done or the tunnel
// exits.
func superviseOne(ctx context.Context, s *tunnel.Supervisor, id, line string, say func(string)) error {
	events, cancel := s.Subscribe()
	defer cancel()

	outcome, err := s.StartTunnel(ctx, id, line)
	if err != nil {
		return err
	}
	if outcome == tunnel.OutcomeExited {
		return fmt.Errorf("%w: %s did not survive startup", errTunnelExited, id)
	}
	say(fmt.Sprintf("Tunnel %s is up. Press Ctrl+C to stop it.", id))

	for {
		select {
		case <-ctx.Done():
			say(fmt.Sprintf("Stopping tunnel %s", id))
			_, err := s.Stop(context.WithoutCancel(ctx), id)
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Identifier == id {
				return fmt.Errorf("%w: %s (pid %d, exit code %d)", errTunnelExited, id, ev.PID, ev.ExitCode)
			}
		}
	}
}
