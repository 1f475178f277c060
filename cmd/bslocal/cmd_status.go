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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/process"
	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// statusRow is one line of "bslocal status".
type statusRow struct {
	journal.Entry
	Alive     bool `json:"alive"`
	HostAlive bool `json:"host_alive"`
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	sup, store, err := app.newSupervisor()
	if err != nil {
		return err
	}
	defer store.Close()

	var entries []journal.Entry
	err = tunnel.Run(sup, func(s *tunnel.Supervisor) error {
		entries, err = s.Journaled(cmd.Context())
		return err
	})
	if err != nil {
		return err
	}

	rows := make([]statusRow, len(entries))
	for i, e := range entries {
		rows[i] = statusRow{Entry: e, Alive: process.IsAlive(e.PID), HostAlive: process.IsAlive(e.HostPID)}
	}
	return printStatus(cmd.OutOrStdout(), rows, jsonOutput)
}

func printStatus(w io.Writer, rows []statusRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No tunnels are running.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tPID\tSTATE\tHOST PID\tHOST\tSTARTED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
			r.Identifier, r.PID, state(r.Alive, "running", "gone"),
			r.HostPID, state(r.HostAlive, "alive", "dead"),
			r.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func state(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func runReapCommand(cmd *cobra.Command, _ []string) error {
	sup, store, err := app.newSupervisor()
	if err != nil {
		return err
	}
	defer store.Close()

	var n int
	err = tunnel.Run(sup, func(s *tunnel.Supervisor) error {
		n, err = s.ReapOrphans(cmd.Context())
		return err
	})
	cmd.Printf("Reaped %d orphaned tunnel(s).\n", n)
	return err
}
