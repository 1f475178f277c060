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
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath  string
	logLevel    string
	jsonOutput  bool
	identifier  string
	showSecrets bool

	rootCmd = &cobra.Command{
		Use:   "bslocal",
		Short: "Start, stop and supervise BrowserStackLocal tunnels",
		Long: `bslocal launches BrowserStackLocal tunnels on behalf of test runs and
makes sure they are stopped again. Every bslocal process on the host
coordinates through one lock file, so concurrent runs never race.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setupApp,
		PersistentPostRunE: teardownApp,
	}

	argsCmd = &cobra.Command{
		Use:   "args",
		Short: "Print the tunnel command line built from the current settings",
		Args:  cobra.NoArgs,
		RunE:  runArgsCommand, // Defined in cmd_args.go
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start a tunnel and keep it up until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runRunCommand, // Defined in cmd_run.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the tunnel control API",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand, // Defined in cmd_serve.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "List journaled tunnels from every bslocal process on the host",
		Args:  cobra.NoArgs,
		RunE:  runStatusCommand, // Defined in cmd_status.go
	}

	reapCmd = &cobra.Command{
		Use:   "reap",
		Short: "Kill tunnels left behind by bslocal processes that died",
		Args:  cobra.NoArgs,
		RunE:  runReapCommand, // Defined in cmd_status.go
	}

	versionCmd = &cobra.Command{
		Use:         "version",
		Short:       "Print the bslocal version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("bslocal", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.bslocal/bslocal.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	argsCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print the access key and proxy password")
	runCmd.Flags().StringVar(&identifier, "identifier", "", "tunnel identifier (default: a new UUID)")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(argsCmd, runCmd, serveCmd, statusCmd, reapCmd, versionCmd)
}
