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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	settings "github.com/AleutianAI/bslocal/pkg/config"
	"github.com/AleutianAI/bslocal/pkg/logging"
	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

func runArgsCommand(cmd *cobra.Command, _ []string) error {
	line, err := commandLine(app.settings, showSecrets)
	if err != nil {
		return err
	}
	cmd.Println(line)
	return nil
}

// commandLine builds the tunnel command line from settings. Secrets are
// masked unless reveal is set.
func commandLine(r settings.Reader, reveal bool) (string, error) {
	a := tunnel.ArgumentsFromSource(r)
	if !reveal {
		if a.Key != "" {
			a.Key = logging.Redacted
		}
		if a.ProxyPassword != "" {
			a.ProxyPassword = logging.Redacted
		}
	}
	line, err := a.Build()
	if errors.Is(err, tunnel.ErrMissingCredential) {
		return "", fmt.Errorf("%w: set %s in the environment or the settings file", err, tunnel.KeySetting)
	}
	if err != nil {
		return "", err
	}
	return line, nil
}
