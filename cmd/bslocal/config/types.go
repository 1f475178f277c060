// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/bslocal/pkg/process"
	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// CurrentConfigVersion is written to new config files.
const CurrentConfigVersion = "1"

type BSLocalConfig struct {
	Meta MetaConfig `yaml:"meta"`

	// StateDir holds the launch journal and extracted executables.
	StateDir string `yaml:"state_dir" validate:"required"`

	// LockDir holds the host-wide lock file. Every supervisor on the host
	// must agree on it.
	LockDir string `yaml:"lock_dir" validate:"required"`

	// SettingsFile is the BrowserStack* settings file (yaml or toml).
	// Environment variables override it.
	SettingsFile string `yaml:"settings_file,omitempty"`

	Resource   ResourceConfig   `yaml:"resource"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

type ResourceConfig struct {
	// Dir contains the BrowserStackLocal executable.
	Dir string `yaml:"dir" validate:"required"`

	// Extract copies the executable to a per-identifier file under
	// {StateDir}/bin instead of running it in place.
	Extract bool `yaml:"extract"`
}

type SupervisorConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// RateLimit is the sustained request rate on /tunnels, per second.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	// Exporter overrides OTEL_TRACES_EXPORTER when set.
	Exporter string `yaml:"exporter,omitempty" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DefaultConfig returns the settings written on first run. Paths are
// relative to the user's home directory when it is known.
func DefaultConfig() BSLocalConfig {
	base := filepath.Join(os.TempDir(), "bslocal")
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".bslocal")
	}
	return BSLocalConfig{
		Meta:     MetaConfig{Version: CurrentConfigVersion},
		StateDir: filepath.Join(base, "state"),
		LockDir:  process.DefaultNamedLockConfig().LockDir,
		Resource: ResourceConfig{
			Dir:     filepath.Join(base, "bin"),
			Extract: true,
		},
		Supervisor: SupervisorConfig{
			GracePeriod: tunnel.DefaultGracePeriod,
			StopTimeout: tunnel.DefaultStopTimeout,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:45690",
			RateLimit: 5,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// JournalDir is where the launch journal lives.
func (c BSLocalConfig) JournalDir() string {
	return filepath.Join(c.StateDir, "journal")
}

// CacheDir is where extracted executables live.
func (c BSLocalConfig) CacheDir() string {
	return filepath.Join(c.StateDir, "bin")
}
