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
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bslocal/cmd/bslocal/config"
	settings "github.com/AleutianAI/bslocal/pkg/config"
	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/logging"
	"github.com/AleutianAI/bslocal/pkg/process"
	"github.com/AleutianAI/bslocal/pkg/resources"
	"github.com/AleutianAI/bslocal/pkg/telemetry"
	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// skipSetup marks commands that need no config, logger or tracing.
const skipSetup = "bslocal.skip_setup"

// application holds what every command shares. It is built by setupApp.
type application struct {
	cfg      config.BSLocalConfig
	logger   *logging.Logger
	settings *settings.Source
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	shutdownTracing func(context.Context) error
}

var app *application

func setupApp(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipSetup] != "" {
		return nil
	}

	cfg, created, err := config.Load(configPath)
	if err != nil {
		return err
	}

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "bslocal",
		Format:  parseFormat(cfg.Logging.Format),
	})
	if created {
		logger.Info("first run, created the config file", "path", configPathOrDefault())
	}

	src, err := settings.New(settings.Options{File: cfg.SettingsFile, Logger: logger.Slog()})
	if err != nil {
		_ = logger.Close()
		return fmt.Errorf("load settings: %w", err)
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if cfg.Telemetry.Exporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.Exporter
	}
	if cfg.Telemetry.Endpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	}
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		_ = logger.Close()
		return err
	}

	app = &application{
		cfg:             cfg,
		logger:          logger,
		settings:        src,
		registry:        prometheus.DefaultRegisterer,
		gatherer:        prometheus.DefaultGatherer,
		shutdownTracing: shutdown,
	}
	return nil
}

func teardownApp(cmd *cobra.Command, _ []string) error {
	if app == nil || cmd.Annotations[skipSetup] != "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(app.shutdownTracing(ctx), app.logger.Close())
}

// newSupervisor wires a Supervisor from the loaded config. The journal
// must be closed after the Supervisor.
func (a *application) newSupervisor() (*tunnel.Supervisor, *journal.Store, error) {
	store, err := journal.Open(journal.Config{Dir: a.cfg.JournalDir(), Logger: a.logger.Slog()})
	if err != nil {
		return nil, nil, err
	}

	var resolver resources.Resolver = &resources.PathResolver{Dir: a.cfg.Resource.Dir}
	if a.cfg.Resource.Extract {
		resolver = resources.NewExtractor(os.DirFS(a.cfg.Resource.Dir), a.cfg.CacheDir(), a.logger.Slog())
	}

	sup, err := tunnel.New(tunnel.Config{
		Resolver: resolver,
		Lock: process.NewNamedLock(process.NamedLockConfig{
			LockDir: a.cfg.LockDir,
			Name:    process.MutexName,
		}),
		Journal:     store,
		Settings:    a.settings,
		Logger:      a.logger.Slog(),
		Metrics:     tunnel.NewMetrics(a.registry),
		GracePeriod: a.cfg.Supervisor.GracePeriod,
		StopTimeout: a.cfg.Supervisor.StopTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return sup, store, nil
}

// reapAtStartup cleans up after bslocal processes that died without
// stopping their tunnels.
func (a *application) reapAtStartup(ctx context.Context, sup *tunnel.Supervisor) {
	n, err := sup.ReapOrphans(ctx)
	if err != nil {
		a.logger.Warn("orphan reaping failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("reaped orphaned tunnels", "count", n)
	}
}

func parseFormat(s string) logging.Format {
	switch s {
	case "text":
		return logging.FormatText
	case "json":
		return logging.FormatJSON
	default:
		return logging.FormatAuto
	}
}

func configPathOrDefault() string {
	if configPath != "" {
		return configPath
	}
	p, _ := config.DefaultPath()
	return p
}
