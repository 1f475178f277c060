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
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/bslocal/cmd/bslocal/internal/api"
	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

const shutdownTimeout = 10 * time.Second

func runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	sup, store, err := app.newSupervisor()
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := api.New(api.Config{
		Supervisor: sup,
		Defaults: func() tunnel.Arguments {
			return tunnel.ArgumentsFromSource(app.settings)
		},
		Gatherer:    app.gatherer,
		Logger:      app.logger.Slog(),
		RateLimit:   rate.Limit(app.cfg.Server.RateLimit),
		Burst:       app.cfg.Server.Burst,
		ServiceName: "bslocal",
	})
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              app.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return tunnel.Run(sup, func(s *tunnel.Supervisor) error {
		app.reapAtStartup(ctx, s)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			app.logger.Info("serving tunnel API", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
		if app.settings.Path() != "" {
			g.Go(func() error {
				return app.settings.Watch(gctx, func(err error) {
					if err != nil {
						app.logger.Warn("settings reload failed", "error", err)
						return
					}
					app.logger.Info("settings reloaded", "path", app.settings.Path())
				})
			})
		}
		return g.Wait()
	})
}
