// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the HTTP control plane served by "bslocal serve".
//
// # Routes
//
//	POST   /tunnels      start a tunnel
//	DELETE /tunnels/:id  stop a tunnel
//	GET    /tunnels      tracked tunnels
//	GET    /events       websocket stream of exit events
//	GET    /metrics      Prometheus metrics
//	GET    /healthz      liveness
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// Supervisor is the part of *tunnel.Supervisor the API drives.
type Supervisor interface {
	StartTunnel(ctx context.Context, identifier, commandLine string) (tunnel.StartOutcome, error)
	Stop(ctx context.Context, identifier string) (bool, error)
	Tracked() []tunnel.TunnelStatus
	Subscribe() (<-chan tunnel.ExitEvent, func())
}

var _ Supervisor = (*tunnel.Supervisor)(nil)

// Config wires a Server.
type Config struct {
	// Supervisor. Required.
	Supervisor Supervisor

	// Defaults fills in arguments a request leaves unset, typically read
	// with tunnel.ArgumentsFromSource.
	Defaults func() tunnel.Arguments

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Logger. Default: slog.Default()
	Logger *slog.Logger

	// RateLimit and Burst throttle /tunnels. A zero RateLimit disables it.
	RateLimit rate.Limit
	Burst     int

	// ServiceName names the otelgin spans. Default: "bslocal"
	ServiceName string
}

// Server is the gin router around a Supervisor.
type Server struct {
	sup      Supervisor
	defaults func() tunnel.Arguments
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	validate *validator.Validate
	started  time.Time

	router *gin.Engine
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("api: supervisor is required")
	}
	s := &Server{
		sup:      cfg.Supervisor,
		defaults: cfg.Defaults,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
		validate: validator.New(),
		started:  time.Now(),
	}
	if s.defaults == nil {
		s.defaults = func() tunnel.Arguments { return tunnel.Arguments{} }
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bslocal"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(requestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/events", s.handleEvents)

	tunnels := r.Group("/tunnels")
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		tunnels.Use(rateLimiter(rate.NewLimiter(cfg.RateLimit, burst)))
	}
	tunnels.GET("", s.handleList)
	tunnels.POST("", s.handleStart)
	tunnels.DELETE("/:id", s.handleStop)

	s.router = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"tracked": len(s.sup.Tracked()),
	})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tunnels": s.sup.Tracked()})
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func rateLimiter(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
