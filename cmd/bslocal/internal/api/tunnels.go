// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/bslocal/pkg/tunnel"
)

// Tunnel statuses reported by the API.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusExited         = "exited"
	StatusStopped        = "stopped"
	StatusNotRunning     = "not_running"
)

// StartRequest is the body of POST /tunnels.
//
// Identifier defaults to a new random identifier. It may not contain "/"
// so that DELETE /tunnels/:id can address it. Arguments are merged over
// the server's defaults: set fields win.
type StartRequest struct {
	Identifier string            `json:"identifier" validate:"omitempty,max=128,printascii,excludesall=/"`
	Arguments  *tunnel.Arguments `json:"arguments" validate:"-"`
}

// TunnelResponse is returned by POST /tunnels and DELETE /tunnels/:id.
type TunnelResponse struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, TunnelResponse{Error: err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, TunnelResponse{Identifier: req.Identifier, Error: err.Error()})
		return
	}
	if req.Identifier == "" {
		req.Identifier = tunnel.NewIdentifier()
	}

	args := s.defaults()
	if req.Arguments != nil {
		args = mergeArguments(args, *req.Arguments)
	}
	if err := s.validate.Struct(args); err != nil {
		c.JSON(http.StatusBadRequest, TunnelResponse{Identifier: req.Identifier, Error: err.Error()})
		return
	}
	line, err := args.Build()
	if err != nil {
		c.JSON(http.StatusBadRequest, TunnelResponse{Identifier: req.Identifier, Error: err.Error()})
		return
	}

	outcome, err := s.sup.StartTunnel(c.Request.Context(), req.Identifier, line)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, tunnel.ErrSupervisorClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, tunnel.ErrEmptyIdentifier), errors.Is(err, tunnel.ErrInvalidCommandLine):
			status = http.StatusBadRequest
		}
		s.logger.Error("start tunnel failed",
			slog.String("identifier", req.Identifier),
			slog.String("error", err.Error()))
		c.JSON(status, TunnelResponse{Identifier: req.Identifier, Error: err.Error()})
		return
	}

	switch outcome {
	case tunnel.OutcomeStarted:
		c.JSON(http.StatusCreated, TunnelResponse{Identifier: req.Identifier, Status: StatusStarted})
	case tunnel.OutcomeAlreadyRunning:
		c.JSON(http.StatusOK, TunnelResponse{Identifier: req.Identifier, Status: StatusAlreadyRunning})
	default:
		c.JSON(http.StatusBadGateway, TunnelResponse{
			Identifier: req.Identifier,
			Status:     StatusExited,
			Error:      "tunnel exited during the grace period",
		})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	stopped, err := s.sup.Stop(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("stop tunnel failed", slog.String("identifier", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, TunnelResponse{Identifier: id, Error: err.Error()})
		return
	}
	if !stopped {
		c.JSON(http.StatusNotFound, TunnelResponse{Identifier: id, Status: StatusNotRunning})
		return
	}
	c.JSON(http.StatusOK, TunnelResponse{Identifier: id, Status: StatusStopped})
}

// mergeArguments overlays the fields set in o onto base.
func mergeArguments(base, o tunnel.Arguments) tunnel.Arguments {
	if o.Key != "" {
		base.Key = o.Key
	}
	if o.Folder != "" {
		base.Folder = o.Folder
	}
	base.ForceKill = base.ForceKill || o.ForceKill
	base.OnlyLocal = base.OnlyLocal || o.OnlyLocal
	base.ForceLocal = base.ForceLocal || o.ForceLocal
	base.OnlyAutomate = base.OnlyAutomate || o.OnlyAutomate
	if o.ProxyHost != "" {
		base.ProxyHost = o.ProxyHost
	}
	if o.ProxyPort != nil {
		base.ProxyPort = o.ProxyPort
	}
	if o.ProxyUser != "" {
		base.ProxyUser = o.ProxyUser
	}
	if o.ProxyPassword != "" {
		base.ProxyPassword = o.ProxyPassword
	}
	return base
}
