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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Start results.
const (
	startResultStarted        = string(OutcomeStarted)
	startResultAlreadyRunning = string(OutcomeAlreadyRunning)
	startResultExited         = string(OutcomeExited)
	startResultError          = string(OutcomeFailed)
)

// Stop results.
const (
	stopResultStopped    = "stopped"
	stopResultNotRunning = "not_running"
	stopResultTimeout    = "timeout"
	stopResultError      = "error"
)

// Metrics holds the supervisor's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	starts        *prometheus.CounterVec
	stops         *prometheus.CounterVec
	exits         prometheus.Counter
	tracked       prometheus.Gauge
	startDuration prometheus.Histogram
	lockWait      prometheus.Histogram
	orphans       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: result (started, already_running, exited, error)
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "starts_total",
			Help:      "Start calls by result",
		}, []string{"result"}),

		// Labels: result (stopped, not_running, timeout, error)
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "stops_total",
			Help:      "Stop calls by result",
		}, []string{"result"}),

		exits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "exits_total",
			Help:      "Tunnel processes observed exiting",
		}),

		tracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "tracked",
			Help:      "Tunnels currently tracked by this supervisor",
		}),

		startDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "start_duration_seconds",
			Help:      "Start latency including lock wait and grace period",
			Buckets:   []float64{0.1, 0.5, 1, 2, 2.5, 3, 5, 10, 30},
		}),

		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the named lock",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		orphans: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bslocal",
			Subsystem: "tunnel",
			Name:      "orphans_reaped_total",
			Help:      "Orphaned tunnel processes killed by the reaper",
		}),
	}
}

func (m *Metrics) observeStart(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(result).Inc()
	m.startDuration.Observe(d.Seconds())
}

func (m *Metrics) observeStop(result string) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(result).Inc()
}

func (m *Metrics) observeExit() {
	if m == nil {
		return
	}
	m.exits.Inc()
}

func (m *Metrics) setTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) addOrphans(n int) {
	if m == nil || n == 0 {
		return
	}
	m.orphans.Add(float64(n))
}
