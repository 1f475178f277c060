// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observeStart(startResultStarted, time.Second)
	m.observeStop(stopResultStopped)
	m.observeExit()
	m.setTracked(3)
	m.observeLockWait(time.Millisecond)
	m.addOrphans(2)
}

func TestMetrics_Supervisor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, sleeper, func(cfg *Config) { cfg.Metrics = m })
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	_, err = f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	_, err = f.sup.Start(ctx, "run-2", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tracked))

	_, err = f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	_, err = f.sup.Stop(ctx, "never")
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.starts.WithLabelValues(startResultStarted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.starts.WithLabelValues(startResultAlreadyRunning)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stops.WithLabelValues(stopResultStopped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stops.WithLabelValues(stopResultNotRunning)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tracked))
	waitFor(t, func() bool { return testutil.ToFloat64(m.exits) == 1 })

	require.NoError(t, f.sup.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tracked))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exits))

	n, err := testutil.GatherAndCount(reg,
		"bslocal_tunnel_start_duration_seconds", "bslocal_tunnel_lock_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
