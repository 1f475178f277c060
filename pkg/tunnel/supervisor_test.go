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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/logging"
	"github.com/AleutianAI/bslocal/pkg/process"
)

func TestNew_RequiresResolver(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// =============================================================================
// Start Tests
// =============================================================================

func TestSupervisor_StartTwice(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	started, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.True(t, started)

	started, err = f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.False(t, started)

	tracked := f.sup.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "run-1", tracked[0].Identifier)
	assert.True(t, tracked[0].Alive)
	assert.Len(t, f.launcher.Calls(), 1)
	assert.True(t, f.sup.IsRunning("run-1"))
}

func TestSupervisor_StartTunnelOutcomes(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, sleeper, nil)
	outcome, err := f.sup.StartTunnel(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)

	outcome, err = f.sup.StartTunnel(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, outcome)

	outcome, err = f.sup.StartTunnel(ctx, "", "ABC123")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
	assert.Equal(t, OutcomeFailed, outcome)

	dying := newFixture(t, "exit 1", nil)
	outcome, err = dying.sup.StartTunnel(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, outcome)
}

func TestSupervisor_StartCommandLine(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	line, err := Arguments{Key: "ABC123", ProxyHost: "proxy.local", ProxyPort: Port(8080)}.Build()
	require.NoError(t, err)

	started, err := f.sup.Start(context.Background(), "run-1", line)
	require.NoError(t, err)
	require.True(t, started)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.resolver.path, calls[0].Spec.Path)
	assert.Equal(t,
		[]string{"ABC123", "-proxyHost", "proxy.local", "-proxyPort", "8080", "-localIdentifier", "run-1"},
		calls[0].Spec.Args)
	assert.True(t, calls[0].Spec.Hidden)
	assert.Equal(t, []string{"BrowserStackLocal_run-1"}, f.resolver.calls())
}

func TestSupervisor_StartQuotedArguments(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	line, err := Arguments{Key: "ABC123", Folder: "/tmp/my site", ProxyPassword: `p"w d`}.Build()
	require.NoError(t, err)

	_, err = f.sup.Start(context.Background(), "run-1", line)
	require.NoError(t, err)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t,
		[]string{"ABC123", "-f", "/tmp/my site", "-proxyPass", `p"w d`, "-localIdentifier", "run-1"},
		calls[0].Spec.Args)
}

func TestSupervisor_StartInvalidInput(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "", "ABC123")
	assert.ErrorIs(t, err, ErrEmptyIdentifier)

	_, err = f.sup.Start(ctx, "run-1", `ABC123 -f "unterminated`)
	assert.ErrorIs(t, err, ErrInvalidCommandLine)

	assert.Empty(t, f.launcher.Calls())
	assert.Empty(t, f.resolver.calls())
}

func TestSupervisor_StartExitsDuringGrace(t *testing.T) {
	f := newFixture(t, "exit 1", nil)
	ctx := context.Background()

	begin := time.Now()
	started, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Less(t, time.Since(begin), testGrace+2*time.Second)

	assert.Empty(t, f.sup.Tracked())
	entries, err := f.journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSupervisor_StartNilProcess(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	f.launcher.LaunchFunc = func(process.StartSpec) (*process.Process, error) { return nil, nil }

	started, err := f.sup.Start(context.Background(), "run-1", "ABC123")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, f.sup.Tracked())
}

func TestSupervisor_StartLaunchErrors(t *testing.T) {
	tests := []struct {
		name        string
		resolverErr error
		launchErr   error
		wantClass   error
	}{
		{
			name:        "resolver missing resource",
			resolverErr: fmt.Errorf("open BrowserStackLocal: %w", fs.ErrNotExist),
			wantClass:   ErrExecutableNotFound,
		},
		{
			name:      "executable missing",
			launchErr: fmt.Errorf("launch: %w", os.ErrNotExist),
			wantClass: ErrExecutableNotFound,
		},
		{
			name:      "process already started",
			launchErr: process.ErrAlreadyStarted,
			wantClass: ErrInvalidLaunchState,
		},
		{
			name:      "permission denied",
			launchErr: fmt.Errorf("launch: %w", os.ErrPermission),
			wantClass: ErrLaunchFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sleeper, nil)
			f.resolver.err = tt.resolverErr
			if tt.launchErr != nil {
				f.launcher.LaunchFunc = func(process.StartSpec) (*process.Process, error) {
					return nil, tt.launchErr
				}
			}

			started, err := f.sup.Start(context.Background(), "run-1", "ABC123")
			assert.False(t, started)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantClass)

			var launchErr *LaunchError
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, "run-1", launchErr.Identifier)
			assert.Empty(t, f.sup.Tracked())

			// The lock must have been released.
			require.NoError(t, f.lock.TryLock())
			require.NoError(t, f.lock.Unlock())
		})
	}
}

func TestSupervisor_StartRealLaunchFailure(t *testing.T) {
	f := newFixture(t, sleeper, func(cfg *Config) {
		cfg.Launcher = process.NewExecLauncher()
	})
	require.NoError(t, os.Chmod(f.resolver.path, 0o644))

	_, err := f.sup.Start(context.Background(), "run-1", "ABC123")
	require.Error(t, err)
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, f.resolver.path, launchErr.Executable)
}

func TestSupervisor_StartDebugMode(t *testing.T) {
	out := &syncBuffer{}
	f := newFixture(t, "echo tunnel-output\n"+sleeper, func(cfg *Config) {
		cfg.Settings = stubSettings{DebugModeSetting: "true"}
		cfg.Stdout = out
	})

	started, err := f.sup.Start(context.Background(), "run-1", "ABC123")
	require.NoError(t, err)
	require.True(t, started)

	calls := f.launcher.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Spec.Hidden)
	waitFor(t, func() bool { return out.String() == "tunnel-output\n" })
}

func TestSupervisor_RestartReusesExecutable(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	started, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	require.True(t, started)

	pid := f.sup.Tracked()[0].PID
	require.NoError(t, process.KillPID(pid))
	waitFor(t, func() bool { return !f.sup.Tracked()[0].Alive })

	// Still tracked while dead.
	require.Len(t, f.sup.Tracked(), 1)

	f.resolver.path = "/nonexistent/should-not-be-used"
	started, err = f.sup.Start(ctx, "run-1", "NEWKEY -force")
	require.NoError(t, err)
	require.True(t, started)

	calls := f.launcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Spec.Path, calls[1].Spec.Path)
	assert.Equal(t, []string{"NEWKEY", "-force", "-localIdentifier", "run-1"}, calls[1].Spec.Args)
	assert.Len(t, f.resolver.calls(), 1)

	tracked := f.sup.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].Alive)
	assert.NotEqual(t, pid, tracked[0].PID)
}

func TestSupervisor_ConcurrentStartSameIdentifier(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	var launched atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			started, err := f.sup.Start(context.Background(), "shared", "ABC123")
			if started {
				launched.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), launched.Load())
	assert.Len(t, f.launcher.Calls(), 1)
	assert.Len(t, f.sup.Tracked(), 1)
}

func TestSupervisor_StartWaitsForNamedLock(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	// A second handle on the same lock file stands in for another host
	// process.
	other := process.NewNamedLock(process.NamedLockConfig{
		LockDir: filepath.Dir(f.lock.Path()),
		Name:    process.MutexName,
	})
	require.NoError(t, other.Lock())

	done := make(chan bool, 1)
	go func() {
		started, _ := f.sup.Start(context.Background(), "run-1", "ABC123")
		done <- started
	}()

	select {
	case <-done:
		t.Fatal("Start returned while the named lock was held elsewhere")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, f.launcher.Calls())

	require.NoError(t, other.Unlock())
	select {
	case started := <-done:
		assert.True(t, started)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not proceed after the lock was released")
	}
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestSupervisor_StopNeverStarted(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	stopped, err := f.sup.Stop(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Empty(t, f.launcher.Calls())
}

func TestSupervisor_StartStopStart(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	started, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	require.True(t, started)
	firstPID := f.sup.Tracked()[0].PID

	stopped, err := f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Empty(t, f.sup.Tracked())
	assert.False(t, process.IsAlive(firstPID))

	stopped, err = f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)

	started, err = f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	assert.True(t, started)

	tracked := f.sup.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].Alive)
}

func TestSupervisor_StopExitedTunnel(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	require.NoError(t, process.KillPID(f.sup.Tracked()[0].PID))
	waitFor(t, func() bool { return !f.sup.IsRunning("run-1") })

	stopped, err := f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestSupervisor_StopRacesWithExit(t *testing.T) {
	finished := []error{os.ErrProcessDone, fmt.Errorf("kill: %w", unix.ESRCH)}
	for _, killErr := range finished {
		t.Run(killErr.Error(), func(t *testing.T) {
			// The child dies between the liveness check and the kill.
			f := newFixture(t, sleeper, func(cfg *Config) {
				cfg.Kill = func(p *process.Process) error {
					_ = p.Kill()
					return killErr
				}
			})
			ctx := context.Background()

			_, err := f.sup.Start(ctx, "run-1", "ABC123")
			require.NoError(t, err)
			pid := f.sup.Tracked()[0].PID

			stopped, err := f.sup.Stop(ctx, "run-1")
			require.NoError(t, err)
			assert.True(t, stopped)
			assert.Empty(t, f.sup.Tracked())

			_, err = f.journal.Get(ctx, "run-1", pid)
			assert.ErrorIs(t, err, journal.ErrNotFound)
		})
	}
}

func TestSupervisor_StopKillFailure(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	f := newFixture(t, sleeper, func(cfg *Config) {
		cfg.Kill = func(p *process.Process) error {
			if refuse.Load() {
				return unix.EPERM
			}
			return p.Kill()
		}
	})
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	pid := f.sup.Tracked()[0].PID

	stopped, err := f.sup.Stop(ctx, "run-1")
	assert.False(t, stopped)
	var stopErr *StopError
	require.ErrorAs(t, err, &stopErr)
	assert.Equal(t, "run-1", stopErr.Identifier)
	assert.Equal(t, pid, stopErr.PID)
	assert.ErrorIs(t, err, ErrStopFailed)
	assert.ErrorIs(t, err, unix.EPERM)

	assert.True(t, f.sup.IsRunning("run-1"))
	_, err = f.journal.Get(ctx, "run-1", pid)
	assert.NoError(t, err)

	// The failed Stop released the lock.
	refuse.Store(false)
	stopped, err = f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestSupervisor_Journal(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)

	pid := f.sup.Tracked()[0].PID
	entry, err := f.journal.Get(ctx, "run-1", pid)
	require.NoError(t, err)
	assert.Equal(t, pid, entry.PID)
	assert.Equal(t, os.Getpid(), entry.HostPID)
	assert.Equal(t, f.resolver.path, entry.Executable)

	entries, err := f.sup.Journaled(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	_, err = f.journal.Get(ctx, "run-1", pid)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestSupervisor_SharedIdentifierAcrossSupervisors(t *testing.T) {
	a := newFixture(t, sleeper, nil)
	b, err := New(Config{
		Resolver: &stubResolver{path: a.resolver.path},
		Lock: process.NewNamedLock(process.NamedLockConfig{
			LockDir: filepath.Dir(a.lock.Path()),
			Name:    process.MutexName,
		}),
		Journal:     a.journal,
		Logger:      logging.Nop(),
		GracePeriod: testGrace,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	started, err := a.sup.Start(ctx, "shared", "ABC123")
	require.NoError(t, err)
	require.True(t, started)
	started, err = b.Start(ctx, "shared", "ABC123")
	require.NoError(t, err)
	require.True(t, started)
	pidB := b.Tracked()[0].PID

	entries, err := a.journal.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stopped, err := a.sup.Stop(ctx, "shared")
	require.NoError(t, err)
	require.True(t, stopped)
	assert.True(t, b.IsRunning("shared"))

	entries, err = a.journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pidB, entries[0].PID)
}

// =============================================================================
// Close Tests
// =============================================================================

func TestSupervisor_CloseStopsEverything(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	ctx := context.Background()

	const n = 4
	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("run-%d", i)
		g.Go(func() error {
			started, err := f.sup.Start(ctx, id, "ABC123")
			if err == nil && !started {
				err = errors.New(id + " did not start")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	tracked := f.sup.Tracked()
	require.Len(t, tracked, n)

	require.NoError(t, f.sup.Close())
	assert.Empty(t, f.sup.Tracked())
	for _, ts := range tracked {
		assert.False(t, process.IsAlive(ts.PID), "pid %d still alive", ts.PID)
	}

	entries, err := f.journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSupervisor_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t, sleeper, nil)

	require.NoError(t, f.sup.Close())
	require.NoError(t, f.sup.Close())

	started, err := f.sup.Start(context.Background(), "run-1", "ABC123")
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrSupervisorClosed)

	stopped, err := f.sup.Stop(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestSupervisor_CloseReportsSurvivor(t *testing.T) {
	var survivor atomic.Pointer[process.Process]
	f := newFixture(t, sleeper, func(cfg *Config) {
		cfg.StopTimeout = 200 * time.Millisecond
		cfg.Kill = func(p *process.Process) error {
			survivor.Store(p)
			return nil
		}
	})
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	pid := f.sup.Tracked()[0].PID
	t.Cleanup(func() {
		if p := survivor.Load(); p != nil {
			_ = p.Kill()
			p.WaitTimeout(5 * time.Second)
		}
	})

	err = f.sup.Close()
	var stopErr *StopError
	require.ErrorAs(t, err, &stopErr)
	assert.Equal(t, "run-1", stopErr.Identifier)
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.ErrorIs(t, err, ErrStopFailed)

	assert.True(t, process.IsAlive(pid))
	assert.Empty(t, f.sup.Tracked())

	// Left for ReapOrphans.
	entry, err := f.journal.Get(ctx, "run-1", pid)
	require.NoError(t, err)
	assert.Equal(t, pid, entry.PID)
}

func TestRun(t *testing.T) {
	f := newFixture(t, sleeper, nil)
	boom := errors.New("boom")

	var pid int
	err := Run(f.sup, func(s *Supervisor) error {
		if _, err := s.Start(context.Background(), "run-1", "ABC123"); err != nil {
			return err
		}
		pid = s.Tracked()[0].PID
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, process.IsAlive(pid))

	_, err = f.sup.Start(context.Background(), "run-2", "ABC123")
	assert.ErrorIs(t, err, ErrSupervisorClosed)
}

// =============================================================================
// Tracing Tests
// =============================================================================

func TestSupervisor_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, sleeper, func(cfg *Config) {
		cfg.Tracer = tp.Tracer("test")
	})
	ctx := context.Background()

	_, err := f.sup.Start(ctx, "run-1", "ABC123")
	require.NoError(t, err)
	_, err = f.sup.Stop(ctx, "run-1")
	require.NoError(t, err)
	_, err = f.sup.Start(ctx, "", "ABC123")
	require.Error(t, err)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"tunnel.Start", "tunnel.Stop", "tunnel.Start"}, names)
	assert.Equal(t, "Error", sr.Ended()[2].Status().Code.String())
}
