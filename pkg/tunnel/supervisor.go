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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anmitsu/go-shlex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/bslocal/pkg/config"
	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/logging"
	"github.com/AleutianAI/bslocal/pkg/process"
	"github.com/AleutianAI/bslocal/pkg/resources"
)

const (
	// DefaultGracePeriod is how long Start waits for a new tunnel to crash.
	DefaultGracePeriod = 2 * time.Second

	// DefaultStopTimeout is how long Stop waits for a killed tunnel to exit.
	DefaultStopTimeout = 5 * time.Second

	eventBuffer = 64
	tracerName  = "github.com/AleutianAI/bslocal/pkg/tunnel"
)

// Journal persists launched tunnels for other processes to see.
//
// The supervisor calls it only while holding the named lock.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
	Remove(ctx context.Context, identifier string, pid int) error
	List(ctx context.Context) ([]journal.Entry, error)
}

// Config wires a Supervisor's collaborators.
type Config struct {
	// Resolver materializes the tunnel executable. Required.
	Resolver resources.Resolver

	// Lock is the host-wide lock.
	// Default: process.NewNamedLock(process.DefaultNamedLockConfig())
	Lock process.NamedLocker

	// Launcher starts children. Default: process.NewExecLauncher()
	Launcher process.Launcher

	// Kill terminates a tracked child. An error satisfying
	// process.IsFinished means the child was already gone.
	// Default: (*process.Process).Kill
	Kill func(*process.Process) error

	// Journal records running tunnels. Optional.
	Journal Journal

	// Settings supplies InDebugMode. Optional; debug mode is off without it.
	Settings config.Reader

	// Logger. Default: slog.Default()
	Logger *slog.Logger

	// Metrics. Optional.
	Metrics *Metrics

	// Tracer. Default: the global otel tracer provider.
	Tracer trace.Tracer

	// GracePeriod. Default: DefaultGracePeriod
	GracePeriod time.Duration

	// StopTimeout. Default: DefaultStopTimeout
	StopTimeout time.Duration

	// Stdout and Stderr receive tunnel output in debug mode.
	// Default: the supervisor's stdout and stderr
	Stdout io.Writer
	Stderr io.Writer
}

// TunnelStatus is a point-in-time view of a tracked tunnel.
type TunnelStatus struct {
	Identifier string    `json:"identifier"`
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	Executable string    `json:"executable"`
}

type trackedTunnel struct {
	identifier string
	executable string
	proc       *process.Process
}

// Supervisor starts, tracks and stops tunnel processes.
//
// # Description
//
// Start, Stop, Close and ReapOrphans run under an in-process mutex and then
// the host-wide named lock, in that order, and release both on every path.
// Operations on different identifiers still contend on the same lock.
// None of them can be cancelled once the lock is held; ctx only carries
// trace and log context.
//
// A monitor goroutine per child posts an ExitEvent when the child exits.
// A single dispatcher goroutine logs those events and fans them out to
// subscribers. Exit events never modify the registry: an exited tunnel
// stays tracked until the next Start or Stop for its identifier.
//
// # Thread Safety
//
// Safe for concurrent use.
type Supervisor struct {
	resolver    resources.Resolver
	lock        process.NamedLocker
	launcher    process.Launcher
	kill        func(*process.Process) error
	journal     Journal
	settings    config.Reader
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	grace       time.Duration
	stopTimeout time.Duration
	stdout      io.Writer
	stderr      io.Writer

	// gate serializes operations in this process before the named lock.
	gate   sync.Mutex
	closed atomic.Bool

	// regMu guards registry reads from Tracked, which does not take the gate.
	regMu    sync.RWMutex
	registry map[string]*trackedTunnel

	events         chan ExitEvent
	quit           chan struct{}
	monitors       sync.WaitGroup
	dispatcherDone chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan ExitEvent
	nextSub int

	closeOnce sync.Once
	closeErr  error
}

// New creates a Supervisor and starts its event dispatcher.
//
// # Outputs
//
//   - *Supervisor: must be closed with Close (or used through Run)
//   - error: non-nil if cfg.Resolver is nil
func New(cfg Config) (*Supervisor, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("tunnel: resolver is required")
	}
	s := &Supervisor{
		resolver:       cfg.Resolver,
		lock:           cfg.Lock,
		launcher:       cfg.Launcher,
		kill:           cfg.Kill,
		journal:        cfg.Journal,
		settings:       cfg.Settings,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		grace:          cfg.GracePeriod,
		stopTimeout:    cfg.StopTimeout,
		stdout:         cfg.Stdout,
		stderr:         cfg.Stderr,
		registry:       make(map[string]*trackedTunnel),
		events:         make(chan ExitEvent, eventBuffer),
		quit:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		subs:           make(map[int]chan ExitEvent),
	}
	if s.lock == nil {
		s.lock = process.NewNamedLock(process.DefaultNamedLockConfig())
	}
	if s.launcher == nil {
		s.launcher = process.NewExecLauncher()
	}
	if s.kill == nil {
		s.kill = (*process.Process).Kill
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}

	go s.dispatch()
	return s, nil
}

// Run calls fn with sup and closes sup afterwards, even if fn panics.
// The result joins fn's error with Close's.
func Run(sup *Supervisor, fn func(*Supervisor) error) (err error) {
	defer func() {
		err = errors.Join(err, sup.Close())
	}()
	return fn(sup)
}

// StartOutcome says what a start attempt did.
type StartOutcome string

const (
	// OutcomeStarted: a tunnel was launched and survived the grace period.
	OutcomeStarted StartOutcome = "started"

	// OutcomeAlreadyRunning: a live tunnel was already tracked.
	OutcomeAlreadyRunning StartOutcome = "already_running"

	// OutcomeExited: the tunnel died during the grace period, or the
	// launcher returned no process.
	OutcomeExited StartOutcome = "exited"

	// OutcomeFailed accompanies a non-nil error.
	OutcomeFailed StartOutcome = "error"
)

// Start launches the tunnel for identifier unless it is already running.
// It reports whether a tunnel was launched and survived the grace period;
// see StartTunnel.
func (s *Supervisor) Start(ctx context.Context, identifier, commandLine string) (bool, error) {
	outcome, err := s.StartTunnel(ctx, identifier, commandLine)
	return outcome == OutcomeStarted, err
}

// StartTunnel is Start with the outcome spelled out.
//
// # Description
//
// commandLine is split with POSIX shell rules (see Arguments.Build) and
// "-localIdentifier <identifier>" is appended. The first start of an
// identifier resolves the executable under TargetFilename(identifier); a
// restart of a tracked tunnel that has exited reuses that executable with
// the new command line. After launch Start waits the grace period, ending
// early if the child exits.
//
// # Outputs
//
//   - StartOutcome: OutcomeFailed exactly when the error is non-nil
//   - error: ErrEmptyIdentifier, ErrInvalidCommandLine, ErrSupervisorClosed,
//     or a *LaunchError
func (s *Supervisor) StartTunnel(ctx context.Context, identifier, commandLine string) (outcome StartOutcome, err error) {
	ctx, span := s.tracer.Start(ctx, "tunnel.Start", trace.WithAttributes(
		attribute.String("tunnel.identifier", identifier),
	))
	begin := time.Now()
	defer func() {
		s.metrics.observeStart(string(outcome), time.Since(begin))
		span.SetAttributes(attribute.String("tunnel.result", string(outcome)))
		endSpan(span, err)
	}()

	if identifier == "" {
		return OutcomeFailed, ErrEmptyIdentifier
	}
	args, err := shlex.Split(commandLine, true)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrInvalidCommandLine, err)
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	defer release()

	if s.closed.Load() {
		return OutcomeFailed, ErrSupervisorClosed
	}

	log := s.logger.With(slog.String("identifier", identifier))

	prev := s.lookup(identifier)
	if prev != nil && !prev.proc.HasExited() {
		log.Info("tunnel already running", slog.Int("pid", prev.proc.PID()))
		return OutcomeAlreadyRunning, nil
	}

	var executable string
	if prev != nil {
		executable = prev.executable
		log.Info("restarting tunnel", slog.String("executable", executable))
		s.forgetJournal(ctx, identifier, prev.proc.PID())
	} else {
		executable, err = s.resolver.Resolve(ResourceName, TargetFilename(identifier))
		if err != nil {
			return OutcomeFailed, s.launchFailure(log, identifier, "", err)
		}
		log.Info("starting tunnel", slog.String("executable", executable))
	}

	argv := append(args, IdentifierFlag, identifier)
	log.Debug("tunnel command line", slog.Any("args", logging.RedactArgs(argv)))

	proc, err := s.launcher.Launch(process.StartSpec{
		Path:   executable,
		Args:   argv,
		Hidden: !s.debugMode(),
		Stdout: s.stdout,
		Stderr: s.stderr,
	})
	if err != nil {
		return OutcomeFailed, s.launchFailure(log, identifier, executable, err)
	}
	if proc == nil {
		log.Warn("launcher returned no process")
		return OutcomeExited, nil
	}
	s.monitor(identifier, proc)
	span.SetAttributes(attribute.Int("tunnel.pid", proc.PID()))

	if proc.WaitTimeout(s.grace) {
		log.Warn("tunnel exited during grace period",
			slog.Int("pid", proc.PID()),
			slog.Int("exit_code", proc.ExitCode()),
			slog.Duration("grace_period", s.grace))
		return OutcomeExited, nil
	}

	s.regMu.Lock()
	s.registry[identifier] = &trackedTunnel{identifier: identifier, executable: executable, proc: proc}
	n := len(s.registry)
	s.regMu.Unlock()
	s.metrics.setTracked(n)

	if s.journal != nil {
		entry := journal.Entry{
			Identifier: identifier,
			PID:        proc.PID(),
			Executable: executable,
			StartedAt:  proc.Started(),
			HostPID:    os.Getpid(),
		}
		if err := s.journal.Record(ctx, entry); err != nil {
			log.Warn("journal record failed", slog.String("error", err.Error()))
		}
	}

	log.Info("tunnel started", slog.Int("pid", proc.PID()))
	return OutcomeStarted, nil
}

// Stop kills the tunnel for identifier if it is running.
//
// # Outputs
//
//   - bool: true if the tunnel was killed and exited within the stop
//     timeout, or had already exited when the kill was issued. false with a
//     nil error if it was not running.
//   - error: *StopError when the kill failed for another reason
func (s *Supervisor) Stop(ctx context.Context, identifier string) (stopped bool, err error) {
	ctx, span := s.tracer.Start(ctx, "tunnel.Stop", trace.WithAttributes(
		attribute.String("tunnel.identifier", identifier),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("tunnel.stopped", stopped))
		endSpan(span, err)
	}()

	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	return s.stopLocked(ctx, identifier)
}

// stopLocked requires the gate and the named lock.
func (s *Supervisor) stopLocked(ctx context.Context, identifier string) (bool, error) {
	t := s.lookup(identifier)
	if t == nil || t.proc.HasExited() {
		s.metrics.observeStop(stopResultNotRunning)
		return false, nil
	}

	log := s.logger.With(slog.String("identifier", identifier), slog.Int("pid", t.proc.PID()))
	log.Info("stopping tunnel")

	if err := s.kill(t.proc); err != nil {
		if !process.IsFinished(err) {
			log.Error("tunnel kill failed", slog.String("error", err.Error()))
			s.metrics.observeStop(stopResultError)
			return false, &StopError{Identifier: identifier, PID: t.proc.PID(), Err: err}
		}
		log.Debug("tunnel already exited before kill")
	}

	if !t.proc.WaitTimeout(s.stopTimeout) {
		log.Warn("tunnel still running after kill", slog.Duration("timeout", s.stopTimeout))
		s.metrics.observeStop(stopResultTimeout)
		return false, nil
	}

	s.untrack(identifier)
	s.forgetJournal(ctx, identifier, t.proc.PID())
	s.metrics.observeStop(stopResultStopped)
	log.Info("tunnel stopped")
	return true, nil
}

// Close stops every tracked tunnel and shuts the supervisor down.
//
// # Description
//
// Only the first call does any work; later calls return its result. Close
// stops each tracked identifier, clears the registry, waits for pending
// exit events to be dispatched and closes every subscription. Tunnels that
// are still alive afterwards are reported as *StopError wrapping
// ErrStopTimeout and are left in the journal for ReapOrphans.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Supervisor) shutdown() error {
	ctx, span := s.tracer.Start(context.Background(), "tunnel.Close")
	var errs []error
	defer func() {
		endSpan(span, errors.Join(errs...))
	}()

	s.gate.Lock()
	lockErr := s.lock.Lock()
	if lockErr != nil {
		errs = append(errs, fmt.Errorf("acquire named lock: %w", lockErr))
		s.logger.Warn("closing without the named lock", slog.String("error", lockErr.Error()))
	}
	s.closed.Store(true)

	for _, id := range s.identifiers() {
		stopped, err := s.stopLocked(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t := s.lookup(id)
		if t == nil {
			continue
		}
		if !stopped && !t.proc.HasExited() {
			errs = append(errs, &StopError{Identifier: id, PID: t.proc.PID(), Err: ErrStopTimeout})
			continue
		}
		s.forgetJournal(ctx, id, t.proc.PID())
	}

	s.regMu.Lock()
	s.registry = make(map[string]*trackedTunnel)
	s.regMu.Unlock()
	s.metrics.setTracked(0)

	if lockErr == nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release named lock: %w", err))
		}
	}
	s.gate.Unlock()

	// Let monitors of killed children post their events before stopping
	// the dispatcher; monitors of unkillable children are released by quit.
	monitorsDone := make(chan struct{})
	go func() {
		s.monitors.Wait()
		close(monitorsDone)
	}()
	select {
	case <-monitorsDone:
	case <-time.After(s.stopTimeout):
	}
	close(s.quit)
	<-monitorsDone
	close(s.events)
	<-s.dispatcherDone
	s.closeSubscribers()

	s.logger.Info("tunnel supervisor closed")
	return errors.Join(errs...)
}

// Tracked returns the tracked tunnels ordered by identifier. It does not
// wait for the named lock.
func (s *Supervisor) Tracked() []TunnelStatus {
	s.regMu.RLock()
	out := make([]TunnelStatus, 0, len(s.registry))
	for id, t := range s.registry {
		out = append(out, TunnelStatus{
			Identifier: id,
			PID:        t.proc.PID(),
			Alive:      !t.proc.HasExited(),
			ExitCode:   t.proc.ExitCode(),
			StartedAt:  t.proc.Started(),
			Executable: t.executable,
		})
	}
	s.regMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// IsRunning reports whether identifier is tracked and alive.
func (s *Supervisor) IsRunning(identifier string) bool {
	t := s.lookup(identifier)
	return t != nil && !t.proc.HasExited()
}

// acquire takes the gate and the named lock. The returned func releases
// both.
func (s *Supervisor) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	s.gate.Lock()
	if err := s.lock.Lock(); err != nil {
		s.gate.Unlock()
		s.logger.Error("named lock unavailable", slog.String("error", err.Error()))
		return nil, fmt.Errorf("acquire named lock: %w", err)
	}
	waited := time.Since(start)
	s.metrics.observeLockWait(waited)
	trace.SpanFromContext(ctx).AddEvent("lock acquired", trace.WithAttributes(
		attribute.Int64("lock.wait_ms", waited.Milliseconds()),
	))

	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Error("named lock release failed", slog.String("error", err.Error()))
		}
		s.gate.Unlock()
	}, nil
}

func (s *Supervisor) lookup(identifier string) *trackedTunnel {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.registry[identifier]
}

func (s *Supervisor) untrack(identifier string) {
	s.regMu.Lock()
	delete(s.registry, identifier)
	n := len(s.registry)
	s.regMu.Unlock()
	s.metrics.setTracked(n)
}

func (s *Supervisor) identifiers() []string {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	ids := make([]string, 0, len(s.registry))
	for id := range s.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// forgetJournal removes the entry of one tunnel. Entries of other tunnels
// with the same identifier, started by other hosts, are kept.
func (s *Supervisor) forgetJournal(ctx context.Context, identifier string, pid int) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Remove(ctx, identifier, pid); err != nil {
		s.logger.Warn("journal remove failed",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
	}
}

func (s *Supervisor) debugMode() bool {
	if s.settings == nil {
		return false
	}
	on, _ := s.settings.GetBool(DebugModeSetting)
	return on
}

func (s *Supervisor) launchFailure(log *slog.Logger, identifier, executable string, err error) error {
	class := classifyLaunch(err)
	switch class {
	case ErrInvalidLaunchState:
		log.Error("tunnel process is already associated with a launch", slog.String("error", err.Error()))
	case ErrExecutableNotFound:
		log.Error("tunnel executable missing or in use", slog.String("error", err.Error()))
	default:
		log.Error("tunnel launch failed", slog.String("error", err.Error()))
	}
	return &LaunchError{Identifier: identifier, Executable: executable, Class: class, Err: err}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
