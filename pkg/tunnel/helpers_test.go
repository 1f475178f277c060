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
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bslocal/pkg/journal"
	"github.com/AleutianAI/bslocal/pkg/logging"
	"github.com/AleutianAI/bslocal/pkg/process"
)

const (
	// sleeper stays alive until killed. The shell keeps running so that
	// its argv, including the identifier flag, stays visible in procfs.
	sleeper = "sleep 30 &\nwait"

	testGrace = 300 * time.Millisecond
)

// fakeTunnel writes an executable shell script standing in for the
// tunnel binary.
func fakeTunnel(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "BrowserStackLocal")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type stubResolver struct {
	path string
	err  error

	mu      sync.Mutex
	targets []string
}

func (r *stubResolver) Resolve(name, target string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	if r.err != nil {
		return "", r.err
	}
	return r.path, nil
}

func (r *stubResolver) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type stubSettings map[string]string

func (s stubSettings) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

func (s stubSettings) GetBool(key string) (bool, bool) {
	v, ok := s[key]
	return v == "true", ok
}

func (s stubSettings) GetInt(string) (int, bool) { return 0, false }

// syncBuffer is a bytes.Buffer safe for the exec copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	sup      *Supervisor
	resolver *stubResolver
	launcher *process.MockLauncher
	journal  *journal.Store
	lock     *process.NamedLock
}

// newFixture builds a Supervisor around a fake tunnel running body. mutate
// may adjust the Config before the Supervisor is created.
func newFixture(t *testing.T, body string, mutate func(*Config)) *fixture {
	t.Helper()

	store, err := journal.Open(journal.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		resolver: &stubResolver{path: fakeTunnel(t, body)},
		launcher: &process.MockLauncher{},
		journal:  store,
		lock: process.NewNamedLock(process.NamedLockConfig{
			LockDir: t.TempDir(),
			Name:    process.MutexName,
		}),
	}
	cfg := Config{
		Resolver:    f.resolver,
		Lock:        f.lock,
		Launcher:    f.launcher,
		Journal:     store,
		Logger:      logging.Nop(),
		GracePeriod: testGrace,
		StopTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.sup, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.sup.Close() })
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
