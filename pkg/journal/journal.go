// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists which tunnel processes were launched, by whom,
// so that they can be found again from another process.
//
// # Description
//
// The journal is a BadgerDB database under a state directory. Badger holds
// an exclusive directory lock while open, so a Store opens the database for
// each operation and closes it before returning. Callers are expected to
// serialize operations with the host-wide named lock; the Store itself only
// serializes callers within one process.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "tunnel/"

// ErrNotFound is returned by Get for an unknown entry.
var ErrNotFound = errors.New("journal entry not found")

// Entry records one launched tunnel process.
type Entry struct {
	Identifier string    `json:"identifier"`
	PID        int       `json:"pid"`
	Executable string    `json:"executable"`
	StartedAt  time.Time `json:"started_at"`

	// HostPID is the supervisor process that launched the tunnel.
	HostPID int `json:"host_pid"`
}

// Config configures a Store.
type Config struct {
	// Dir is the database directory. Required unless InMemory.
	Dir string

	// InMemory keeps the database in memory for the lifetime of the Store.
	// Used by tests.
	InMemory bool

	// Logger receives Badger's internal log output. nil silences it.
	Logger *slog.Logger
}

// Store is a Badger-backed journal.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	cfg Config

	mu  sync.Mutex
	mem *badger.DB
}

// Open validates cfg and returns a Store. Persistent stores touch the disk
// only when an operation runs.
func Open(cfg Config) (*Store, error) {
	s := &Store{cfg: cfg}
	if cfg.InMemory {
		db, err := s.open()
		if err != nil {
			return nil, err
		}
		s.mem = db
		return s, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("journal directory is required")
	}
	return s, nil
}

// Close releases the in-memory database, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return nil
	}
	err := s.mem.Close()
	s.mem = nil
	return err
}

// Record stores e, replacing any entry with the same identifier and pid.
// Tunnels sharing an identifier, for example started by two hosts, keep
// separate entries.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.Identifier == "" {
		return errors.New("journal entry has no identifier")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Identifier, e.PID), data)
	})
}

// Remove deletes the entry of the tunnel pid running identifier. Other
// tunnels with the same identifier are kept. Removing an unknown entry is
// not an error.
func (s *Store) Remove(ctx context.Context, identifier string, pid int) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(entryKey(identifier, pid))
	})
}

// Get returns the entry of the tunnel pid running identifier, or
// ErrNotFound.
func (s *Store) Get(ctx context.Context, identifier string, pid int) (Entry, error) {
	var e Entry
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(identifier, pid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	return e, err
}

// List returns all entries ordered by identifier, then pid.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode journal entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Identifier != entries[j].Identifier {
			return entries[i].Identifier < entries[j].Identifier
		}
		return entries[i].PID < entries[j].PID
	})
	return entries, nil
}

// entryKey puts the pid first so that identifiers containing "/" stay
// unambiguous.
func entryKey(identifier string, pid int) []byte {
	return []byte(fmt.Sprintf("%s%d/%s", keyPrefix, pid, identifier))
}

func (s *Store) update(ctx context.Context, fn func(*badger.Txn) error) error {
	return s.with(ctx, func(db *badger.DB) error { return db.Update(fn) })
}

func (s *Store) view(ctx context.Context, fn func(*badger.Txn) error) error {
	return s.with(ctx, func(db *badger.DB) error { return db.View(fn) })
}

func (s *Store) with(ctx context.Context, fn func(*badger.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.InMemory {
		if s.mem == nil {
			return errors.New("journal is closed")
		}
		return fn(s.mem)
	}

	db, err := s.open()
	if err != nil {
		return err
	}
	return errors.Join(fn(db), db.Close())
}

func (s *Store) open() (*badger.DB, error) {
	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", s.cfg.Dir, err)
		}
		opts = badger.DefaultOptions(s.cfg.Dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", s.cfg.Dir, err)
	}
	return db, nil
}

// badgerLogger adapts slog to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
