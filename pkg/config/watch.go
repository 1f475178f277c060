// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrNoFile is returned by Watch when the Source has no settings file.
var ErrNoFile = errors.New("no settings file configured")

// Watch reloads the settings file whenever it changes, until ctx is done.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are followed. onReload, if non-nil, is called
// after each reload attempt with its error.
//
// # Outputs
//
//   - error: ErrNoFile, or an error setting up the watcher. nil when ctx ends.
func (s *Source) Watch(ctx context.Context, onReload func(error)) error {
	if s.path == "" {
		return ErrNoFile
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			err := s.Reload()
			if err != nil {
				s.logger.Warn("settings reload failed", slog.String("path", s.path), slog.String("error", err.Error()))
			} else {
				s.logger.Debug("settings reloaded", slog.String("path", s.path), slog.String("op", ev.Op.String()))
			}
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		}
	}
}
