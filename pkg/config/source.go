// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves settings by key from the environment, a settings
// file and built-in defaults.
//
// # Precedence
//
//  1. Environment variable "bamboo_<key>" (CI agents export job variables
//     with this prefix)
//  2. Environment variable "<key>"
//  3. The "settings" map of the settings file, when the value is non-empty
//  4. Defaults
//
// The settings file is YAML (.yaml, .yml) or TOML (.toml):
//
//	settings:
//	  BrowserStackKey: abc123
//	  InDebugMode: true
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is prepended to a key for the highest-precedence lookup.
const DefaultEnvPrefix = "bamboo_"

// FileKey names the default holding the settings file path, used when
// Options.File is empty.
const FileKey = "ConfigFile"

// ErrUnsupportedFormat is returned for settings files with an unknown
// extension.
var ErrUnsupportedFormat = errors.New("unsupported settings file format")

// Reader looks up settings by key.
//
// # Description
//
// The second return value is false when no layer defines the key, or, for
// typed lookups, when the value does not parse.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Reader interface {
	Get(key string) (string, bool)
	GetBool(key string) (bool, bool)
	GetInt(key string) (int, bool)
}

// Options configures a Source.
type Options struct {
	// File is the settings file. Empty means Defaults[FileKey], and no file
	// if that is empty too.
	File string

	// Defaults is the lowest-precedence layer.
	Defaults map[string]string

	// EnvPrefix overrides DefaultEnvPrefix.
	EnvPrefix string

	// LookupEnv overrides os.LookupEnv. Used by tests.
	LookupEnv func(key string) (string, bool)

	// Logger receives reload diagnostics. Default: slog.Default()
	Logger *slog.Logger
}

// Source is the layered Reader.
//
// # Thread Safety
//
// Safe for concurrent use. Reload and Watch swap the file layer atomically.
type Source struct {
	prefix    string
	lookupEnv func(string) (string, bool)
	defaults  map[string]string
	path      string
	logger    *slog.Logger

	mu       sync.RWMutex
	settings map[string]string
}

var _ Reader = (*Source)(nil)

// New creates a Source and loads the settings file, if any.
//
// # Outputs
//
//   - *Source: ready to use
//   - error: non-nil if the settings file exists but cannot be parsed. A
//     missing file is not an error.
func New(opts Options) (*Source, error) {
	s := &Source{
		prefix:    opts.EnvPrefix,
		lookupEnv: opts.LookupEnv,
		defaults:  make(map[string]string, len(opts.Defaults)),
		path:      opts.File,
		logger:    opts.Logger,
		settings:  map[string]string{},
	}
	if s.prefix == "" {
		s.prefix = DefaultEnvPrefix
	}
	if s.lookupEnv == nil {
		s.lookupEnv = os.LookupEnv
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for k, v := range opts.Defaults {
		s.defaults[k] = v
	}
	if s.path == "" {
		s.path = s.defaults[FileKey]
	}
	if s.path != "" {
		s.path = filepath.Clean(s.path)
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the settings file path, or "" when there is none.
func (s *Source) Path() string {
	return s.path
}

// Get implements Reader.
func (s *Source) Get(key string) (string, bool) {
	if v, ok := s.lookupEnv(s.prefix + key); ok {
		return v, true
	}
	if v, ok := s.lookupEnv(key); ok {
		return v, true
	}

	s.mu.RLock()
	v, ok := s.settings[key]
	s.mu.RUnlock()
	if ok && v != "" {
		return v, true
	}

	v, ok = s.defaults[key]
	return v, ok
}

// GetBool implements Reader. Only "true" and "false" are accepted, in any
// case and with surrounding whitespace.
func (s *Source) GetBool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// GetInt implements Reader.
func (s *Source) GetInt(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Reload re-reads the settings file.
//
// On error the previous settings stay in effect.
func (s *Source) Reload() error {
	settings, err := loadSettings(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

type settingsFile struct {
	Settings map[string]any `yaml:"settings" toml:"settings"`
}

func loadSettings(path string) (map[string]string, error) {
	out := map[string]string{}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read settings file %s: %w", path, err)
	}

	var file settingsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".toml":
		err = toml.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	for k, v := range file.Settings {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
