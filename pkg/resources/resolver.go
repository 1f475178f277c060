// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resources turns logical resource names into executable files on
// disk.
package resources

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// ErrInvalidTarget is returned for target filenames that are empty or would
// escape the cache directory.
var ErrInvalidTarget = errors.New("invalid target filename")

// Resolver produces a path to a ready-to-execute binary.
//
// # Description
//
// name identifies the resource (for example "BrowserStackLocal") and target
// is the filename the caller wants it materialized under, so that several
// copies can run side by side.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use and for repeated calls
// with different targets.
type Resolver interface {
	Resolve(name, target string) (string, error)
}

// Extractor materializes resources from a file system into a cache
// directory.
//
// # Description
//
// The resource named N is read from the file N in Source. It is copied to
// {CacheDir}/{target} through a temporary file and an atomic rename, then
// made executable. An existing target with the same size is reused.
//
// # Example
//
//	x := resources.NewExtractor(os.DirFS("/opt/browserstack"), cacheDir, logger)
//	path, err := x.Resolve("BrowserStackLocal", "BrowserStackLocal_run1")
type Extractor struct {
	source   fs.FS
	cacheDir string
	logger   *slog.Logger

	mu sync.Mutex
}

var _ Resolver = (*Extractor)(nil)

// NewExtractor creates an Extractor. A nil logger means slog.Default().
func NewExtractor(source fs.FS, cacheDir string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{source: source, cacheDir: cacheDir, logger: logger}
}

// CacheDir returns the directory resources are extracted into.
func (x *Extractor) CacheDir() string {
	return x.cacheDir
}

// Resolve implements Resolver.
//
// # Outputs
//
//   - string: absolute path of the executable
//   - error: wraps fs.ErrNotExist when the resource is unknown,
//     ErrInvalidTarget for a bad target, or the I/O error
func (x *Extractor) Resolve(name, target string) (string, error) {
	if target == "" || target != filepath.Base(target) || target == "." || target == ".." {
		return "", fmt.Errorf("resolve %s as %q: %w", name, target, ErrInvalidTarget)
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("resolve %s: %w", name, fs.ErrInvalid)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	info, err := fs.Stat(x.source, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("resolve %s: is a directory: %w", name, fs.ErrInvalid)
	}

	dest, err := filepath.Abs(filepath.Join(x.cacheDir, target))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if existing, err := os.Stat(dest); err == nil && existing.Size() == info.Size() && existing.Mode()&0o111 != 0 {
		return dest, nil
	}

	if err := x.extract(name, dest); err != nil {
		return "", fmt.Errorf("extract %s to %s: %w", name, dest, err)
	}
	x.logger.Debug("resource extracted", slog.String("resource", name), slog.String("path", dest))
	return dest, nil
}

func (x *Extractor) extract(name, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	src, err := x.source.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+path.Base(name)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

// PathResolver resolves every resource to an executable that already exists
// on disk.
//
// # Description
//
// Paths maps a resource name to its executable. Names that are absent are
// looked up as {Dir}/{name}. The target filename is ignored: the binary is
// used in place.
type PathResolver struct {
	Dir   string
	Paths map[string]string
}

var _ Resolver = (*PathResolver)(nil)

// Resolve implements Resolver.
func (r *PathResolver) Resolve(name, _ string) (string, error) {
	p, ok := r.Paths[name]
	if !ok {
		p = filepath.Join(r.Dir, name)
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("resolve %s: %s is not executable: %w", name, p, fs.ErrPermission)
	}
	return p, nil
}
