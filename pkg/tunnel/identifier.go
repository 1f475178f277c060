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
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// ResourceName is the logical name of the tunnel executable.
	ResourceName = "BrowserStackLocal"

	// IdentifierFlag is appended to every command line, followed by the
	// identifier.
	IdentifierFlag = "-localIdentifier"
)

// illegalFilenameChars are rejected in file names on at least one major
// platform. Control characters are rejected too.
const illegalFilenameChars = `<>:"/\|?*`

// NewIdentifier returns a fresh random identifier.
func NewIdentifier() string {
	return uuid.NewString()
}

// TargetFilename is the per-identifier file name the executable is
// materialized under: "BrowserStackLocal_<identifier>" with illegal
// characters removed, plus ".exe" on Windows.
func TargetFilename(identifier string) string {
	name := ResourceName + "_" + SanitizeFilename(identifier)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// SanitizeFilename removes characters that are not allowed in file names.
func SanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(illegalFilenameChars, r) {
			return -1
		}
		return r
	}, s)
}
