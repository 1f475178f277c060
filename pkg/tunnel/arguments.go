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
	"strconv"
	"strings"
	"unicode"

	"github.com/AleutianAI/bslocal/pkg/config"
)

// Settings keys read by ArgumentsFromSource.
const (
	KeySetting          = "BrowserStackKey"
	FolderSetting       = "BrowserStackLocalFolder"
	ForceKillSetting    = "BrowserStackForceKill"
	OnlyLocalSetting    = "BrowserStackOnlyLocal"
	ForceLocalSetting   = "BrowserStackForceLocal"
	OnlyAutomateSetting = "BrowserStackOnlyAutomate"
	ProxyHostSetting    = "BrowserStackProxyHost"
	ProxyPortSetting    = "BrowserStackProxyPort"
	ProxyUserSetting    = "BrowserStackProxyUser"
	ProxyPassSetting    = "BrowserStackProxyPassword"

	// DebugModeSetting makes tunnel output visible.
	DebugModeSetting = "InDebugMode"
)

// Arguments are the tunnel's command-line settings.
//
// # Description
//
// Key is mandatory. Every other field is optional and contributes no
// tokens when unset. String fields count as unset when blank, but a set
// value is emitted verbatim. ProxyPort is unset when nil; any set port,
// including 0, is emitted.
//
// Tokens are always produced in this order:
//
//	<Key> [-f <Folder>] [-force] [-only] [-forcelocal] [-onlyAutomate]
//	[-proxyHost <host>] [-proxyPort <port>] [-proxyUser <user>] [-proxyPass <password>]
type Arguments struct {
	Key           string `json:"key" yaml:"key" validate:"required"`
	Folder        string `json:"folder,omitempty" yaml:"folder,omitempty"`
	ForceKill     bool   `json:"force_kill,omitempty" yaml:"force_kill,omitempty"`
	OnlyLocal     bool   `json:"only_local,omitempty" yaml:"only_local,omitempty"`
	ForceLocal    bool   `json:"force_local,omitempty" yaml:"force_local,omitempty"`
	OnlyAutomate  bool   `json:"only_automate,omitempty" yaml:"only_automate,omitempty"`
	ProxyHost     string `json:"proxy_host,omitempty" yaml:"proxy_host,omitempty"`
	ProxyPort     *int   `json:"proxy_port,omitempty" yaml:"proxy_port,omitempty" validate:"omitempty,gte=0,lte=65535"`
	ProxyUser     string `json:"proxy_user,omitempty" yaml:"proxy_user,omitempty"`
	ProxyPassword string `json:"proxy_password,omitempty" yaml:"proxy_password,omitempty"`
}

// Tokens returns the command line as separate arguments.
//
// # Outputs
//
//   - []string: arguments in the fixed order, without the identifier flag
//   - error: ErrMissingCredential if Key is blank
func (a Arguments) Tokens() ([]string, error) {
	if isBlank(a.Key) {
		return nil, ErrMissingCredential
	}

	tokens := []string{a.Key}
	if !isBlank(a.Folder) {
		tokens = append(tokens, "-f", a.Folder)
	}
	if a.ForceKill {
		tokens = append(tokens, "-force")
	}
	if a.OnlyLocal {
		tokens = append(tokens, "-only")
	}
	if a.ForceLocal {
		tokens = append(tokens, "-forcelocal")
	}
	if a.OnlyAutomate {
		tokens = append(tokens, "-onlyAutomate")
	}
	if !isBlank(a.ProxyHost) {
		tokens = append(tokens, "-proxyHost", a.ProxyHost)
	}
	if a.ProxyPort != nil {
		tokens = append(tokens, "-proxyPort", strconv.Itoa(*a.ProxyPort))
	}
	if !isBlank(a.ProxyUser) {
		tokens = append(tokens, "-proxyUser", a.ProxyUser)
	}
	if !isBlank(a.ProxyPassword) {
		tokens = append(tokens, "-proxyPass", a.ProxyPassword)
	}
	return tokens, nil
}

// Build returns the command line as one string, suitable for
// Supervisor.Start.
//
// Tokens containing whitespace, quotes, backslashes or '#' are
// double-quoted so that the string splits back into the same tokens.
//
// # Example
//
//	Arguments{Key: "ABC123", ProxyHost: "proxy.local", ProxyPort: Port(8080)}.Build()
//	// "ABC123 -proxyHost proxy.local -proxyPort 8080"
func (a Arguments) Build() (string, error) {
	tokens, err := a.Tokens()
	if err != nil {
		return "", err
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = quote(t)
	}
	return strings.Join(quoted, " "), nil
}

// ArgumentsFromSource reads Arguments from the BrowserStack* settings.
// Unparseable booleans and integers count as unset.
func ArgumentsFromSource(r config.Reader) Arguments {
	var a Arguments
	a.Key, _ = r.Get(KeySetting)
	a.Folder, _ = r.Get(FolderSetting)
	a.ForceKill, _ = r.GetBool(ForceKillSetting)
	a.OnlyLocal, _ = r.GetBool(OnlyLocalSetting)
	a.ForceLocal, _ = r.GetBool(ForceLocalSetting)
	a.OnlyAutomate, _ = r.GetBool(OnlyAutomateSetting)
	a.ProxyHost, _ = r.Get(ProxyHostSetting)
	if port, ok := r.GetInt(ProxyPortSetting); ok {
		a.ProxyPort = Port(port)
	}
	a.ProxyUser, _ = r.Get(ProxyUserSetting)
	a.ProxyPassword, _ = r.Get(ProxyPassSetting)
	return a
}

// Port returns a pointer to p for Arguments.ProxyPort.
func Port(p int) *int {
	return &p
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func needsQuoting(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(`'"\#`, r)
}

func quote(token string) string {
	if !strings.ContainsFunc(token, needsQuoting) {
		return token
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range token {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
