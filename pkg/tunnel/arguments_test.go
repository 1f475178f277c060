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
	"strings"
	"testing"

	"github.com/anmitsu/go-shlex"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bslocal/pkg/config"
)

func TestArguments_Build(t *testing.T) {
	tests := []struct {
		name string
		args Arguments
		want string
	}{
		{
			name: "key only",
			args: Arguments{Key: "ABC123"},
			want: "ABC123",
		},
		{
			name: "proxy host and port",
			args: Arguments{Key: "ABC123", ProxyHost: "proxy.local", ProxyPort: Port(8080)},
			want: "ABC123 -proxyHost proxy.local -proxyPort 8080",
		},
		{
			name: "every field",
			args: Arguments{
				Key:           "ABC123",
				Folder:        "/srv/site",
				ForceKill:     true,
				OnlyLocal:     true,
				ForceLocal:    true,
				OnlyAutomate:  true,
				ProxyHost:     "proxy.local",
				ProxyPort:     Port(3128),
				ProxyUser:     "bob",
				ProxyPassword: "secret",
			},
			want: "ABC123 -f /srv/site -force -only -forcelocal -onlyAutomate " +
				"-proxyHost proxy.local -proxyPort 3128 -proxyUser bob -proxyPass secret",
		},
		{
			name: "flags only",
			args: Arguments{Key: "ABC123", OnlyAutomate: true, ForceKill: true},
			want: "ABC123 -force -onlyAutomate",
		},
		{
			name: "blank optionals are unset",
			args: Arguments{Key: "ABC123", Folder: "  ", ProxyHost: "\t", ProxyUser: ""},
			want: "ABC123",
		},
		{
			name: "nil port is unset",
			args: Arguments{Key: "ABC123", ProxyHost: "proxy.local"},
			want: "ABC123 -proxyHost proxy.local",
		},
		{
			name: "zero port is emitted",
			args: Arguments{Key: "ABC123", ProxyPort: Port(0)},
			want: "ABC123 -proxyPort 0",
		},
		{
			name: "values needing quotes",
			args: Arguments{Key: "ABC123", Folder: "/tmp/my site", ProxyPassword: `a"b\c`},
			want: `ABC123 -f "/tmp/my site" -proxyPass "a\"b\\c"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.args.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArguments_MissingKey(t *testing.T) {
	optionals := []Arguments{
		{},
		{Key: "   "},
		{Key: "\t\n", Folder: "/srv"},
		{ForceKill: true, OnlyLocal: true, ForceLocal: true, OnlyAutomate: true},
		{ProxyHost: "proxy.local", ProxyPort: Port(8080), ProxyUser: "u", ProxyPassword: "p"},
	}
	for _, a := range optionals {
		_, err := a.Build()
		assert.ErrorIs(t, err, ErrMissingCredential)
		_, err = a.Tokens()
		assert.ErrorIs(t, err, ErrMissingCredential)
	}
}

func TestArguments_TokenOrder(t *testing.T) {
	full := Arguments{
		Key: "K", Folder: "F", ForceKill: true, OnlyLocal: true, ForceLocal: true, OnlyAutomate: true,
		ProxyHost: "H", ProxyPort: Port(1), ProxyUser: "U", ProxyPassword: "P",
	}
	order := []string{"-f", "-force", "-only", "-forcelocal", "-onlyAutomate",
		"-proxyHost", "-proxyPort", "-proxyUser", "-proxyPass"}

	// Dropping any subset of flags keeps the remaining ones in order.
	for mask := 0; mask < 1<<len(order); mask++ {
		a := full
		if mask&1 != 0 {
			a.Folder = ""
		}
		if mask&2 != 0 {
			a.ForceKill = false
		}
		if mask&4 != 0 {
			a.OnlyLocal = false
		}
		if mask&8 != 0 {
			a.ForceLocal = false
		}
		if mask&16 != 0 {
			a.OnlyAutomate = false
		}
		if mask&32 != 0 {
			a.ProxyHost = ""
		}
		if mask&64 != 0 {
			a.ProxyPort = nil
		}
		if mask&128 != 0 {
			a.ProxyUser = ""
		}
		if mask&256 != 0 {
			a.ProxyPassword = ""
		}

		tokens, err := a.Tokens()
		require.NoError(t, err)
		require.Equal(t, "K", tokens[0])

		last := -1
		for _, tok := range tokens[1:] {
			if !strings.HasPrefix(tok, "-") {
				continue
			}
			idx := indexOf(order, tok)
			require.GreaterOrEqual(t, idx, 0, tok)
			require.Greater(t, idx, last, "mask %b: %v", mask, tokens)
			assert.Zero(t, mask&(1<<idx), "mask %b emitted unset %s", mask, tok)
			last = idx
		}
	}
}

func TestArguments_BuildSplitsBack(t *testing.T) {
	values := []string{
		"plain",
		"with space",
		"tab\there",
		`double"quote`,
		"single'quote",
		`back\slash`,
		"#hash",
		"mixed ' \" \\ #",
		"nbsp\u00a0here",
		"pässwörd",
	}
	for _, v := range values {
		t.Run(v, func(t *testing.T) {
			a := Arguments{Key: "KEY", Folder: v, ProxyUser: v, ProxyPassword: v}
			want, err := a.Tokens()
			require.NoError(t, err)

			line, err := a.Build()
			require.NoError(t, err)
			got, err := shlex.Split(line, true)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestArguments_Validate(t *testing.T) {
	v := validator.New()
	assert.NoError(t, v.Struct(Arguments{Key: "ABC123", ProxyPort: Port(8080)}))
	assert.NoError(t, v.Struct(Arguments{Key: "ABC123"}))
	assert.Error(t, v.Struct(Arguments{}))
	assert.Error(t, v.Struct(Arguments{Key: "ABC123", ProxyPort: Port(70000)}))
	assert.Error(t, v.Struct(Arguments{Key: "ABC123", ProxyPort: Port(-1)}))
}

func TestArgumentsFromSource(t *testing.T) {
	env := map[string]string{
		"bamboo_BrowserStackKey":       "FROM-BAMBOO",
		"BrowserStackKey":              "FROM-ENV",
		"BrowserStackForceLocal":       "TRUE",
		"BrowserStackProxyPort":        "3128",
		"BrowserStackOnlyAutomate":     "maybe",
		"BrowserStackProxyPassword":    "s3cret",
		"bamboo_BrowserStackProxyHost": "proxy.ci",
	}
	src, err := config.New(config.Options{
		Defaults: map[string]string{
			"BrowserStackLocalFolder": "/srv/site",
			"BrowserStackForceKill":   "true",
			"BrowserStackProxyHost":   "proxy.default",
		},
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	require.NoError(t, err)

	got := ArgumentsFromSource(src)
	assert.Equal(t, Arguments{
		Key:           "FROM-BAMBOO",
		Folder:        "/srv/site",
		ForceKill:     true,
		ForceLocal:    true,
		ProxyHost:     "proxy.ci",
		ProxyPort:     Port(3128),
		ProxyPassword: "s3cret",
	}, got)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
