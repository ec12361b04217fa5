// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
)

// Default constants for CodeHive configuration.
const (
	// defaultSandboxImage is the image tag for the execution container.
	defaultSandboxImage = "codehive-sandbox:latest"

	// defaultProxyPort is the in-container federation proxy port.
	defaultProxyPort = 4484

	// defaultExecTimeout is the script execution deadline applied when the
	// caller does not supply one.
	defaultExecTimeout = 30 * time.Second

	// defaultRedirectPort is the loopback port for OAuth redirects.
	defaultRedirectPort = 3000

	// defaultAwaitTimeout bounds a single wait for the authorization code.
	defaultAwaitTimeout = 10 * time.Second

	// defaultSelectorModel ranks candidate tools during search.
	defaultSelectorModel = "claude-3-5-haiku-latest"
)

// defaultRootGenerator generates the default working root using xdg.
// Replaceable in tests.
var defaultRootGenerator = func() string {
	return filepath.Join(xdg.DataHome, "codehive")
}

// DefaultConfig returns a fully populated Config with default values.
// This is the single source of truth for configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Root: defaultRootGenerator(),
		Sandbox: &SandboxConfig{
			Image:       defaultSandboxImage,
			ProxyPort:   defaultProxyPort,
			ExecTimeout: Duration(defaultExecTimeout),
		},
		OAuth: &OAuthConfig{
			RedirectPort: defaultRedirectPort,
			AwaitTimeout: Duration(defaultAwaitTimeout),
		},
		Selector: &SelectorConfig{
			Model: defaultSelectorModel,
		},
	}
}

// EnsureDefaults fills any missing fields with default values while
// preserving user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	defaults := DefaultConfig()

	if c.Root == "" {
		c.Root = defaults.Root
	}
	if c.Sandbox == nil {
		c.Sandbox = defaults.Sandbox
	} else {
		_ = mergo.Merge(c.Sandbox, defaults.Sandbox)
	}
	if c.OAuth == nil {
		c.OAuth = defaults.OAuth
	} else {
		_ = mergo.Merge(c.OAuth, defaults.OAuth)
	}
	if c.Selector == nil {
		c.Selector = defaults.Selector
	} else {
		_ = mergo.Merge(c.Selector, defaults.Selector)
	}
}
