// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for CodeHive.
//
// A single YAML file describes the working root, the backend servers to
// federate, and the sandbox, OAuth, and selector settings. Loading is strict:
// unknown keys are rejected so typos fail fast instead of being ignored.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport type constants for backend server configuration.
const (
	// TransportStdio runs the backend as a child process speaking MCP over
	// stdin/stdout. Implied by the presence of "command".
	TransportStdio = "stdio"

	// TransportSSE is the Server-Sent Events transport protocol.
	TransportSSE = "sse"

	// TransportStreamableHTTP is the streamable HTTP transport protocol.
	// This is the default for URL-based backends.
	TransportStreamableHTTP = "streamable-http"
)

// RemoteTransports lists the transport types allowed for URL-based backends.
var RemoteTransports = []string{TransportSSE, TransportStreamableHTTP}

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string ("30s", "1m") instead of a nanosecond integer.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the top-level CodeHive configuration.
type Config struct {
	// Root is the working root directory. Everything CodeHive persists lives
	// under it: workspace/, workspace/skills/, .oauth/, generated/.
	// Defaults to the XDG data directory for "codehive".
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Servers are the backend MCP servers to federate.
	Servers []ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`

	// Sandbox configures the execution container.
	Sandbox *SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`

	// OAuth configures the authorization broker.
	OAuth *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	// Selector configures LLM-assisted tool search.
	Selector *SelectorConfig `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// ServerConfig describes one backend MCP server.
//
// Exactly one of Command (stdio child process) or URL (remote server) must be
// set. For remote servers, Transport selects the protocol and defaults to
// streamable HTTP.
type ServerConfig struct {
	// Name is the backend identifier. It prefixes every tool the backend
	// contributes ("name__tool"), so it must not contain "__".
	Name string `json:"name" yaml:"name"`

	// Command is the executable to spawn for stdio backends.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are passed to Command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env is extra environment for the child process, KEY=VALUE pairs.
	Env []string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the base URL for remote backends.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Transport is the remote transport protocol: "sse" or "streamable-http".
	// Ignored for stdio backends; defaults to "streamable-http".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// IsStdio reports whether this backend runs as a child process.
func (s *ServerConfig) IsStdio() bool {
	return s.Command != ""
}

// EffectiveTransport returns the transport protocol for this backend,
// applying the streamable HTTP default for remote backends.
func (s *ServerConfig) EffectiveTransport() string {
	if s.IsStdio() {
		return TransportStdio
	}
	if s.Transport == "" {
		return TransportStreamableHTTP
	}
	return s.Transport
}

// SandboxConfig configures the execution container.
type SandboxConfig struct {
	// Image is the container image tag. Built from the embedded recipe when
	// absent from the local daemon.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// ProxyPort is the port the in-container federation proxy listens on.
	// Published loopback-only on the host.
	ProxyPort int `json:"proxy_port,omitempty" yaml:"proxy_port,omitempty"`

	// ExecTimeout is the default script execution deadline, used when a
	// caller does not supply timeout_ms.
	ExecTimeout Duration `json:"exec_timeout,omitempty" yaml:"exec_timeout,omitempty"`
}

// OAuthConfig configures the authorization broker.
type OAuthConfig struct {
	// RedirectPort is the loopback port for the authorization redirect.
	// The registered redirect URI is http://localhost:<port>/callback.
	RedirectPort int `json:"redirect_port,omitempty" yaml:"redirect_port,omitempty"`

	// AwaitTimeout bounds how long a single await blocks for the
	// authorization code before reporting the flow as still pending.
	AwaitTimeout Duration `json:"await_timeout,omitempty" yaml:"await_timeout,omitempty"`
}

// SelectorConfig configures LLM-assisted tool search.
type SelectorConfig struct {
	// Model is the model used to rank candidate tools.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

// ForSandbox returns a copy of the configuration with the root rewritten for
// use inside the container, where the host root is bind-mounted at
// containerRoot. The in-container proxy loads this copy.
func (c *Config) ForSandbox(containerRoot string) *Config {
	out := &Config{
		Root:    containerRoot,
		Servers: make([]ServerConfig, len(c.Servers)),
	}
	copy(out.Servers, c.Servers)
	if c.Sandbox != nil {
		sb := *c.Sandbox
		out.Sandbox = &sb
	}
	if c.OAuth != nil {
		oa := *c.OAuth
		out.OAuth = &oa
	}
	if c.Selector != nil {
		sel := *c.Selector
		out.Selector = &sel
	}
	return out
}

// Validator validates configuration.
type Validator interface {
	// Validate checks if the configuration is valid.
	// Returns detailed validation errors.
	Validate(cfg *Config) error
}

// Loader loads configuration from a source.
type Loader interface {
	// Load loads configuration from the source.
	Load() (*Config, error)
}
