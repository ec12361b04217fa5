// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/codehive/pkg/codehive"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		want    func(*testing.T, *Config)
		wantErr bool
	}{
		{
			name: "full configuration",
			yaml: `
root: /tmp/hive
servers:
  - name: github
    url: https://mcp.github.example
    transport: streamable-http
  - name: files
    command: mcp-files
    args: ["--root", "/data"]
sandbox:
  image: custom-sandbox:v2
  proxy_port: 5000
  exec_timeout: 45s
oauth:
  redirect_port: 3100
  await_timeout: 5s
selector:
  model: claude-3-5-haiku-latest
`,
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "/tmp/hive", cfg.Root)
				require.Len(t, cfg.Servers, 2)
				assert.Equal(t, "github", cfg.Servers[0].Name)
				assert.Equal(t, "https://mcp.github.example", cfg.Servers[0].URL)
				assert.Equal(t, "files", cfg.Servers[1].Name)
				assert.Equal(t, []string{"--root", "/data"}, cfg.Servers[1].Args)
				assert.Equal(t, "custom-sandbox:v2", cfg.Sandbox.Image)
				assert.Equal(t, 5000, cfg.Sandbox.ProxyPort)
				assert.Equal(t, Duration(45*time.Second), cfg.Sandbox.ExecTimeout)
				assert.Equal(t, 3100, cfg.OAuth.RedirectPort)
				assert.Equal(t, Duration(5*time.Second), cfg.OAuth.AwaitTimeout)
			},
		},
		{
			name: "minimal configuration gets defaults",
			yaml: `
servers:
  - name: github
    url: https://mcp.github.example
`,
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.NotEmpty(t, cfg.Root)
				require.NotNil(t, cfg.Sandbox)
				assert.Equal(t, defaultSandboxImage, cfg.Sandbox.Image)
				assert.Equal(t, defaultProxyPort, cfg.Sandbox.ProxyPort)
				assert.Equal(t, Duration(defaultExecTimeout), cfg.Sandbox.ExecTimeout)
				require.NotNil(t, cfg.OAuth)
				assert.Equal(t, defaultRedirectPort, cfg.OAuth.RedirectPort)
				assert.Equal(t, Duration(defaultAwaitTimeout), cfg.OAuth.AwaitTimeout)
				require.NotNil(t, cfg.Selector)
				assert.Equal(t, defaultSelectorModel, cfg.Selector.Model)
			},
		},
		{
			name: "empty file is fully defaulted",
			yaml: "",
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Empty(t, cfg.Servers)
				assert.NotNil(t, cfg.Sandbox)
			},
		},
		{
			name: "unknown keys are rejected",
			yaml: `
servers:
  - name: github
    url: https://mcp.github.example
sandbxo:
  image: typo
`,
			wantErr: true,
		},
		{
			name: "unknown nested keys are rejected",
			yaml: `
servers:
  - name: github
    url: https://mcp.github.example
    transprot: sse
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    ":\n  - ][",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.want(t, cfg)
		})
	}
}

func TestYAMLLoaderLoad(t *testing.T) {
	t.Parallel()

	t.Run("loads file from disk", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("root: /srv/hive\n"), 0o600))

		cfg, err := NewYAMLLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "/srv/hive", cfg.Root)
	})

	t.Run("missing file is an invalid-config error", func(t *testing.T) {
		t.Parallel()

		_, err := NewYAMLLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
		require.Error(t, err)
		assert.ErrorIs(t, err, codehive.ErrInvalidConfig)
	})
}

func TestEffectiveTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		server ServerConfig
		want   string
	}{
		{
			name:   "command implies stdio",
			server: ServerConfig{Name: "files", Command: "mcp-files"},
			want:   TransportStdio,
		},
		{
			name:   "url defaults to streamable http",
			server: ServerConfig{Name: "gh", URL: "https://x.example"},
			want:   TransportStreamableHTTP,
		},
		{
			name:   "explicit sse respected",
			server: ServerConfig{Name: "gh", URL: "https://x.example", Transport: TransportSSE},
			want:   TransportSSE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.server.EffectiveTransport())
		})
	}
}

func TestForSandbox(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
root: /home/user/.local/share/codehive
servers:
  - name: github
    url: https://mcp.github.example
`))
	require.NoError(t, err)

	inside := cfg.ForSandbox("/codehive")
	assert.Equal(t, "/codehive", inside.Root)
	assert.Equal(t, cfg.Servers, inside.Servers)
	assert.Equal(t, cfg.Sandbox.ProxyPort, inside.Sandbox.ProxyPort)

	// The copy must not alias the original.
	inside.Servers[0].Name = "mutated"
	assert.Equal(t, "github", cfg.Servers[0].Name)

	// And it must survive a marshal/parse round trip for the container side.
	data, err := Marshal(inside)
	require.NoError(t, err)
	reread, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "/codehive", reread.Root)
	assert.Equal(t, "github", reread.Servers[0].Name)
}

func TestDurationYAML(t *testing.T) {
	t.Parallel()

	var sb SandboxConfig
	require.NoError(t, yaml.Unmarshal([]byte(`exec_timeout: 90s`), &sb))
	assert.Equal(t, Duration(90*time.Second), sb.ExecTimeout)

	out, err := yaml.Marshal(&sb)
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m30s")

	err = yaml.Unmarshal([]byte(`exec_timeout: not-a-duration`), &sb)
	require.Error(t, err)
}
