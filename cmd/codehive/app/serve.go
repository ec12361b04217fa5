// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/codehive/pkg/codehive/bindgen"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/facade"
	"github.com/stacklok/codehive/pkg/codehive/sandbox"
	"github.com/stacklok/codehive/pkg/codehive/selector"
	"github.com/stacklok/codehive/pkg/codehive/workspace"
	"github.com/stacklok/codehive/pkg/logger"
	"github.com/stacklok/codehive/pkg/versions"
)

const (
	// facadePortEnv overrides the façade HTTP port when the --port flag is
	// not set explicitly.
	facadePortEnv = "CODEHIVE_PORT"

	// sandboxShutdownTimeout bounds the deferred container teardown, which
	// runs on a fresh context because the serve context is already
	// canceled by then.
	sandboxShutdownTimeout = 30 * time.Second
)

// newServeCmd creates the serve command for starting the CodeHive façade.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CodeHive façade server",
		Long: `Start the CodeHive façade server for MCP clients.

The server reads the configuration file specified by --config, discovers the
tools of every configured backend, generates TypeScript bindings for them,
starts the execution sandbox, and then serves the four façade operations over
stdio (the default) or streamable HTTP.`,
		RunE: runServe,
	}

	cmd.Flags().String("transport", config.TransportStdio, "Transport to serve on (stdio or streamable-http)")
	cmd.Flags().String("host", "127.0.0.1", "Host to bind for the streamable HTTP transport")
	cmd.Flags().Int("port", facade.DefaultPort, "Port to bind for the streamable HTTP transport")

	return cmd
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	transport, _ := cmd.Flags().GetString("transport")
	if transport != config.TransportStdio && transport != config.TransportStreamableHTTP {
		return fmt.Errorf("unsupported transport %q, expected %q or %q",
			transport, config.TransportStdio, config.TransportStreamableHTTP)
	}

	host, _ := cmd.Flags().GetString("host")
	port, err := facadePort(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}

	// Create the workspace before anything writes under the root.
	if err := workspace.EnsureLayout(cfg.Root); err != nil {
		return err
	}
	skills, err := workspace.ListSkills(cfg.Root)
	if err != nil {
		return err
	}
	if len(skills) > 0 {
		logger.Infof("Workspace has %d skills: %s", len(skills), strings.Join(skills, ", "))
	}

	// Assemble the backend plumbing: broker, sessions, federation proxy.
	backendProxy, credBroker := newBackendProxy(cfg)
	defer credBroker.Close()
	defer func() {
		if err := backendProxy.Close(); err != nil {
			logger.Warnf("Error closing backend sessions: %v", err)
		}
	}()

	if err := backendProxy.Discover(ctx); err != nil {
		return fmt.Errorf("backend discovery failed: %w", err)
	}

	// Regenerate the TypeScript bindings so sandbox scripts see the
	// catalog that was just discovered.
	generated, err := bindgen.Generate(cfg.Root, backendProxy.Catalog().List())
	if err != nil {
		return fmt.Errorf("failed to generate tool bindings: %w", err)
	}
	logger.Infof("Generated TypeScript bindings for %d tools", generated)

	// Start the execution sandbox.
	mgr, err := sandbox.NewManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create sandbox manager: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sandboxShutdownTimeout)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	}()

	if err := mgr.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to start sandbox: %w", err)
	}

	// LLM-assisted search is optional: without an API key the façade
	// falls back to returning full candidate lists.
	var sel selector.Selector
	if claudeSel, err := selector.NewClaudeSelectorFromEnv(cfg.Selector.Model); err != nil {
		logger.Warnf("LLM tool selection disabled: %v", err)
	} else {
		sel = claudeSel
	}

	srv, err := facade.NewServer(facade.ServerConfig{
		Name:      "codehive",
		Version:   versions.GetVersionInfo().Version,
		Host:      host,
		Port:      port,
		Transport: transport,
	}, facade.New(backendProxy.Catalog(), sel, mgr))
	if err != nil {
		return fmt.Errorf("failed to create façade server: %w", err)
	}

	// Serve blocks until the signal context is canceled.
	return srv.Serve(ctx)
}

// facadePort resolves the façade HTTP port: an explicit --port flag wins,
// then the CODEHIVE_PORT environment variable, then the default.
func facadePort(cmd *cobra.Command) (int, error) {
	port, _ := cmd.Flags().GetInt("port")
	if cmd.Flags().Changed("port") {
		return port, nil
	}

	env := os.Getenv(facadePortEnv)
	if env == "" {
		return port, nil
	}

	parsed, err := strconv.Atoi(env)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", facadePortEnv, env, err)
	}
	return parsed, nil
}
