// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/proxy"
	"github.com/stacklok/codehive/pkg/logger"
	"github.com/stacklok/codehive/pkg/telemetry"
	"github.com/stacklok/codehive/pkg/versions"
)

// newProxyCmd creates the proxy command for serving the full federated
// catalog. This is the subcommand the sandbox manager launches inside the
// execution container.
func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Start the federation proxy",
		Long: `Start the federation proxy, which publishes every backend tool under its
qualified name over streamable HTTP (the default) or stdio.

The proxy performs its own backend discovery and holds its own sessions. The
HTTP transport also exposes /health, /ping, /readyz, /status, and /metrics.`,
		RunE: runProxy,
	}

	cmd.Flags().String("transport", config.TransportStreamableHTTP, "Transport to serve on (stdio or streamable-http)")
	cmd.Flags().String("host", "127.0.0.1", "Host to bind for the streamable HTTP transport")
	cmd.Flags().Int("port", proxy.DefaultPort, "Port to bind for the streamable HTTP transport")

	return cmd
}

// runProxy implements the proxy command logic.
func runProxy(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	transport, _ := cmd.Flags().GetString("transport")
	if transport != config.TransportStdio && transport != config.TransportStreamableHTTP {
		return fmt.Errorf("unsupported transport %q, expected %q or %q",
			transport, config.TransportStdio, config.TransportStreamableHTTP)
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}

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

	metrics := telemetry.NewMetrics()

	srv := proxy.NewServer(proxy.ServerConfig{
		Name:           "codehive-proxy",
		Version:        versions.GetVersionInfo().Version,
		Host:           host,
		Port:           port,
		Transport:      transport,
		MetricsHandler: metrics.Handler(),
		Middlewares:    []func(http.Handler) http.Handler{metrics.Middleware},
	}, backendProxy)

	registered, err := srv.RegisterCatalog()
	if err != nil {
		return fmt.Errorf("failed to register catalog: %w", err)
	}
	logger.Infof("Published %d tools on the federation proxy", registered)

	// Start blocks until the signal context is canceled.
	return srv.Start(ctx)
}
