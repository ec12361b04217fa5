// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the codehive command-line
// application.
package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/broker"
	"github.com/stacklok/codehive/pkg/codehive/client"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/proxy"
	"github.com/stacklok/codehive/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "codehive",
	DisableAutoGenTag: true,
	Short:             "CodeHive - Federate MCP servers behind a code-execution façade",
	Long: `CodeHive aggregates multiple MCP (Model Context Protocol) servers into a
single endpoint and lets agents drive them with TypeScript instead of
one tool call at a time. It provides:

- A four-operation façade: list_tool_names, get_tool_definition,
  search_tools, and execute_script
- Tool federation across stdio, SSE, and streamable HTTP backends under
  qualified names
- An OAuth 2.0 broker with dynamic client registration and PKCE for
  backends that demand authorization
- Deterministic TypeScript bindings generated for every discovered tool
- A container sandbox (Docker or Podman) that runs agent scripts against
  the federated catalog`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the codehive CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to CodeHive configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProxyCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadAndValidateConfig reads the file named by the persistent --config flag
// and runs it through the validator. Defaults are already applied by the
// loader.
func loadAndValidateConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)

	loader := config.NewYAMLLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}

	validator := config.NewValidator()
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// newBackendProxy assembles the OAuth broker and one session per configured
// backend, and wraps them in a federation proxy. The caller owns both
// returned values and must Close them.
func newBackendProxy(cfg *config.Config) (*proxy.Proxy, *broker.Broker) {
	store := broker.NewStore(cfg.Root)
	brk := broker.New(store, cfg.OAuth.RedirectPort, time.Duration(cfg.OAuth.AwaitTimeout))

	sessions := make([]codehive.Session, 0, len(cfg.Servers))
	for _, serverCfg := range cfg.Servers {
		sessions = append(sessions, client.NewSession(serverCfg, brk))
	}

	return proxy.New(sessions), brk
}
