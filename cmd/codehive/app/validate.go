// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/codehive/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the CodeHive configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity, rejecting unknown keys
- Backend descriptor correctness (unique names, exactly one of command/url,
  supported transports)
- Sandbox, OAuth, and selector settings after defaulting`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadAndValidateConfig()
			if err != nil {
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Root: %s", cfg.Root)
			logger.Infof("  Backends: %d configured", len(cfg.Servers))
			for _, serverCfg := range cfg.Servers {
				logger.Infof("    - %s (%s)", serverCfg.Name, serverCfg.EffectiveTransport())
			}
			logger.Infof("  Sandbox image: %s", cfg.Sandbox.Image)
			logger.Infof("  Sandbox proxy port: %d", cfg.Sandbox.ProxyPort)
			logger.Infof("  OAuth redirect port: %d", cfg.OAuth.RedirectPort)
			logger.Infof("  Selector model: %s", cfg.Selector.Model)

			return nil
		},
	}
}
