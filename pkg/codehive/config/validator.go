package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stacklok/codehive/pkg/codehive"
)

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate performs comprehensive validation of the configuration.
// Violations are collected so a single run reports every problem.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", codehive.ErrInvalidConfig)
	}

	var errs []string

	if cfg.Root == "" {
		errs = append(errs, "root is required")
	}

	if err := v.validateServers(cfg.Servers); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateSandbox(cfg.Sandbox); err != nil {
		errs = append(errs, err.Error())
	}

	if err := v.validateOAuth(cfg.OAuth); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", codehive.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func (v *DefaultValidator) validateServers(servers []ServerConfig) error {
	seen := make(map[string]bool, len(servers))
	for i := range servers {
		s := &servers[i]
		if err := codehive.ValidateBackendName(s.Name); err != nil {
			return fmt.Errorf("servers[%d]: %s", i, trimSentinel(err))
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate backend name %q", i, s.Name)
		}
		seen[s.Name] = true

		if err := v.validateServerTransport(s); err != nil {
			return fmt.Errorf("servers[%d] (%s): %w", i, s.Name, err)
		}
	}
	return nil
}

func (*DefaultValidator) validateServerTransport(s *ServerConfig) error {
	hasCommand := s.Command != ""
	hasURL := s.URL != ""

	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("command and url are mutually exclusive")
	case !hasCommand && !hasURL:
		return fmt.Errorf("one of command or url is required")
	case hasCommand:
		if s.Transport != "" && s.Transport != TransportStdio {
			return fmt.Errorf("transport %q conflicts with command (stdio implied)", s.Transport)
		}
	default:
		if _, err := url.Parse(s.URL); err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("url must start with http:// or https://")
		}
		if s.Transport != "" && !contains(RemoteTransports, s.Transport) {
			return fmt.Errorf("transport must be one of: %s", strings.Join(RemoteTransports, ", "))
		}
		if len(s.Args) > 0 {
			return fmt.Errorf("args only apply to command backends")
		}
	}
	return nil
}

func (*DefaultValidator) validateSandbox(sb *SandboxConfig) error {
	if sb == nil {
		return fmt.Errorf("sandbox configuration is required (apply defaults before validating)")
	}
	if sb.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if sb.ProxyPort < 1 || sb.ProxyPort > 65535 {
		return fmt.Errorf("sandbox.proxy_port must be in 1-65535, got %d", sb.ProxyPort)
	}
	if sb.ExecTimeout <= 0 {
		return fmt.Errorf("sandbox.exec_timeout must be positive")
	}
	return nil
}

func (*DefaultValidator) validateOAuth(oa *OAuthConfig) error {
	if oa == nil {
		return fmt.Errorf("oauth configuration is required (apply defaults before validating)")
	}
	if oa.RedirectPort < 1 || oa.RedirectPort > 65535 {
		return fmt.Errorf("oauth.redirect_port must be in 1-65535, got %d", oa.RedirectPort)
	}
	if oa.AwaitTimeout <= 0 {
		return fmt.Errorf("oauth.await_timeout must be positive")
	}
	return nil
}

// trimSentinel strips the sentinel prefix from a wrapped error message so
// per-field messages compose without repeating "invalid configuration:".
func trimSentinel(err error) string {
	msg := err.Error()
	prefix := codehive.ErrInvalidConfig.Error() + ": "
	return strings.TrimPrefix(msg, prefix)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
