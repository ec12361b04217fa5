// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client implements backend MCP sessions over stdio, SSE, and
// streamable HTTP transports, using the mark3labs/mcp-go SDK for protocol
// communication.
//
// A session is long-lived: Open dials and initializes the backend once, and
// ListTools/CallTool reuse the connection. When a remote backend answers with
// 401, the session asks the credential broker to run an OAuth flow and then
// retries the failed operation exactly once with fresh credentials.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/conversion"
	"github.com/stacklok/codehive/pkg/logger"
)

const (
	// defaultHTTPTimeout bounds individual HTTP requests to remote backends.
	// SSE event streams are exempt; a whole-request timeout would sever them.
	defaultHTTPTimeout = 30 * time.Second

	clientName    = "codehive"
	clientVersion = "0.1.0"
)

// CredentialBroker supplies OAuth credentials for remote backends.
// *broker.Broker satisfies this interface.
type CredentialBroker interface {
	// HTTPClient returns a token-carrying HTTP client for the backend, or
	// (nil, nil) when no credentials are stored yet.
	HTTPClient(ctx context.Context, backend string) (*http.Client, error)

	// Authorize runs a full OAuth flow for the backend and persists the
	// resulting tokens.
	Authorize(ctx context.Context, backend, serverURL string) error
}

// clientFactory builds a started MCP client for a backend.
// Abstracted as a field to enable testing with in-process servers.
type clientFactory func(ctx context.Context, cfg config.ServerConfig, httpClient *http.Client) (*client.Client, error)

// session implements codehive.Session for a single configured backend.
type session struct {
	cfg     config.ServerConfig
	broker  CredentialBroker
	factory clientFactory

	mu             sync.Mutex
	state          codehive.SessionState
	client         *client.Client
	toolsSupported bool
}

// NewSession creates an unopened session for a backend. The broker may be nil
// for deployments without OAuth backends; stdio backends never use it.
func NewSession(cfg config.ServerConfig, broker CredentialBroker) codehive.Session {
	return &session{
		cfg:     cfg,
		broker:  broker,
		factory: defaultClientFactory,
		state:   codehive.SessionConnecting,
	}
}

// Name implements codehive.Session.
func (s *session) Name() string {
	return s.cfg.Name
}

// State implements codehive.Session.
func (s *session) State() codehive.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state codehive.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Open implements codehive.Session. It dials the backend and performs the
// MCP initialization handshake. A 401 from a remote backend triggers one
// OAuth flow followed by one reconnect attempt.
func (s *session) Open(ctx context.Context) error {
	s.setState(codehive.SessionConnecting)

	err := s.connect(ctx)
	if err == nil {
		s.setState(codehive.SessionReady)
		return nil
	}
	if !s.canAuthorize() || !isUnauthorizedError(err) {
		s.setState(codehive.SessionFailed)
		return classify(err, s.cfg.Name, "open session")
	}

	if err := s.authorize(ctx); err != nil {
		return err
	}
	if err := s.connect(ctx); err != nil {
		s.setState(codehive.SessionFailed)
		return classify(err, s.cfg.Name, "open session")
	}
	s.setState(codehive.SessionReady)
	return nil
}

// connect builds a fresh MCP client and initializes it, replacing any
// previous connection.
func (s *session) connect(ctx context.Context) error {
	var httpClient *http.Client
	if !s.cfg.IsStdio() && s.broker != nil {
		hc, err := s.broker.HTTPClient(ctx, s.cfg.Name)
		if err != nil {
			return fmt.Errorf("loading credentials for backend %s: %w", s.cfg.Name, err)
		}
		httpClient = hc
	}

	c, err := s.factory(ctx, s.cfg, httpClient)
	if err != nil {
		return err
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.Debugf("Failed to close client for backend %s: %v", s.cfg.Name, cerr)
		}
		return err
	}

	s.mu.Lock()
	old := s.client
	s.client = c
	s.toolsSupported = result.Capabilities.Tools != nil
	s.mu.Unlock()

	if old != nil {
		if cerr := old.Close(); cerr != nil {
			logger.Debugf("Failed to close previous client for backend %s: %v", s.cfg.Name, cerr)
		}
	}

	logger.Debugw("Backend session established",
		"backend", s.cfg.Name,
		"transport", s.cfg.EffectiveTransport(),
		"server", result.ServerInfo.Name,
		"tools_supported", result.Capabilities.Tools != nil)
	return nil
}

// canAuthorize reports whether a 401 from this backend can be repaired by an
// OAuth flow. Stdio backends have no HTTP surface to authorize against.
func (s *session) canAuthorize() bool {
	return !s.cfg.IsStdio() && s.broker != nil
}

// authorize runs the broker flow, tracking session state.
func (s *session) authorize(ctx context.Context) error {
	s.setState(codehive.SessionAuthenticating)
	logger.Infof("Backend %q requires authorization, starting OAuth flow", s.cfg.Name)
	if err := s.broker.Authorize(ctx, s.cfg.Name, s.cfg.URL); err != nil {
		s.setState(codehive.SessionFailed)
		return err
	}
	return nil
}

func (s *session) currentClient() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// withAuthRetry runs fn against the live connection. When a remote backend
// rejects it with 401, the session authorizes, reconnects, and retries fn
// exactly once; any other failure is classified and returned as-is.
func (s *session) withAuthRetry(ctx context.Context, operation string, fn func(*client.Client) error) error {
	c := s.currentClient()
	if c == nil {
		return fmt.Errorf("%w: session %s is not open", codehive.ErrBackendUnavailable, s.cfg.Name)
	}

	err := fn(c)
	if err == nil {
		return nil
	}
	if !s.canAuthorize() || !isUnauthorizedError(err) {
		if isConnectionError(err) {
			s.setState(codehive.SessionFailed)
		}
		return classify(err, s.cfg.Name, operation)
	}

	if aerr := s.authorize(ctx); aerr != nil {
		return aerr
	}
	if cerr := s.connect(ctx); cerr != nil {
		s.setState(codehive.SessionFailed)
		return classify(cerr, s.cfg.Name, operation)
	}
	s.setState(codehive.SessionReady)

	if err := fn(s.currentClient()); err != nil {
		return classify(err, s.cfg.Name, operation)
	}
	return nil
}

// ListTools implements codehive.Session. Backends that do not advertise the
// tools capability yield an empty list rather than an error.
func (s *session) ListTools(ctx context.Context) ([]codehive.RawTool, error) {
	s.mu.Lock()
	supported := s.toolsSupported
	s.mu.Unlock()
	if !supported {
		logger.Debugf("Backend %s does not advertise tools capability, skipping tools query", s.cfg.Name)
		return []codehive.RawTool{}, nil
	}

	var tools []codehive.RawTool
	err := s.withAuthRetry(ctx, "list tools", func(c *client.Client) error {
		result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return err
		}
		tools = make([]codehive.RawTool, len(result.Tools))
		for i, tool := range result.Tools {
			tools[i] = conversion.ToolToRaw(tool)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool implements codehive.Session. Tool-level failures arrive in-band
// via ToolCallResult.IsError; only transport faults produce an error return.
func (s *session) CallTool(ctx context.Context, rawName string, args map[string]any) (*codehive.ToolCallResult, error) {
	var out *codehive.ToolCallResult
	err := s.withAuthRetry(ctx, fmt.Sprintf("call tool %s", rawName), func(c *client.Client) error {
		result, err := c.CallTool(ctx, mcp.CallToolRequest{
			Params: mcp.CallToolParams{
				Name:      rawName,
				Arguments: args,
			},
		})
		if err != nil {
			return err
		}
		out = convertCallResult(s.cfg.Name, rawName, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// convertCallResult maps an MCP tool result to the codehive wire form,
// synthesizing structured content from the content array when the backend
// does not provide one.
func convertCallResult(backend, toolName string, result *mcp.CallToolResult) *codehive.ToolCallResult {
	contentArray := conversion.FromMCPContents(result.Content)
	meta := conversion.FromMCPMeta(result.Meta)

	if result.IsError {
		errorMsg := "tool execution error"
		if len(contentArray) > 0 && contentArray[0].Text != "" {
			errorMsg = contentArray[0].Text
		}
		logger.Warnf("Tool %s on backend %s returned IsError=true: %s", toolName, backend, errorMsg)
	}

	var structured map[string]any
	if result.StructuredContent != nil {
		if m, ok := result.StructuredContent.(map[string]any); ok {
			structured = m
		} else {
			logger.Debugf("StructuredContent from tool %s on backend %s is not an object, falling back to content",
				toolName, backend)
		}
	}
	if structured == nil {
		structured = conversion.ContentArrayToMap(contentArray)
	}

	return &codehive.ToolCallResult{
		Content:           contentArray,
		StructuredContent: structured,
		IsError:           result.IsError,
		Meta:              meta,
	}
}

// Close implements codehive.Session. Closing an unopened or already-closed
// session is a no-op.
func (s *session) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// defaultClientFactory builds and starts mark3labs MCP clients for the three
// supported transports. The stdio constructor starts its subprocess itself;
// remote transports need an explicit Start.
func defaultClientFactory(ctx context.Context, cfg config.ServerConfig, httpClient *http.Client) (*client.Client, error) {
	switch cfg.EffectiveTransport() {
	case config.TransportStdio:
		c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start stdio backend %s: %w", cfg.Name, err)
		}
		return c, nil

	case config.TransportSSE:
		var opts []transport.ClientOption
		if httpClient != nil {
			opts = append(opts, transport.WithHTTPClient(httpClient))
		}
		c, err := client.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client for backend %s: %w", cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to SSE backend %s: %w", cfg.Name, err)
		}
		return c, nil

	case config.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if httpClient != nil {
			httpClient.Timeout = defaultHTTPTimeout
			opts = append(opts, transport.WithHTTPBasicClient(httpClient))
		} else {
			opts = append(opts, transport.WithHTTPTimeout(defaultHTTPTimeout))
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http client for backend %s: %w", cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to streamable-http backend %s: %w", cfg.Name, err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unsupported transport %q for backend %s",
			codehive.ErrInvalidConfig, cfg.Transport, cfg.Name)
	}
}
