// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/conversion"
	"github.com/stacklok/codehive/pkg/logger"
)

const (
	// DefaultPort is the default proxy listen port.
	// 4484 follows 4483 ("HIVE" on a phone keypad), which belongs to the
	// aggregator frontend.
	DefaultPort = 4484

	// DefaultEndpointPath is the default MCP endpoint path.
	DefaultEndpointPath = "/mcp"

	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxHeaderBytes    = 1 << 20 // 1 MB
	defaultShutdownTimeout   = 10 * time.Second
)

// ServerConfig configures the proxy's serving surface.
type ServerConfig struct {
	// Name is the MCP server name reported during initialize.
	Name string

	// Version is the MCP server version reported during initialize.
	Version string

	// Host is the address to bind to.
	Host string

	// Port is the port to bind to. Port 0 binds a random available port.
	Port int

	// EndpointPath is the MCP endpoint path. Defaults to "/mcp".
	EndpointPath string

	// Transport selects how the server is exposed: config.TransportStdio
	// or config.TransportStreamableHTTP (the default).
	Transport string

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	// Middlewares wrap the MCP endpoint handler, outermost first. Health
	// and metrics endpoints are not wrapped.
	Middlewares []func(http.Handler) http.Handler
}

// Server serves the federated catalog over MCP, with health and metrics
// endpoints alongside the streamable HTTP transport.
type Server struct {
	cfg       ServerConfig
	proxy     *Proxy
	mcpServer *server.MCPServer

	httpServer *http.Server
	listenerMu sync.RWMutex
	listener   net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a proxy server. Tools are not published until
// RegisterCatalog is called.
func NewServer(cfg ServerConfig, p *Proxy) *Server {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}

	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	return &Server{
		cfg:       cfg,
		proxy:     p,
		mcpServer: mcpServer,
		ready:     make(chan struct{}),
	}
}

// RegisterCatalog publishes every cataloged tool on the MCP server under its
// qualified name. Call it after Discover so tools/list reflects the full
// federated catalog. Returns the number of tools registered.
func (s *Server) RegisterCatalog() (int, error) {
	tools := s.proxy.Catalog().List()
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal input schema for tool %s: %w", tool.Name, err)
		}

		s.mcpServer.AddTool(mcp.Tool{
			Name:           tool.Name,
			Description:    tool.Description,
			RawInputSchema: schemaJSON,
		}, s.toolHandler(tool.Name))
	}
	return len(tools), nil
}

// toolHandler adapts proxy dispatch to the SDK handler contract. Dispatch
// failures are reported in-band so MCP clients always receive a tool result
// rather than a protocol error.
func (s *Server) toolHandler(qualified string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := req.Params.Arguments.(map[string]any)
		if !ok {
			args = map[string]any{}
		}

		result, err := s.proxy.Dispatch(ctx, qualified, args)
		if err != nil {
			return dispatchErrorResult(err), nil
		}

		return &mcp.CallToolResult{
			Result: mcp.Result{
				Meta: conversion.ToMCPMeta(result.Meta),
			},
			Content:           conversion.ToMCPContents(result.Content),
			StructuredContent: result.StructuredContent,
			IsError:           result.IsError,
		}, nil
	}
}

// dispatchErrorResult converts a dispatch error into an in-band tool result.
func dispatchErrorResult(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, codehive.ErrToolNotFound):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, codehive.ErrBackendUnavailable),
		errors.Is(err, codehive.ErrBackendUnreachable),
		errors.Is(err, codehive.ErrBackendNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("Backend unavailable: %v", err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Tool call failed: %v", err))
	}
}

// Start serves MCP requests until the context is cancelled or the server
// fails. In stdio mode it blocks until the client disconnects.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Transport == config.TransportStdio {
		return s.serveStdio()
	}
	return s.serveHTTP(ctx)
}

func (s *Server) serveStdio() error {
	logger.Infof("Starting %s on stdio", s.cfg.Name)
	s.readyOnce.Do(func() { close(s.ready) })

	// ServeStdio installs its own signal handling and returns when the
	// client disconnects.
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) serveHTTP(ctx context.Context) error {
	// Stateless mode lets clients (including generated bindings inside the
	// sandbox) POST tools/call without holding an MCP session.
	streamableServer := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(s.cfg.EndpointPath),
		server.WithStateLess(true),
	)

	var mcpHandler http.Handler = streamableServer
	for i := len(s.cfg.Middlewares) - 1; i >= 0; i-- {
		mcpHandler = s.cfg.Middlewares[i](mcpHandler)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	// Unauthenticated health endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handleHealth)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/status", s.handleStatus)

	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	r.Handle(s.cfg.EndpointPath, mcpHandler)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	// Create the listener ourselves so port 0 binds a random available
	// port and Address() can report it.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("Starting %s at %s%s", s.cfg.Name, listener.Addr(), s.cfg.EndpointPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down proxy server")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully shuts down the HTTP server and closes all backend
// sessions. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping proxy server")

	var errs []error

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	// The listener is closed by Shutdown.
	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	if err := s.proxy.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backend sessions: %w", err))
	}

	return errors.Join(errs...)
}

// Address returns the actual listen address. With port 0 this reports the
// bound port once the server has started.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Ready returns a channel that is closed once the server accepts
// connections. Useful for tests and for sequencing dependent components.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// handleHealth handles /health and /ping requests. It only confirms the
// HTTP server is responding; no operational details are exposed.
func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := map[string]string{
		"status": "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}

// handleReadiness handles /readyz requests. The proxy has no caches to
// sync: once it serves HTTP it is ready.
func (*Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	response := map[string]string{
		"status": "ready",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode readiness response: %v", err)
	}
}

// StatusResponse reports the proxy's federation state.
type StatusResponse struct {
	// Status is always "running" while the server responds.
	Status string `json:"status"`

	// Backends lists backends with at least one cataloged tool.
	Backends []string `json:"backends"`

	// Tools is the total number of cataloged tools.
	Tools int `json:"tools"`
}

// handleStatus handles /status requests with a summary of the catalog.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	response := StatusResponse{
		Status:   "running",
		Backends: s.proxy.Catalog().Backends(),
		Tools:    s.proxy.Catalog().Len(),
	}

	// Encode before writing headers so a marshal failure can still return
	// an error status.
	data, err := json.Marshal(response)
	if err != nil {
		logger.Errorf("Failed to encode status response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Errorf("Failed to write status response: %v", err)
	}
}
