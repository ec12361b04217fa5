// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/schema"
	"github.com/stacklok/codehive/pkg/logger"
)

// Meta-operation names. These four are the only tools the façade lists.
const (
	ListToolNamesName     = "list_tool_names"
	GetToolDefinitionName = "get_tool_definition"
	SearchToolsName       = "search_tools"
	ExecuteScriptName     = "execute_script"
)

const (
	// DefaultPort is the façade port for the streamable HTTP transport.
	// 4483 represents "HIVE" on a phone keypad (4=HI, 8=V, 3=E).
	DefaultPort = 4483

	// DefaultEndpointPath is the MCP endpoint for the HTTP transport.
	DefaultEndpointPath = "/mcp"

	shutdownTimeout = 10 * time.Second
)

// Input schemas generated at package init time so any schema errors panic
// at startup rather than at call time.
var (
	listToolNamesSchema     = mustGenerateSchema[ListToolNamesInput]()
	getToolDefinitionSchema = mustGenerateSchema[GetToolDefinitionInput]()
	searchToolsSchema       = mustGenerateSchema[SearchToolsInput]()
	executeScriptSchema     = mustGenerateSchema[ExecuteScriptInput]()
)

var metaToolNames = map[string]struct{}{
	ListToolNamesName:     {},
	GetToolDefinitionName: {},
	SearchToolsName:       {},
	ExecuteScriptName:     {},
}

// NewMCPServer builds the MCP server exposing the four meta-operations.
//
// Every catalog tool is also registered, bound to a handler that refuses
// direct invocation and points the caller at execute_script. A tool filter
// keeps tools/list at exactly the meta-operations, so agents can neither
// see nor call backend tools directly through the façade.
func NewMCPServer(f *Facade, name, version string) (*server.MCPServer, error) {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithToolFilter(metaToolFilter),
	)

	mcpServer.AddTool(mcp.Tool{
		Name: ListToolNamesName,
		Description: "List the qualified names of available backend tools. " +
			"Filter by backend with server, or by keyword match over name, description, and schema.",
		RawInputSchema: listToolNamesSchema,
	}, listToolNamesHandler(f))

	mcpServer.AddTool(mcp.Tool{
		Name:           GetToolDefinitionName,
		Description:    "Get the full definition of one tool: description, input schema, and output schema.",
		RawInputSchema: getToolDefinitionSchema,
	}, getToolDefinitionHandler(f))

	mcpServer.AddTool(mcp.Tool{
		Name: SearchToolsName,
		Description: "Search for tools relevant to a task description. " +
			"Returns full tool definitions ranked by relevance.",
		RawInputSchema: searchToolsSchema,
	}, searchToolsHandler(f))

	mcpServer.AddTool(mcp.Tool{
		Name: ExecuteScriptName,
		Description: "Run a TypeScript script in the sandbox. Scripts call backend tools " +
			"through the generated bindings under generated/servers/.",
		RawInputSchema: executeScriptSchema,
	}, executeScriptHandler(f))

	for _, tool := range f.catalog.List() {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input schema for tool %s: %w", tool.Name, err)
		}
		mcpServer.AddTool(mcp.Tool{
			Name:           tool.Name,
			Description:    tool.Description,
			RawInputSchema: schemaJSON,
		}, refusalHandler(tool.Name))
	}

	return mcpServer, nil
}

// metaToolFilter hides everything but the meta-operations from tools/list.
func metaToolFilter(_ context.Context, tools []mcp.Tool) []mcp.Tool {
	kept := make([]mcp.Tool, 0, len(metaToolNames))
	for _, tool := range tools {
		if _, ok := metaToolNames[tool.Name]; ok {
			kept = append(kept, tool)
		}
	}
	return kept
}

// refusalHandler rejects direct invocation of a catalog tool. The refusal is
// in-band so the agent reads it as tool output and adjusts.
func refusalHandler(qualified string) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError(fmt.Sprintf(
			"%s cannot be called directly. Write a script that imports its generated binding "+
				"and run it with %s.", qualified, ExecuteScriptName)), nil
	}
}

func listToolNamesHandler(f *Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := schema.Translate[ListToolNamesInput](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		output, err := f.ListToolNames(ctx, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", ListToolNamesName, err)), nil
		}
		return mcp.NewToolResultStructuredOnly(output), nil
	}
}

func getToolDefinitionHandler(f *Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := schema.Translate[GetToolDefinitionInput](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		output, err := f.GetToolDefinition(ctx, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", GetToolDefinitionName, err)), nil
		}
		return mcp.NewToolResultStructuredOnly(output), nil
	}
}

func searchToolsHandler(f *Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := schema.Translate[SearchToolsInput](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		output, err := f.SearchTools(ctx, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", SearchToolsName, err)), nil
		}
		return mcp.NewToolResultStructuredOnly(output), nil
	}
}

func executeScriptHandler(f *Facade) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := schema.Translate[ExecuteScriptInput](request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		output, err := f.ExecuteScript(ctx, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", ExecuteScriptName, err)), nil
		}
		return mcp.NewToolResultStructuredOnly(output), nil
	}
}

func mustGenerateSchema[T any]() json.RawMessage {
	data, err := json.Marshal(schema.GenerateSchema[T]())
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema: %v", err))
	}
	return data
}

// ServerConfig configures the façade server.
type ServerConfig struct {
	// Name and Version identify the server during the MCP handshake.
	Name    string
	Version string

	// Host and Port bind the HTTP listener. Port 0 picks a free port.
	// Ignored for stdio.
	Host string
	Port int

	// Transport selects stdio (default) or streamable-http.
	Transport string
}

// Server serves the façade over stdio or streamable HTTP.
type Server struct {
	cfg       ServerConfig
	mcpServer *server.MCPServer

	listenerMu sync.RWMutex
	listener   net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer builds a façade server for f.
func NewServer(cfg ServerConfig, f *Facade) (*Server, error) {
	mcpServer, err := NewMCPServer(f, cfg.Name, cfg.Version)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		mcpServer: mcpServer,
		ready:     make(chan struct{}),
	}, nil
}

// Serve blocks until ctx is canceled or the transport fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.Transport == config.TransportStreamableHTTP {
		return s.serveHTTP(ctx)
	}
	return s.serveStdio()
}

// serveStdio serves MCP over stdin/stdout. ServeStdio installs its own
// signal handling and returns when the stream closes.
func (s *Server) serveStdio() error {
	logger.Info("Serving codehive façade on stdio")
	s.readyOnce.Do(func() { close(s.ready) })
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) serveHTTP(ctx context.Context) error {
	mcpHandler := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(DefaultEndpointPath),
	)

	httpServer := &http.Server{
		Handler:           mcpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving codehive façade on http://%s%s", listener.Addr(), DefaultEndpointPath)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Address returns the bound listener address, or empty before Serve.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready is closed once the server is accepting requests.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}
