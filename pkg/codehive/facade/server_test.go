// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package facade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/client"
	"github.com/stacklok/codehive/pkg/codehive/config"
)

func TestMetaToolFilter(t *testing.T) {
	t.Parallel()

	tools := []mcp.Tool{
		{Name: "github__create_issue"},
		{Name: ListToolNamesName},
		{Name: "jira__issue_create"},
		{Name: GetToolDefinitionName},
		{Name: SearchToolsName},
		{Name: ExecuteScriptName},
	}

	kept := metaToolFilter(context.Background(), tools)

	names := make([]string, 0, len(kept))
	for _, tool := range kept {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		ListToolNamesName, GetToolDefinitionName, SearchToolsName, ExecuteScriptName,
	}, names)
}

func startFacadeServer(t *testing.T, f *Facade) *Server {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Name:      "codehive",
		Version:   "0.1.0",
		Host:      "127.0.0.1",
		Port:      0,
		Transport: config.TransportStreamableHTTP,
	}, f)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("façade server did not shut down in time")
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("façade server did not become ready in time")
	}
	return srv
}

func openFacadeSession(t *testing.T, srv *Server) codehive.Session {
	t.Helper()

	sess := client.NewSession(config.ServerConfig{
		Name:      "facade",
		URL:       fmt.Sprintf("http://%s%s", srv.Address(), DefaultEndpointPath),
		Transport: config.TransportStreamableHTTP,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.Open(ctx))
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestFacadeServerListsOnlyMetaTools(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tools, err := sess.ListTools(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		ListToolNamesName, GetToolDefinitionName, SearchToolsName, ExecuteScriptName,
	}, names)
}

func TestFacadeServerRefusesDirectInvocation(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, "github__create_issue", map[string]any{"title": "broken"})
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	assert.Contains(t, result.Content[0].Text, "github__create_issue")
	assert.Contains(t, result.Content[0].Text, ExecuteScriptName)
}

func TestFacadeServerListToolNames(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, ListToolNamesName, map[string]any{"server": "github"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, []any{"github__create_issue", "github__list_repos"}, result.StructuredContent["tool_names"])
	assert.Equal(t, float64(2), result.StructuredContent["total"])
	assert.Equal(t, float64(2), result.StructuredContent["returned"])
	assert.Equal(t, false, result.StructuredContent["truncated"])
}

func TestFacadeServerGetToolDefinition(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, GetToolDefinitionName, map[string]any{"tool_name": "github__create_issue"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "github__create_issue", result.StructuredContent["name"])
	assert.Equal(t, "[github] Create an issue", result.StructuredContent["description"])
	inputSchema, ok := result.StructuredContent["input_schema"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, inputSchema, "properties")
}

func TestFacadeServerGetToolDefinitionUnknown(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, GetToolDefinitionName, map[string]any{"tool_name": "github__nope"})
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "tool not found")
}

func TestFacadeServerSearchTools(t *testing.T) {
	t.Parallel()

	sel := &fakeSelector{names: []string{"jira__issue_create"}}
	srv := startFacadeServer(t, New(seededCatalog(t), sel, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, SearchToolsName, map[string]any{"query": "file a bug"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	tools, ok := result.StructuredContent["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	first, ok := tools[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "jira__issue_create", first["name"])
	assert.Equal(t, "file a bug", sel.lastQuery)
}

func TestFacadeServerExecuteScript(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{exec: &codehive.Execution{
		ID:         "exec-9",
		State:      codehive.ExecutionCompleted,
		Stdout:     "done\n",
		DurationMS: 40,
	}}
	srv := startFacadeServer(t, New(seededCatalog(t), nil, runner))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, ExecuteScriptName, map[string]any{
		"code":       `console.log("done")`,
		"timeout_ms": 1000,
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "exec-9", result.StructuredContent["id"])
	assert.Equal(t, string(codehive.ExecutionCompleted), result.StructuredContent["state"])
	assert.Equal(t, "done\n", result.StructuredContent["stdout"])
	assert.Equal(t, float64(40), result.StructuredContent["duration_ms"])
	assert.Equal(t, time.Second, runner.lastTimeout)
}

func TestFacadeServerRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	srv := startFacadeServer(t, New(seededCatalog(t), nil, nil))
	sess := openFacadeSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := sess.CallTool(ctx, ListToolNamesName, map[string]any{"limit": "ten"})
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "invalid arguments")
}
