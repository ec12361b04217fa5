// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package facade exposes the aggregated tool catalog through four
// meta-operations instead of republishing every backend tool.
//
// An agent talking to the façade sees list_tool_names, get_tool_definition,
// search_tools, and execute_script. Everything else is learned from the
// catalog and invoked from inside the sandbox via generated bindings, which
// keeps the protocol surface shown to the model small and constant no matter
// how many backends are configured.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/catalog"
	"github.com/stacklok/codehive/pkg/codehive/selector"
	"github.com/stacklok/codehive/pkg/logger"
)

const (
	// DefaultListLimit caps list_tool_names output when the caller does not
	// pass a limit.
	DefaultListLimit = 100

	// DefaultScriptTimeout is the execute_script deadline when the caller
	// does not pass timeout_ms.
	DefaultScriptTimeout = 30 * time.Second
)

// ScriptRunner executes TypeScript source in the sandbox. The sandbox
// manager provides the production implementation.
type ScriptRunner interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (*codehive.Execution, error)
}

// Facade implements the four meta-operations on top of the tool catalog.
//
// The selector and runner are optional: without a selector, search_tools
// returns the unranked candidate list; without a runner, execute_script
// reports that no sandbox is available.
type Facade struct {
	catalog  *catalog.Catalog
	selector selector.Selector
	runner   ScriptRunner
}

// New builds a façade over cat. sel and runner may be nil.
func New(cat *catalog.Catalog, sel selector.Selector, runner ScriptRunner) *Facade {
	return &Facade{catalog: cat, selector: sel, runner: runner}
}

// ListToolNamesInput are the arguments for list_tool_names.
type ListToolNamesInput struct {
	Server   string   `json:"server,omitempty" description:"Only include tools from this backend"`
	Keywords []string `json:"keywords,omitempty" description:"Keep tools whose name, description, or schema contains any of these keywords (case-insensitive)"`
	Limit    int      `json:"limit,omitempty" description:"Maximum number of names to return (default 100)"`
}

// ListToolNamesOutput is the result of list_tool_names.
type ListToolNamesOutput struct {
	ToolNames []string `json:"tool_names"`
	Total     int      `json:"total"`
	Returned  int      `json:"returned"`
	Truncated bool     `json:"truncated"`
}

// ListToolNames returns the qualified names matching the filters, sorted,
// truncated to the limit. Total counts every match before truncation.
func (f *Facade) ListToolNames(_ context.Context, in ListToolNamesInput) (*ListToolNamesOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	tools := f.filterTools(in.Server, in.Keywords)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	total := len(names)
	truncated := total > limit
	if truncated {
		names = names[:limit]
	}
	return &ListToolNamesOutput{
		ToolNames: names,
		Total:     total,
		Returned:  len(names),
		Truncated: truncated,
	}, nil
}

// GetToolDefinitionInput are the arguments for get_tool_definition.
type GetToolDefinitionInput struct {
	ToolName string `json:"tool_name" description:"Qualified tool name, e.g. github__create_issue"`
}

// ToolDefinition is the full catalog record for one tool.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// GetToolDefinition returns the full record for a qualified name.
func (f *Facade) GetToolDefinition(_ context.Context, in GetToolDefinitionInput) (*ToolDefinition, error) {
	tool, ok := f.catalog.Get(in.ToolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", codehive.ErrToolNotFound, in.ToolName)
	}
	def := toolDefinition(tool)
	return &def, nil
}

// SearchToolsInput are the arguments for search_tools.
type SearchToolsInput struct {
	Query  string `json:"query,omitempty" description:"Natural language description of the task the tool should accomplish"`
	Server string `json:"server,omitempty" description:"Only consider tools from this backend"`
	Limit  int    `json:"limit,omitempty" description:"Maximum number of tools to return"`
}

// SearchToolsOutput is the result of search_tools.
type SearchToolsOutput struct {
	Tools     []ToolDefinition `json:"tools"`
	Total     int              `json:"total"`
	Returned  int              `json:"returned"`
	Truncated bool             `json:"truncated"`
}

// SearchTools narrows the catalog to the tools relevant to a query.
//
// The selector's reply is advisory: names outside the candidate set are
// dropped, and when the selector fails the full candidate list is returned
// so a broken or unconfigured selector never hides the catalog. An empty
// reply is a real answer (no relevant tools), not a failure.
func (f *Facade) SearchTools(ctx context.Context, in SearchToolsInput) (*SearchToolsOutput, error) {
	candidates := f.filterTools(in.Server, nil)

	matched := candidates
	if f.selector != nil && in.Query != "" && len(candidates) > 0 {
		names, err := f.selector.Select(ctx, in.Query, candidates)
		if err != nil {
			logger.Warnf("Tool selection failed, returning the full candidate list: %v", err)
		} else {
			matched = intersectByName(names, candidates)
		}
	}

	total := len(matched)
	truncated := in.Limit > 0 && total > in.Limit
	if truncated {
		matched = matched[:in.Limit]
	}

	defs := make([]ToolDefinition, 0, len(matched))
	for _, tool := range matched {
		defs = append(defs, toolDefinition(tool))
	}
	return &SearchToolsOutput{
		Tools:     defs,
		Total:     total,
		Returned:  len(defs),
		Truncated: truncated,
	}, nil
}

// ExecuteScriptInput are the arguments for execute_script.
type ExecuteScriptInput struct {
	Code      string `json:"code" description:"TypeScript source to run in the sandbox"`
	TimeoutMS int    `json:"timeout_ms,omitempty" description:"Execution deadline in milliseconds (default 30000)"`
}

// ExecuteScriptOutput is the result of execute_script.
type ExecuteScriptOutput struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecuteScript runs code in the sandbox and reports the outcome. Timeouts
// are not errors: a timed-out run comes back with state "timed_out" and
// whatever output the script produced before it was killed.
func (f *Facade) ExecuteScript(ctx context.Context, in ExecuteScriptInput) (*ExecuteScriptOutput, error) {
	if f.runner == nil {
		return nil, fmt.Errorf("script execution is unavailable: no sandbox is configured")
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, fmt.Errorf("code must not be empty")
	}

	timeout := DefaultScriptTimeout
	if in.TimeoutMS > 0 {
		timeout = time.Duration(in.TimeoutMS) * time.Millisecond
	}

	exec, err := f.runner.Execute(ctx, in.Code, timeout)
	if err != nil {
		return nil, err
	}
	return &ExecuteScriptOutput{
		ID:         exec.ID,
		State:      string(exec.State),
		ExitCode:   exec.ExitCode,
		Stdout:     exec.Stdout,
		Stderr:     exec.Stderr,
		DurationMS: exec.DurationMS,
	}, nil
}

func (f *Facade) filterTools(server string, keywords []string) []codehive.Tool {
	var out []codehive.Tool
	for _, tool := range f.catalog.List() {
		if server != "" && tool.Backend != server {
			continue
		}
		if len(keywords) > 0 && !matchesAnyKeyword(tool, keywords) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func matchesAnyKeyword(tool codehive.Tool, keywords []string) bool {
	haystack := strings.ToLower(tool.Name + "\n" + tool.Description + "\n" + schemaText(tool.InputSchema))
	for _, keyword := range keywords {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

func schemaText(schema map[string]any) string {
	if len(schema) == 0 {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}

// intersectByName keeps the selector's ordering, drops names that are not in
// the candidate set, and ignores duplicates.
func intersectByName(names []string, candidates []codehive.Tool) []codehive.Tool {
	byName := make(map[string]codehive.Tool, len(candidates))
	for _, tool := range candidates {
		byName[tool.Name] = tool
	}

	out := make([]codehive.Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		tool, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		out = append(out, tool)
		seen[name] = true
	}
	return out
}

func toolDefinition(tool codehive.Tool) ToolDefinition {
	return ToolDefinition{
		Name:         tool.Name,
		Description:  tool.Description,
		InputSchema:  tool.InputSchema,
		OutputSchema: tool.OutputSchema,
	}
}
