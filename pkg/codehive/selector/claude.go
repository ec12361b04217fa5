// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stacklok/codehive/pkg/codehive"
)

const (
	// DefaultModel is the Claude model used when none is configured. Haiku
	// keeps search_tools latency low; relevance ranking does not need a
	// frontier model.
	DefaultModel = "claude-3-5-haiku-latest"

	// maxSelectionTokens bounds the reply. A JSON array of qualified tool
	// names fits comfortably.
	maxSelectionTokens = 1024
)

const systemPrompt = `You select tools for a coding agent. The user provides a task ` +
	`description followed by a catalog of available tools, one per line as ` +
	`"name: description". Reply with a JSON array of the tool names relevant ` +
	`to the task, most relevant first. Use only names from the catalog. Reply ` +
	`with the JSON array and nothing else.`

// MessagesClient is the subset of the Anthropic SDK used by ClaudeSelector.
// *anthropic.MessageService satisfies it; tests substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// ClaudeSelector ranks tools by asking a Claude model which catalog entries
// match the query.
type ClaudeSelector struct {
	messages MessagesClient
	model    string
}

// NewClaudeSelector builds a selector on an existing messages client. An
// empty model selects DefaultModel.
func NewClaudeSelector(messages MessagesClient, model string) *ClaudeSelector {
	if model == "" {
		model = DefaultModel
	}
	return &ClaudeSelector{messages: messages, model: model}
}

// NewClaudeSelectorFromEnv builds a selector authenticated with the
// ANTHROPIC_API_KEY environment variable.
func NewClaudeSelectorFromEnv(model string) (*ClaudeSelector, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewClaudeSelector(&client.Messages, model), nil
}

// Select asks the model for the qualified names relevant to query. The reply
// must be a JSON string array; anything else is an error so the caller can
// fall back to the unfiltered candidate list.
func (s *ClaudeSelector) Select(ctx context.Context, query string, candidates []codehive.Tool) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	resp, err := s.messages.New(ctx, anthropic.MessageNewParams{
		MaxTokens: maxSelectionTokens,
		Model:     anthropic.Model(s.model),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(selectionPrompt(query, candidates))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool selection request failed: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	names, err := parseNameArray(reply.String())
	if err != nil {
		return nil, err
	}
	return names, nil
}

func selectionPrompt(query string, candidates []codehive.Tool) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(query)
	b.WriteString("\n\nAvailable tools:\n")
	for _, tool := range candidates {
		b.WriteString(tool.Name)
		b.WriteString(": ")
		b.WriteString(tool.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// parseNameArray extracts a JSON string array from a model reply, tolerating
// surrounding prose and markdown code fences.
func parseNameArray(reply string) ([]string, error) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return nil, fmt.Errorf("empty selection reply")
	}

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("selection reply contains no JSON array")
	}

	var names []string
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &names); err != nil {
		return nil, fmt.Errorf("failed to parse selection reply: %w", err)
	}
	return names, nil
}
