// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codehive

import (
	"context"
	"time"
)

// This file contains shared domain types used across multiple codehive
// subpackages. They are deliberately transport-agnostic: the MCP wire types
// stay inside the client and proxy packages.

// SessionState represents the lifecycle state of a backend session.
type SessionState string

const (
	// SessionConnecting indicates the transport is being established and the
	// MCP handshake has not completed yet.
	SessionConnecting SessionState = "connecting"

	// SessionReady indicates the handshake completed and the backend is
	// accepting tool calls.
	SessionReady SessionState = "ready"

	// SessionAuthenticating indicates the backend rejected the connection as
	// unauthorized and an OAuth flow is in progress.
	SessionAuthenticating SessionState = "authenticating"

	// SessionFailed indicates the session is unusable. Tools from a failed
	// backend are evicted from the catalog until reconnection.
	SessionFailed SessionState = "failed"
)

// RawTool is a tool exactly as advertised by a backend, before namespacing.
type RawTool struct {
	// Name is the tool name as the backend knows it. It may itself contain
	// the qualified-name separator.
	Name string

	// Description describes what the tool does. May be empty.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output (optional).
	OutputSchema map[string]any
}

// Tool is a catalog entry: a backend tool published under its qualified name.
type Tool struct {
	// Name is the qualified name, "backend__tool". Unique across the catalog.
	Name string

	// RawName is the original tool name the backend expects on dispatch.
	RawName string

	// Backend is the configured name of the providing backend.
	Backend string

	// Description is the backend's description prefixed with the backend
	// marker, e.g. "[github] Create an issue".
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// OutputSchema is the JSON Schema for tool output (optional).
	OutputSchema map[string]any
}

// Content represents MCP content (text, image, audio, embedded resource)
// returned by a backend tool call.
type Content struct {
	// Type indicates the content type: "text", "image", "audio", "resource".
	Type string

	// Text is the content text (for text content).
	Text string

	// Data is the base64-encoded payload (for image/audio content).
	Data string

	// MimeType is the MIME type (for image/audio content).
	MimeType string

	// URI is the resource URI (for embedded resources).
	URI string
}

// ToolCallResult wraps a backend tool response.
// Backend-reported failures travel in-band via IsError; a non-nil error from
// a dispatch means the transport itself failed.
type ToolCallResult struct {
	// Content is the ordered content items returned by the backend.
	Content []Content

	// StructuredContent is the backend's structured output, when provided.
	StructuredContent map[string]any

	// IsError indicates the backend executed the tool and reported failure.
	IsError bool

	// Meta carries protocol-level metadata from the backend (_meta field).
	// Optional, may be nil.
	Meta map[string]any
}

// ExecutionState represents the terminal or in-flight state of a sandboxed
// script execution.
type ExecutionState string

const (
	// ExecutionPending indicates the execution has been accepted but not
	// started (e.g. queued behind the sandbox mutex).
	ExecutionPending ExecutionState = "pending"

	// ExecutionRunning indicates the script is executing in the sandbox.
	ExecutionRunning ExecutionState = "running"

	// ExecutionCompleted indicates the script ran to completion. The exit
	// code may still be non-zero.
	ExecutionCompleted ExecutionState = "completed"

	// ExecutionTimedOut indicates the script was killed at its deadline.
	// Partial output captured before the kill is preserved.
	ExecutionTimedOut ExecutionState = "timed_out"

	// ExecutionFailed indicates the sandbox could not run the script at all.
	ExecutionFailed ExecutionState = "failed"
)

// Execution describes a single sandboxed script run.
type Execution struct {
	// ID uniquely identifies the execution.
	ID string `json:"id"`

	// Code is the script source as submitted.
	Code string `json:"-"`

	// TimeoutMS is the effective execution deadline in milliseconds.
	TimeoutMS int `json:"timeout_ms"`

	// StartedAt is when the script process was launched.
	StartedAt time.Time `json:"started_at"`

	// Stdout and Stderr are the captured streams. On timeout they hold
	// whatever the script produced before it was killed.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// ExitCode is the script's exit code. Negative when no code is
	// available (e.g. the process was killed before exiting).
	ExitCode int `json:"exit_code"`

	// State is the terminal state of the run.
	State ExecutionState `json:"state"`

	// DurationMS is the observed wall-clock duration in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}

// Session abstracts a live connection to one backend MCP server.
// client.NewSession provides the production implementation; the proxy and
// façade depend on this interface so tests can substitute fakes.
type Session interface {
	// Name returns the configured backend name.
	Name() string

	// State returns the current session state.
	State() SessionState

	// Open establishes the transport and performs the MCP handshake.
	// Backends that reject the connection as unauthorized are brokered
	// through OAuth and retried exactly once.
	Open(ctx context.Context) error

	// ListTools fetches the backend's advertised tools.
	ListTools(ctx context.Context) ([]RawTool, error)

	// CallTool invokes a tool by its raw (unqualified) name.
	// Backend-reported failures are returned in-band on the result;
	// a non-nil error indicates a transport fault.
	CallTool(ctx context.Context, rawName string, args map[string]any) (*ToolCallResult, error)

	// Close tears down the transport. Safe to call on a failed session.
	Close() error
}
