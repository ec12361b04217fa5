// Package codehive provides the core domain model for the CodeHive
// aggregation hub.
//
// CodeHive federates multiple MCP backends into a single catalog, exposes
// that catalog to agents through a compact meta-tool façade, and executes
// agent-authored scripts against generated tool bindings inside a sandboxed
// container.
//
// # Architecture
//
// This package contains the shared domain types and errors that cross
// subsystem boundaries. The subsystems themselves live in subpackages:
//
//	pkg/codehive/
//	├── types.go     // Shared domain types (Tool, RawTool, ToolCallResult, ...)
//	├── errors.go    // Domain errors
//	├── names.go     // Qualified tool-name helpers (backend__tool)
//	├── client/      // Backend connectors (stdio, SSE, streamable HTTP)
//	├── broker/      // OAuth authorization broker and credential store
//	├── catalog/     // Federated tool catalog
//	├── proxy/       // Federation proxy (full catalog surface)
//	├── facade/      // Meta-tool façade (list/get/search/execute)
//	├── selector/    // LLM-assisted tool selection
//	├── bindgen/     // Deterministic TypeScript binding generation
//	├── sandbox/     // Container lifecycle and script execution
//	├── workspace/   // Working directory and skills layout
//	└── config/      // Configuration model and validation
//
// # Core Concepts
//
// **Federation**: Every backend tool is published under a qualified name,
// "backend__tool". Dispatch splits on the first "__" only, so raw tool names
// may themselves contain the separator.
//
// **Meta-tool façade**: Agents never see the full catalog. They discover
// tools via list/get/search meta-tools and invoke them by running scripts
// through execute_script; direct calls to backend tools are refused with
// instructions pointing at the script path.
//
// **Credential brokering**: Backends that demand OAuth are driven through an
// authorization-code + PKCE flow with dynamically registered clients, and the
// resulting tokens are persisted per backend for reuse.
//
// **Sandboxing**: Scripts run inside a single managed container that sees the
// generated bindings read-only and reaches backends only through the
// federation proxy.
//
// Shared types sit at the package root to avoid circular dependencies
// between subpackages.
package codehive
