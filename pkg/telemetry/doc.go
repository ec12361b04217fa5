// Package telemetry instruments the federation proxy's HTTP surface with
// Prometheus metrics: request counts and latency by MCP method, in-flight
// requests, and per-tool call counts.
package telemetry
