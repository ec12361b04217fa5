// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog maintains the federated tool catalog.
//
// Every backend tool is published under a qualified name that namespaces it
// by backend ("github__create_issue"), so tools from different backends can
// never collide. The catalog is the single source of truth for what the
// proxy serves and what the binding generator emits.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/logger"
)

// Catalog is a thread-safe registry of qualified tools.
//
// It is safe for concurrent use through RWMutex locking. Backend replacement
// and eviction are atomic: readers see either the old tool set or the new
// one, never a partial mix.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]codehive.Tool
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools: make(map[string]codehive.Tool),
	}
}

// ReplaceBackend atomically swaps all tools of one backend for the given raw
// tools. Raw names duplicated within the backend keep the first occurrence.
// Returns the number of tools published.
func (c *Catalog) ReplaceBackend(backend string, rawTools []codehive.RawTool) int {
	entries := make(map[string]codehive.Tool, len(rawTools))
	for _, raw := range rawTools {
		qualified := codehive.QualifyName(backend, raw.Name)
		if existing, ok := entries[qualified]; ok {
			logger.Warnf("Backend %s advertises tool %q more than once, keeping the first (description: %q)",
				backend, raw.Name, existing.Description)
			continue
		}
		// Tools are republished over MCP and rendered into bindings, both
		// of which need a schema. Backends that advertise none get the
		// empty object schema.
		schema := raw.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		entries[qualified] = codehive.Tool{
			Name:         qualified,
			RawName:      raw.Name,
			Backend:      backend,
			Description:  fmt.Sprintf("[%s] %s", backend, raw.Description),
			InputSchema:  schema,
			OutputSchema: raw.OutputSchema,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(backend)
	for name, tool := range entries {
		c.tools[name] = tool
	}
	return len(entries)
}

// EvictBackend removes every tool of one backend, typically after its session
// failed. Returns the number of tools removed. Evicting an unknown backend is
// a no-op.
func (c *Catalog) EvictBackend(backend string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(backend)
}

func (c *Catalog) evictLocked(backend string) int {
	removed := 0
	for name, tool := range c.tools {
		if tool.Backend == backend {
			delete(c.tools, name)
			removed++
		}
	}
	return removed
}

// Get looks up a tool by its qualified name.
func (c *Catalog) Get(qualified string) (codehive.Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[qualified]
	return tool, ok
}

// List returns all tools sorted by qualified name. The order is deterministic
// so that tools/list responses and generated bindings are stable.
func (c *Catalog) List() []codehive.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]codehive.Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ListBackend returns one backend's tools sorted by qualified name.
func (c *Catalog) ListBackend(backend string) []codehive.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var tools []codehive.Tool
	for _, tool := range c.tools {
		if tool.Backend == backend {
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Backends returns the sorted names of all backends with at least one tool.
func (c *Catalog) Backends() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tool := range c.tools {
		seen[tool.Backend] = struct{}{}
	}
	backends := make([]string, 0, len(seen))
	for backend := range seen {
		backends = append(backends, backend)
	}
	sort.Strings(backends)
	return backends
}

// Len returns the total number of cataloged tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
