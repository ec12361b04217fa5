// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bindgen turns the discovered tool catalog into typed TypeScript
// bindings for sandboxed scripts.
//
// One stub module is generated per tool, grouped into one directory per
// backend, with index modules tying the tree together and a static runtime
// module carrying the transport. Generation is deterministic: backends,
// tools, and schema properties are emitted in sorted order, so the same
// catalog always produces byte-identical output.
package bindgen

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/logger"
)

// ServersDir is where the binding tree lives relative to the workspace root.
// Scripts import from this path inside the sandbox.
const ServersDir = "generated/servers"

// RuntimeModule is the transport helper module name. The leading underscore
// keeps it apart from backend directories, which never sanitize to one.
const RuntimeModule = "_runtime.ts"

const generatedHeader = "// Code generated by codehive. DO NOT EDIT.\n\n"

//go:embed runtime.ts
var runtimeTS string

// Render produces the full binding tree as relative path -> file content.
// It never touches the filesystem; Generate handles writing.
func Render(tools []codehive.Tool) map[string][]byte {
	files := map[string][]byte{
		RuntimeModule: []byte(runtimeTS),
	}

	byBackend := make(map[string][]codehive.Tool)
	for _, tool := range tools {
		byBackend[tool.Backend] = append(byBackend[tool.Backend], tool)
	}

	backends := make([]string, 0, len(byBackend))
	for backend := range byBackend {
		backends = append(backends, backend)
	}
	sort.Strings(backends)

	usedDirs := make(map[string]bool, len(backends))
	var topIndex strings.Builder
	topIndex.WriteString(generatedHeader)

	for _, backend := range backends {
		dir := sanitizeIdentifier(backend)
		for usedDirs[dir] {
			dir += "_"
		}
		usedDirs[dir] = true

		backendTools := byBackend[backend]
		sort.Slice(backendTools, func(i, j int) bool {
			return backendTools[i].Name < backendTools[j].Name
		})

		usedStubs := make(map[string]bool, len(backendTools))
		var backendIndex strings.Builder
		backendIndex.WriteString(generatedHeader)

		for _, tool := range backendTools {
			stub := sanitizeIdentifier(tool.RawName)
			for usedStubs[stub] {
				stub += "_"
			}
			usedStubs[stub] = true

			files[filepath.Join(dir, stub+".ts")] = renderStub(tool, stub)
			fmt.Fprintf(&backendIndex, "export * from %q;\n", "./"+stub+".ts")
		}

		files[filepath.Join(dir, "index.ts")] = []byte(backendIndex.String())
		fmt.Fprintf(&topIndex, "export * as %s from %q;\n", dir, "./"+dir+"/index.ts")
	}

	files["index.ts"] = []byte(topIndex.String())
	return files
}

// renderStub emits one typed tool stub. The function signature carries the
// schema-derived types; the body hands the qualified name and untouched
// arguments to the runtime.
func renderStub(tool codehive.Tool, stub string) []byte {
	argsType := tsType(tool.InputSchema)
	param := "args: " + argsType
	if optionalArgs(tool.InputSchema, argsType) {
		param += " = {}"
	}

	resultType := "unknown"
	if tool.OutputSchema != nil {
		resultType = tsType(tool.OutputSchema)
	}

	var b strings.Builder
	b.WriteString(generatedHeader)
	b.WriteString("import { invoke } from \"../" + RuntimeModule + "\";\n\n")
	if tool.Description != "" {
		b.WriteString("/** " + commentSafe(tool.Description) + " */\n")
	}
	fmt.Fprintf(&b, "export function %s(%s): Promise<%s> {\n", stub, param, resultType)
	fmt.Fprintf(&b, "  return invoke(%q, args) as Promise<%s>;\n", tool.Name, resultType)
	b.WriteString("}\n")
	return []byte(b.String())
}

// optionalArgs reports whether the stub argument can default to {}: an
// object type with no required properties.
func optionalArgs(schema map[string]any, argsType string) bool {
	if !strings.HasPrefix(argsType, "{") && !strings.HasPrefix(argsType, "Record<") {
		return false
	}
	return len(requiredSet(schema)) == 0
}

func commentSafe(text string) string {
	text = strings.ReplaceAll(text, "*/", "*\\/")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.ReplaceAll(text, "\n", " ")
}

// Generate renders bindings for tools and writes them under
// root/generated/servers, replacing any previous tree so stale stubs from
// earlier catalogs cannot linger. It returns the number of files written.
func Generate(root string, tools []codehive.Tool) (int, error) {
	files := Render(tools)

	outDir := filepath.Join(root, filepath.FromSlash(ServersDir))
	if err := os.RemoveAll(outDir); err != nil {
		return 0, fmt.Errorf("failed to clear binding directory %s: %w", outDir, err)
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		dst := filepath.Join(outDir, path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return 0, fmt.Errorf("failed to create binding directory: %w", err)
		}
		if err := os.WriteFile(dst, files[path], 0644); err != nil {
			return 0, fmt.Errorf("failed to write binding %s: %w", path, err)
		}
	}

	logger.Infof("Generated %d binding files for %d tools in %s", len(files), len(tools), outDir)
	return len(files), nil
}
