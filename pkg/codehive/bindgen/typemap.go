// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bindgen

import (
	"sort"
	"strconv"
	"strings"
)

// tsType maps a JSON Schema fragment to a TypeScript type expression.
//
// Objects become inline record types with properties in sorted order,
// optional unless listed in required. String enums become literal unions.
// Anything unrecognized degrades to unknown rather than failing generation.
func tsType(schema map[string]any) string {
	if len(schema) == 0 {
		return "unknown"
	}

	if lits, ok := stringEnum(schema); ok {
		return strings.Join(lits, " | ")
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "string":
		return "string"
	case "boolean":
		return "boolean"
	case "number", "integer":
		return "number"
	case "null":
		return "null"
	case "array":
		item := "unknown"
		if items, ok := schema["items"].(map[string]any); ok {
			item = tsType(items)
		}
		if strings.ContainsAny(item, " |") {
			return "(" + item + ")[]"
		}
		return item + "[]"
	case "object":
		return objectType(schema)
	default:
		return "unknown"
	}
}

func objectType(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return "Record<string, unknown>"
	}

	required := requiredSet(schema)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]string, 0, len(names))
	for _, name := range names {
		sub, _ := props[name].(map[string]any)
		marker := "?"
		if required[name] {
			marker = ""
		}
		fields = append(fields, propertyKey(name)+marker+": "+tsType(sub))
	}
	return "{ " + strings.Join(fields, "; ") + " }"
}

func requiredSet(schema map[string]any) map[string]bool {
	required := make(map[string]bool)
	list, _ := schema["required"].([]any)
	for _, entry := range list {
		if name, ok := entry.(string); ok {
			required[name] = true
		}
	}
	return required
}

func stringEnum(schema map[string]any) ([]string, bool) {
	values, ok := schema["enum"].([]any)
	if !ok || len(values) == 0 {
		return nil, false
	}
	lits := make([]string, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		lits = append(lits, strconv.Quote(s))
	}
	return lits, true
}

// propertyKey renders a schema property name as an object-type key. Names
// that are not valid identifiers are quoted rather than rewritten so that
// scripts send the exact keys the backend expects.
func propertyKey(name string) string {
	if isIdentifier(name) {
		return name
	}
	return strconv.Quote(name)
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '$':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// sanitizeIdentifier rewrites a backend or tool name into a safe TypeScript
// identifier: runes outside [A-Za-z0-9_] become underscores and a leading
// digit gets an underscore prefix.
func sanitizeIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}
