// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package schema derives JSON Schemas from Go structs and binds untyped MCP
// arguments back onto them.
//
// Meta-tool inputs are declared as plain structs with json and description
// tags. GenerateSchema turns such a struct into the input schema advertised
// over MCP, and Translate binds the map[string]any arguments of an incoming
// tools/call onto the same struct. Keeping both directions on one type means
// the advertised schema cannot drift from what the handler actually reads.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// GenerateSchema reflects a JSON Schema from T's exported fields.
//
// Field names come from json tags, field documentation from description
// tags, and fields marked omitempty are optional (left out of the required
// list). Strings, integers, floats, booleans, slices, maps, and nested
// structs map to the matching schema types; anything else degrades to
// "object".
func GenerateSchema[T any]() map[string]any {
	var zero T
	return schemaForType(reflect.TypeOf(zero))
}

func schemaForType(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		return objectSchema(t)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice:
		return map[string]any{
			"type":  "array",
			"items": schemaForType(t.Elem()),
		}
	case reflect.Map, reflect.Interface:
		return map[string]any{"type": "object"}
	default:
		return map[string]any{"type": "object"}
	}
}

func objectSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any)
	var required []string

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, optional := parseJSONTag(jsonTag)
		if name == "" {
			name = field.Name
		}

		fieldSchema := schemaForType(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			fieldSchema["description"] = desc
		}
		properties[name] = fieldSchema

		if !optional {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parseJSONTag(tag string) (name string, optional bool) {
	if tag == "" {
		return "", false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, part := range parts[1:] {
		if part == "omitempty" {
			optional = true
		}
	}
	return name, optional
}

// Translate binds untyped request arguments onto T via a JSON round trip.
// MCP delivers tool arguments as map[string]any; this is the single place
// they become typed.
func Translate[T any](input any) (T, error) {
	var result T

	data, err := json.Marshal(input)
	if err != nil {
		return result, fmt.Errorf("failed to marshal input: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal to %T: %w", result, err)
	}
	return result, nil
}
