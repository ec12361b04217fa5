// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package conversion

import (
	"maps"

	"github.com/mark3labs/mcp-go/mcp"
)

// FromMCPMeta converts MCP SDK meta to a plain map for codehive wrapper types.
// Returns nil when meta is nil or empty; _meta is optional in the protocol and
// should be omitted when there is nothing to carry.
func FromMCPMeta(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}

	result := make(map[string]any)
	if meta.ProgressToken != nil {
		result["progressToken"] = meta.ProgressToken
	}
	maps.Copy(result, meta.AdditionalFields)

	if len(result) == 0 {
		return nil
	}
	return result
}

// ToMCPMeta reconstructs the MCP _meta field from a codehive meta map.
// Returns nil when the map is nil or empty.
func ToMCPMeta(meta map[string]any) *mcp.Meta {
	if len(meta) == 0 {
		return nil
	}

	result := &mcp.Meta{
		AdditionalFields: make(map[string]any),
	}
	for k, v := range meta {
		if k == "progressToken" {
			result.ProgressToken = v
		} else {
			result.AdditionalFields[k] = v
		}
	}
	return result
}
