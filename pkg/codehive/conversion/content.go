// Package conversion provides utilities for converting between MCP SDK types
// and codehive wrapper types. It centralizes conversion logic so the client,
// proxy, and facade all agree on the wire representation.
package conversion

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/codehive/pkg/codehive"
)

// FromMCPContent converts a single MCP content item to a codehive.Content.
// Unrecognized content types come back with Type "unknown" and no data.
func FromMCPContent(content mcp.Content) codehive.Content {
	if textContent, ok := mcp.AsTextContent(content); ok {
		return codehive.Content{
			Type: "text",
			Text: textContent.Text,
		}
	}
	if imageContent, ok := mcp.AsImageContent(content); ok {
		return codehive.Content{
			Type:     "image",
			Data:     imageContent.Data,
			MimeType: imageContent.MIMEType,
		}
	}
	if audioContent, ok := mcp.AsAudioContent(content); ok {
		return codehive.Content{
			Type:     "audio",
			Data:     audioContent.Data,
			MimeType: audioContent.MIMEType,
		}
	}
	if embedded, ok := mcp.AsEmbeddedResource(content); ok {
		out := codehive.Content{Type: "resource"}
		if text, ok := mcp.AsTextResourceContents(embedded.Resource); ok {
			out.URI = text.URI
			out.MimeType = text.MIMEType
			out.Text = text.Text
		} else if blob, ok := mcp.AsBlobResourceContents(embedded.Resource); ok {
			out.URI = blob.URI
			out.MimeType = blob.MIMEType
			out.Data = blob.Blob
		}
		return out
	}
	return codehive.Content{Type: "unknown"}
}

// FromMCPContents converts an MCP content array.
func FromMCPContents(contents []mcp.Content) []codehive.Content {
	out := make([]codehive.Content, len(contents))
	for i, c := range contents {
		out[i] = FromMCPContent(c)
	}
	return out
}

// ToMCPContent converts a codehive.Content back into the MCP SDK type for
// forwarding results to clients. Unknown types become empty text content.
func ToMCPContent(content codehive.Content) mcp.Content {
	switch content.Type {
	case "text":
		return mcp.NewTextContent(content.Text)
	case "image":
		return mcp.NewImageContent(content.Data, content.MimeType)
	case "audio":
		return mcp.NewAudioContent(content.Data, content.MimeType)
	case "resource":
		if content.Data != "" {
			return mcp.NewEmbeddedResource(mcp.BlobResourceContents{
				URI:      content.URI,
				MIMEType: content.MimeType,
				Blob:     content.Data,
			})
		}
		return mcp.NewEmbeddedResource(mcp.TextResourceContents{
			URI:      content.URI,
			MIMEType: content.MimeType,
			Text:     content.Text,
		})
	default:
		return mcp.NewTextContent(content.Text)
	}
}

// ToMCPContents converts a codehive content array.
func ToMCPContents(contents []codehive.Content) []mcp.Content {
	out := make([]mcp.Content, len(contents))
	for i, c := range contents {
		out[i] = ToMCPContent(c)
	}
	return out
}

// ContentArrayToMap flattens a content array into a map so callers that want
// structured output always get one, even from text-only tools.
//
// Conversion rules:
//   - First text content: key="text"
//   - Subsequent text content: key="text_1", "text_2", etc.
//   - Image and audio content: key="image_0", "image_1", etc.
//   - Resource and unknown content are not mapped.
func ContentArrayToMap(content []codehive.Content) map[string]any {
	result := make(map[string]any)
	if len(content) == 0 {
		return result
	}

	textIndex := 0
	imageIndex := 0
	for _, item := range content {
		switch item.Type {
		case "text":
			key := "text"
			if textIndex > 0 {
				key = fmt.Sprintf("text_%d", textIndex)
			}
			result[key] = item.Text
			textIndex++
		case "image", "audio":
			result[fmt.Sprintf("image_%d", imageIndex)] = item.Data
			imageIndex++
		}
	}
	return result
}

// ToolToRaw converts an MCP tool definition into the codehive wire form.
// Schemas go through a JSON round-trip so every field the SDK serializes is
// preserved, not just the handful the typed structs expose.
func ToolToRaw(tool mcp.Tool) codehive.RawTool {
	raw := codehive.RawTool{
		Name:        tool.Name,
		Description: tool.Description,
	}

	var wire struct {
		InputSchema  map[string]any `json:"inputSchema"`
		OutputSchema map[string]any `json:"outputSchema"`
	}
	if b, err := json.Marshal(tool); err == nil && json.Unmarshal(b, &wire) == nil {
		raw.InputSchema = wire.InputSchema
		raw.OutputSchema = wire.OutputSchema
	}
	if raw.InputSchema == nil {
		raw.InputSchema = map[string]any{"type": "object"}
	}
	return raw
}
