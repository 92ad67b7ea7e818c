package mcp

import (
	"fmt"
	"strings"
)

// NoTextOutput is returned by FirstText when a result carries no text item.
const NoTextOutput = "(no text output)"

// FirstText returns the first text content item of a tool result, even when
// that item is empty.
func FirstText(result *CallToolResult) string {
	if result == nil {
		return NoTextOutput
	}
	for _, block := range result.Content {
		if block != nil && block.Type == "text" {
			return block.Text
		}
	}
	return NoTextOutput
}

// FormatContent renders every content block as one string for display.
func FormatContent(blocks []*ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		if block == nil {
			continue
		}
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s: %s]", block.Type, block.MIMEType))
		case "resource", "resource_link":
			parts = append(parts, fmt.Sprintf("[Resource: %s]", block.URI))
		default:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}

	if len(parts) == 0 {
		return "(no output)"
	}
	return strings.Join(parts, "\n")
}
