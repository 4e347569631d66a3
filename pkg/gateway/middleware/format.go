// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// FormatConverter renders JSON text blocks as indented "key: value" lines
// when the format is text. Non-JSON text and the json format pass through.
type FormatConverter struct {
	format string
}

// NewFormatConverter creates a converter. Unknown formats are rejected.
func NewFormatConverter(format string) (*FormatConverter, error) {
	switch format {
	case "", FormatJSON:
		return &FormatConverter{format: FormatJSON}, nil
	case FormatText:
		return &FormatConverter{format: FormatText}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// Process implements ResultProcessor.
func (f *FormatConverter) Process(_ context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	if result == nil || f.format == FormatJSON {
		return result, nil
	}
	return mapText(result, func(text string) (string, error) {
		if !gjson.Valid(text) {
			return text, nil
		}
		parsed := gjson.Parse(text)
		if !isContainer(parsed) {
			return text, nil
		}
		var b strings.Builder
		renderText(&b, parsed, 0)
		return strings.TrimRight(b.String(), "\n"), nil
	})
}

func renderText(b *strings.Builder, v gjson.Result, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			if isContainer(value) && !isEmpty(value) {
				fmt.Fprintf(b, "%s%s:\n", indent, key.String())
				renderText(b, value, depth+1)
			} else {
				fmt.Fprintf(b, "%s%s: %s\n", indent, key.String(), scalar(value))
			}
			return true
		})
	case v.IsArray():
		v.ForEach(func(_, value gjson.Result) bool {
			if isContainer(value) && !isEmpty(value) {
				fmt.Fprintf(b, "%s-\n", indent)
				renderText(b, value, depth+1)
			} else {
				fmt.Fprintf(b, "%s- %s\n", indent, scalar(value))
			}
			return true
		})
	}
}

func isEmpty(v gjson.Result) bool {
	empty := true
	v.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}

func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}
