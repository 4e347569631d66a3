// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware post-processes tool call results before they reach the
// client.
package middleware

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// ResultProcessor transforms a tool call result.
type ResultProcessor interface {
	Process(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error)
}

// ProcessorFunc adapts a function to ResultProcessor.
type ProcessorFunc func(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error)

// Process implements ResultProcessor.
func (f ProcessorFunc) Process(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	return f(ctx, result)
}

// Chain runs processors in order and stops at the first error. Nil entries
// are skipped.
func Chain(processors ...ResultProcessor) ResultProcessor {
	return ProcessorFunc(func(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		var err error
		for _, p := range processors {
			if p == nil {
				continue
			}
			if result, err = p.Process(ctx, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	})
}

// mapText returns a copy of result with fn applied to every text block.
func mapText(result *mcp.CallToolResult, fn func(string) (string, error)) (*mcp.CallToolResult, error) {
	out := *result
	out.Content = make([]mcp.Content, len(result.Content))
	for i, c := range result.Content {
		text, ok := mcp.AsTextContent(c)
		if !ok {
			out.Content[i] = c
			continue
		}
		converted, err := fn(text.Text)
		if err != nil {
			return nil, err
		}
		replaced := *text
		replaced.Text = converted
		out.Content[i] = replaced
	}
	return &out, nil
}
