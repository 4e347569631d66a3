// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Meta-tool names.
const (
	SearchToolsName   = "search_tools"
	DescribeToolsName = "describe_tools"
	ExecuteToolName   = "execute_tool"
)

// MetaTools returns the tool definitions exposed in dynamic mode.
func MetaTools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(SearchToolsName,
			mcp.WithDescription("Search the available tools by name and description. "+
				"Returns the best matching tool names, most relevant first."),
			mcp.WithString("query", mcp.Required(),
				mcp.Description("Words describing the tool you need")),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum number of results (default %d)", DefaultSearchLimit))),
		),
		mcp.NewTool(DescribeToolsName,
			mcp.WithDescription("Return the description and input schema of each named tool, in request order."),
			mcp.WithArray("toolNames", mcp.Required(),
				mcp.Description("Tool names returned by search_tools"),
				mcp.WithStringItems()),
		),
		mcp.NewTool(ExecuteToolName,
			mcp.WithDescription("Execute a tool by name with the given arguments."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Tool name")),
			mcp.WithObject("arguments", mcp.Description("Arguments matching the tool's input schema")),
		),
	}
}

func completeMetaTools(defs []mcp.Tool) bool {
	have := make(map[string]bool, len(defs))
	for _, d := range defs {
		have[d.Name] = true
	}
	return have[SearchToolsName] && have[DescribeToolsName] && have[ExecuteToolName]
}

// SearchResult is an entry of a search_tools response.
type SearchResult struct {
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
}

// Description is an entry of a describe_tools response. Unknown tools have
// a nil description and an empty input schema.
type Description struct {
	ToolName    string          `json:"toolName"`
	Description *string         `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Found       bool            `json:"found"`
}

func (c *Catalog) callMetaTool(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	switch call.Name {
	case SearchToolsName:
		return c.searchTools(ctx, call)
	case DescribeToolsName:
		return c.describeTools(ctx, call)
	case ExecuteToolName:
		return c.executeTool(ctx, call)
	default:
		return nil, gwerrors.NewNotFound(fmt.Sprintf("tool %q not found", call.Name))
	}
}

func (c *Catalog) searchTools(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	query, _ := call.Arguments["query"].(string)
	limit := c.cfg.SearchLimit
	if v, ok := call.Arguments["limit"].(float64); ok && v >= 1 {
		limit = int(v)
	}

	results, err := c.Search(ctx, call.ResourceID, call.UserID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(results))
	for i, t := range results {
		out[i] = SearchResult{ToolName: t.Name, Description: t.Description}
	}
	return jsonResult(out)
}

// Search ranks the internal catalog of the resource against query. It uses
// the search index when one is configured and the query has terms, and
// substring scoring otherwise or when the index fails.
func (c *Catalog) Search(ctx context.Context, resourceID, userID, query string, limit int) ([]Tool, error) {
	if limit <= 0 {
		limit = c.cfg.SearchLimit
	}
	snap, _, hash, err := c.load(ctx, resourceID, userID)
	if err != nil {
		return nil, err
	}

	if c.index != nil && len(queryTokens(query)) > 0 {
		names, err := c.index.Search(ctx, resourceID, hash, snap.tools, query, limit)
		if err == nil {
			out := make([]Tool, 0, len(names))
			for _, name := range names {
				if t, ok := snap.lookup(name); ok {
					out = append(out, t)
				}
			}
			return out, nil
		}
		logger.Warnw("search index failed, using substring search", "resource_id", resourceID, "error", err)
	}
	return substringSearch(snap.tools, query, limit), nil
}

func (c *Catalog) describeTools(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	raw, _ := call.Arguments["toolNames"].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	described, err := c.Describe(ctx, call.ResourceID, call.UserID, names)
	if err != nil {
		return nil, err
	}

	// Elements that are not strings are reported as not found in place.
	out := make([]Description, 0, len(raw))
	for _, v := range raw {
		if _, ok := v.(string); ok {
			out = append(out, described[0])
			described = described[1:]
			continue
		}
		name := ""
		if v != nil {
			name = fmt.Sprint(v)
		}
		out = append(out, Description{ToolName: name, InputSchema: json.RawMessage(`{}`)})
	}
	return jsonResult(out)
}

// Describe returns one entry per requested name, in request order.
func (c *Catalog) Describe(ctx context.Context, resourceID, userID string, names []string) ([]Description, error) {
	snap, _, _, err := c.load(ctx, resourceID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Description, 0, len(names))
	for _, name := range names {
		t, ok := snap.lookup(name)
		if !ok {
			out = append(out, Description{ToolName: name, InputSchema: json.RawMessage(`{}`)})
			continue
		}
		desc := t.Description
		out = append(out, Description{
			ToolName:    name,
			Description: &desc,
			InputSchema: t.InputSchema,
			Found:       true,
		})
	}
	return out, nil
}

func (c *Catalog) executeTool(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	name, _ := call.Arguments["name"].(string)
	if name == "" {
		return nil, gwerrors.NewInvalidRequest("execute_tool requires a tool name", nil)
	}

	var args map[string]any
	switch v := call.Arguments["arguments"].(type) {
	case nil:
	case map[string]any:
		args = v
	default:
		return nil, gwerrors.NewInvalidRequest(fmt.Sprintf("execute_tool arguments must be an object, got %T", v), nil)
	}

	return c.dispatch(ctx, Call{
		ResourceID: call.ResourceID,
		UserID:     call.UserID,
		Name:       name,
		Arguments:  args,
	})
}

// jsonResult returns v as both text and structured content. Structured
// content must be an object, so arrays are wrapped.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, gwerrors.NewInternal("failed to encode tool result", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(b))},
		StructuredContent: map[string]any{"tools": v},
	}, nil
}
