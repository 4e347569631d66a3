// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/tokens"
)

type instanceStore struct {
	mu        sync.Mutex
	instances []Instance
}

func (s *instanceStore) ListInstances(_ context.Context, resourceID string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, inst := range s.instances {
		if inst.ResourceID == resourceID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *instanceStore) update(fn func([]Instance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.instances)
}

type dispatchedCall struct {
	target backend.Target
	tool   string
	args   map[string]any
}

type fakeDispatcher struct {
	tools   map[string][]mcp.Tool // instance name -> tools
	failing map[string]bool

	lists atomic.Int32
	mu    sync.Mutex
	calls []dispatchedCall
}

func (d *fakeDispatcher) ListTools(_ context.Context, target backend.Target) ([]mcp.Tool, error) {
	d.lists.Add(1)
	if d.failing[target.Name] {
		return nil, gwerrors.NewUpstream("backend down", errors.New("connection refused"))
	}
	return d.tools[target.Name], nil
}

func (d *fakeDispatcher) CallTool(
	_ context.Context, target backend.Target, name string, args map[string]any,
) (*mcp.CallToolResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchedCall{target: target, tool: name, args: args})
	return mcp.NewToolResultText(target.Name + ":" + name), nil
}

func (d *fakeDispatcher) lastCall(t *testing.T) dispatchedCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.calls)
	return d.calls[len(d.calls)-1]
}

func newFixture() (*instanceStore, *fakeDispatcher) {
	store := &instanceStore{instances: []Instance{
		{ID: "i-github", ResourceID: "r1", Name: "github", URL: "http://github.internal/mcp", Version: 1, Enabled: true},
		{ID: "i-slack", ResourceID: "r1", Name: "slack", URL: "http://slack.internal/mcp", Version: 1, Enabled: true,
			ToolFilter: []string{"post_message"}},
		{ID: "i-jira", ResourceID: "r1", Name: "jira", URL: "http://jira.internal/mcp", Version: 1, Enabled: false},
	}}
	dispatcher := &fakeDispatcher{tools: map[string][]mcp.Tool{
		"github": {
			mcp.NewTool("create_issue",
				mcp.WithDescription("Create a GitHub issue in a repository"),
				mcp.WithString("title", mcp.Required()),
			),
			mcp.NewTool("list_repos", mcp.WithDescription("List repositories of the organization")),
		},
		"slack": {
			mcp.NewTool("post_message", mcp.WithDescription("Post a message to a Slack channel")),
			mcp.NewTool("delete_channel", mcp.WithDescription("Delete a Slack channel")),
		},
		"jira": {
			mcp.NewTool("create_ticket", mcp.WithDescription("Create a Jira ticket")),
		},
	}}
	return store, dispatcher
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestCatalog_StaticListsNamespacedTools(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{})

	tools, err := c.ListTools(context.Background(), "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"github__create_issue", "github__list_repos", "slack__post_message"}, toolNames(tools))
	assert.Equal(t, "Create a GitHub issue in a repository", tools[0].Description)
	assert.Equal(t, ModeStatic, c.Mode())
}

func TestCatalog_CacheKeyedByConfigHash(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{})
	ctx := context.Background()

	_, err := c.ListTools(ctx, "r1", "u1")
	require.NoError(t, err)
	_, err = c.ListTools(ctx, "r1", "u2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dispatcher.lists.Load(), "two enabled instances listed once")

	store.update(func(instances []Instance) { instances[2].Enabled = true })
	tools, err := c.ListTools(ctx, "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), dispatcher.lists.Load(), "a config change is a miss, not a stale hit")
	assert.Contains(t, toolNames(tools), "jira__create_ticket")

	assert.Equal(t, 2, c.Invalidate("r1"))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCatalog_PartialCatalogIsNotCached(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	dispatcher.failing = map[string]bool{"slack": true}
	c := New(store, dispatcher, Config{})
	ctx := context.Background()

	tools, err := c.ListTools(ctx, "r1", "u1")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"github__create_issue", "github__list_repos"}, toolNames(tools)); diff != "" {
		t.Errorf("partial catalog mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCatalog_OversizedCatalogIsNotCached(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{CacheBytes: 16})

	_, err := c.ListTools(context.Background(), "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCatalog_StaticCallTool(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{ValidateArguments: true})
	ctx := context.Background()

	result, err := c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "github__create_issue",
		Arguments: map[string]any{"title": "bug"}})
	require.NoError(t, err)
	assert.Equal(t, "github:create_issue", resultText(t, result))

	last := dispatcher.lastCall(t)
	assert.Equal(t, "http://github.internal/mcp", last.target.URL)
	assert.Empty(t, last.target.BearerToken)
	assert.Equal(t, map[string]any{"title": "bug"}, last.args)

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "github__create_issue",
		Arguments: map[string]any{"body": "no title"}})
	require.Error(t, err)
	assert.Equal(t, gwerrors.KindInvalidRequest, gwerrors.KindOf(err))

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "slack__delete_channel"})
	assert.True(t, gwerrors.IsNotFound(err), "filtered tools are not reachable")

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "jira__create_ticket"})
	assert.True(t, gwerrors.IsNotFound(err), "disabled instances are not reachable")
}

func TestCatalog_AuthorizerGuardsDispatch(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	var checked []string
	c := New(store, dispatcher, Config{}, WithToolAuthorizer(func(_ context.Context, resourceID, tool string) error {
		checked = append(checked, resourceID+"/"+tool)
		if tool == "github__list_repos" {
			return gwerrors.NewForbidden("permission_denied", "not allowed")
		}
		return nil
	}))
	ctx := context.Background()

	_, err := c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "github__list_repos"})
	assert.True(t, gwerrors.IsForbidden(err))

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "slack__post_message"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1/github__list_repos", "r1/slack__post_message"}, checked)
}

type tokenSource map[string]*tokens.Token

func (s tokenSource) GetValidToken(_ context.Context, resourceID, userID string) (*tokens.Token, error) {
	if tok, ok := s[userID+":"+resourceID]; ok {
		return tok, nil
	}
	return nil, gwerrors.NewReAuthRequired("", userID, resourceID, gwerrors.ReAuthNotFound, nil)
}

func TestCatalog_OAuthInstancesUseUserToken(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	store.update(func(instances []Instance) { instances[0].RequiresOAuth = true })
	src := tokenSource{"u1:r1": {ID: "tok-1", AccessToken: "gh-access"}}
	ctx := context.Background()

	c := New(store, dispatcher, Config{}, WithTokenSource(src))
	_, err := c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "github__list_repos"})
	require.NoError(t, err)
	assert.Equal(t, "gh-access", dispatcher.lastCall(t).target.BearerToken)

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u2", Name: "github__list_repos"})
	require.Error(t, err)
	payload, ok := gwerrors.AsReAuth(err)
	require.True(t, ok)
	assert.Equal(t, "u2", payload.UserID)
	assert.Equal(t, "r1", payload.ResourceID)
}

func TestCatalog_DynamicListsMetaTools(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{Mode: ModeDynamic})

	tools, err := c.ListTools(context.Background(), "r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{SearchToolsName, DescribeToolsName, ExecuteToolName}, toolNames(tools))
	assert.Equal(t, int32(0), dispatcher.lists.Load())
}

func TestCatalog_DynamicFallsBackWithoutMetaTools(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{Mode: ModeDynamic}, WithMetaTools(nil))

	assert.Equal(t, ModeStatic, c.Mode())
	tools, err := c.ListTools(context.Background(), "r1", "u1")
	require.NoError(t, err)
	assert.Len(t, tools, 3, "falls back to the full catalog, never an empty list")
}

func TestCatalog_DescribeUnknownToolOnEmptyCatalog(t *testing.T) {
	t.Parallel()

	c := New(&instanceStore{}, &fakeDispatcher{}, Config{Mode: ModeDynamic})
	result, err := c.CallTool(context.Background(), Call{
		ResourceID: "r1", UserID: "u1", Name: DescribeToolsName,
		Arguments: map[string]any{"toolNames": []any{"ghost_tool"}},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t,
		`[{"toolName":"ghost_tool","description":null,"inputSchema":{},"found":false}]`,
		resultText(t, result))
}

func TestCatalog_DescribeReportsNonStringNames(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{Mode: ModeDynamic})
	result, err := c.CallTool(context.Background(), Call{
		ResourceID: "r1", UserID: "u1", Name: DescribeToolsName,
		Arguments: map[string]any{"toolNames": []any{float64(42), "github__create_issue", nil}},
	})
	require.NoError(t, err)

	var out []Description
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Len(t, out, 3)
	assert.Equal(t, "42", out[0].ToolName)
	assert.False(t, out[0].Found)
	assert.Equal(t, "github__create_issue", out[1].ToolName)
	assert.True(t, out[1].Found)
	assert.Equal(t, "", out[2].ToolName)
	assert.False(t, out[2].Found)
}

func TestCatalog_DescribeKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{Mode: ModeDynamic})

	out, err := c.Describe(context.Background(), "r1", "u1",
		[]string{"slack__post_message", "nope", "github__create_issue"})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "slack__post_message", out[0].ToolName)
	assert.True(t, out[0].Found)
	require.NotNil(t, out[0].Description)
	assert.Equal(t, "Post a message to a Slack channel", *out[0].Description)

	assert.Equal(t, "nope", out[1].ToolName)
	assert.False(t, out[1].Found)
	assert.Nil(t, out[1].Description)
	assert.JSONEq(t, `{}`, string(out[1].InputSchema))

	assert.Equal(t, "github__create_issue", out[2].ToolName)
	var schema struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(out[2].InputSchema, &schema))
	assert.Equal(t, []string{"title"}, schema.Required)
}

func TestCatalog_ExecuteToolReentersStaticDispatch(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	var authorized []string
	c := New(store, dispatcher, Config{Mode: ModeDynamic, ValidateArguments: true},
		WithToolAuthorizer(func(_ context.Context, _, tool string) error {
			authorized = append(authorized, tool)
			return nil
		}))
	ctx := context.Background()

	result, err := c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName,
		Arguments: map[string]any{"name": "github__list_repos"}})
	require.NoError(t, err)
	assert.Equal(t, "github:list_repos", resultText(t, result))
	assert.Equal(t, map[string]any{}, dispatcher.lastCall(t).args, "missing arguments are empty arguments")

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName,
		Arguments: map[string]any{"name": "github__create_issue"}})
	require.NoError(t, err, "absent arguments are never a validation error")

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName,
		Arguments: map[string]any{"name": "slack__post_message", "arguments": map[string]any{"text": "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, dispatcher.lastCall(t).args)
	assert.Equal(t, []string{"github__list_repos", "github__create_issue", "slack__post_message"}, authorized)

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName,
		Arguments: map[string]any{"name": "ghost"}})
	assert.True(t, gwerrors.IsNotFound(err))

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName})
	assert.Equal(t, gwerrors.KindInvalidRequest, gwerrors.KindOf(err))

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: ExecuteToolName,
		Arguments: map[string]any{"name": "github__list_repos", "arguments": "oops"}})
	assert.Equal(t, gwerrors.KindInvalidRequest, gwerrors.KindOf(err))

	_, err = c.CallTool(ctx, Call{ResourceID: "r1", UserID: "u1", Name: "github__list_repos"})
	assert.True(t, gwerrors.IsNotFound(err), "backend tools are only reachable through execute_tool")
}

func TestCatalog_SearchTools(t *testing.T) {
	t.Parallel()

	store, dispatcher := newFixture()
	c := New(store, dispatcher, Config{Mode: ModeDynamic})

	result, err := c.CallTool(context.Background(), Call{ResourceID: "r1", UserID: "u1", Name: SearchToolsName,
		Arguments: map[string]any{"query": "slack message", "limit": float64(1)}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"toolName":"slack__post_message","description":"Post a message to a Slack channel"}]`,
		resultText(t, result))
}

func TestConfigHash(t *testing.T) {
	t.Parallel()

	store, _ := newFixture()
	base := store.instances
	reversed := []Instance{base[2], base[1], base[0]}
	assert.Equal(t, ConfigHash(base), ConfigHash(reversed), "order does not matter")

	mutations := map[string]func(*Instance){
		"version":     func(i *Instance) { i.Version++ },
		"enabled":     func(i *Instance) { i.Enabled = !i.Enabled },
		"url":         func(i *Instance) { i.URL += "/v2" },
		"name":        func(i *Instance) { i.Name = "gh" },
		"transport":   func(i *Instance) { i.Transport = backend.TransportSSE },
		"tool filter": func(i *Instance) { i.ToolFilter = []string{"create_issue"} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			changed := append([]Instance(nil), base...)
			mutate(&changed[0])
			assert.NotEqual(t, ConfigHash(base), ConfigHash(changed))
		})
	}
}

func TestSplitName(t *testing.T) {
	t.Parallel()

	instance, tool, ok := SplitName("github__create__issue")
	require.True(t, ok)
	assert.Equal(t, "github", instance)
	assert.Equal(t, "create__issue", tool)

	_, _, ok = SplitName("plain")
	assert.False(t, ok)
}
