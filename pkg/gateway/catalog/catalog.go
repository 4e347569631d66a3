// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/cache"
	"github.com/stacklok/mcpgate/pkg/gateway/tokens"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Catalog modes.
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

const maxConcurrentListings = 8

// Tool is an entry of the internal catalog.
type Tool struct {
	// Name is the namespaced, client-visible name.
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`

	// Instance is the id of the owning template instance.
	Instance string `json:"instance"`
	// BackendName is the tool's name at the backend.
	BackendName string `json:"backendName"`
}

// Call is a tools/call request addressed to the catalog.
type Call struct {
	ResourceID string
	UserID     string
	Name       string

	// Arguments is nil when the request carried none.
	Arguments map[string]any
}

// Dispatcher talks to backend MCP servers.
type Dispatcher interface {
	ListTools(ctx context.Context, target backend.Target) ([]mcp.Tool, error)
	CallTool(ctx context.Context, target backend.Target, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// TokenSource hands out backend tokens for OAuth instances.
type TokenSource interface {
	GetValidToken(ctx context.Context, resourceID, userID string) (*tokens.Token, error)
}

// ToolAuthorizer decides whether the caller in ctx may execute a namespaced tool.
type ToolAuthorizer func(ctx context.Context, resourceID, tool string) error

// Config configures a Catalog.
type Config struct {
	Mode              string
	CacheTTL          time.Duration
	CacheEntries      int
	CacheBytes        int64
	SearchLimit       int
	ValidateArguments bool
	Now               func() time.Time
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithSearchIndex ranks search_tools results with idx.
func WithSearchIndex(idx SearchIndex) Option {
	return func(c *Catalog) { c.index = idx }
}

// WithTokenSource supplies tokens for OAuth instances.
func WithTokenSource(src TokenSource) Option {
	return func(c *Catalog) { c.tokens = src }
}

// WithToolAuthorizer checks every dispatch, in either mode.
func WithToolAuthorizer(fn ToolAuthorizer) Option {
	return func(c *Catalog) { c.authorize = fn }
}

// WithMetaTools overrides the meta-tool definitions used in dynamic mode.
func WithMetaTools(defs []mcp.Tool) Option {
	return func(c *Catalog) { c.metaTools = defs }
}

type cacheKey struct {
	resourceID string
	configHash string
}

type snapshot struct {
	tools  []Tool
	byName map[string]int
	size   int64
}

func (s *snapshot) lookup(name string) (Tool, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Tool{}, false
	}
	return s.tools[i], true
}

// Catalog serves tools/list and tools/call for resources.
type Catalog struct {
	instances  InstanceStore
	dispatcher Dispatcher
	cfg        Config

	index     SearchIndex
	tokens    TokenSource
	authorize ToolAuthorizer
	metaTools []mcp.Tool

	cache *cache.LRU[cacheKey, *snapshot]

	schemaMu sync.Mutex
	schemas  map[string]*gojsonschema.Schema
}

// New creates a catalog. Dynamic mode without a complete set of meta-tool
// definitions reverts to static mode.
func New(instances InstanceStore, dispatcher Dispatcher, cfg Config, opts ...Option) *Catalog {
	if cfg.Mode == "" {
		cfg.Mode = ModeStatic
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 50
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 50 * 1024 * 1024
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Catalog{
		instances:  instances,
		dispatcher: dispatcher,
		metaTools:  MetaTools(),
		schemas:    make(map[string]*gojsonschema.Schema),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Mode == ModeDynamic && !completeMetaTools(c.metaTools) {
		logger.Warnw("dynamic catalog requested but meta-tool definitions are unavailable, using static mode")
		cfg.Mode = ModeStatic
	}
	c.cfg = cfg
	c.cache = cache.New[cacheKey, *snapshot](cache.Options[*snapshot]{
		Capacity: cfg.CacheEntries,
		TTL:      cfg.CacheTTL,
		MaxBytes: cfg.CacheBytes,
		Size:     func(s *snapshot) int64 { return s.size },
		Now:      cfg.Now,
	})
	return c
}

// Mode returns the effective mode.
func (c *Catalog) Mode() string {
	return c.cfg.Mode
}

// ListTools returns the tools a client sees for the resource.
func (c *Catalog) ListTools(ctx context.Context, resourceID, userID string) ([]mcp.Tool, error) {
	if c.cfg.Mode == ModeDynamic {
		return slices.Clone(c.metaTools), nil
	}
	snap, _, _, err := c.load(ctx, resourceID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Tool, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema))
	}
	return out, nil
}

// Tools returns the internal catalog of the resource.
func (c *Catalog) Tools(ctx context.Context, resourceID, userID string) ([]Tool, error) {
	snap, _, _, err := c.load(ctx, resourceID, userID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(snap.tools), nil
}

// CallTool runs a tools/call request.
func (c *Catalog) CallTool(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	if c.cfg.Mode == ModeDynamic {
		return c.callMetaTool(ctx, call)
	}
	return c.dispatch(ctx, call)
}

// Invalidate drops every cached catalog of the resource.
func (c *Catalog) Invalidate(resourceID string) int {
	return c.cache.DeleteFunc(func(k cacheKey, _ *snapshot) bool {
		return k.resourceID == resourceID
	})
}

// Stats reports catalog cache statistics.
func (c *Catalog) Stats() cache.Stats {
	return c.cache.Stats()
}

// dispatch resolves a namespaced tool and forwards the call to its instance.
func (c *Catalog) dispatch(ctx context.Context, call Call) (*mcp.CallToolResult, error) {
	snap, instances, _, err := c.load(ctx, call.ResourceID, call.UserID)
	if err != nil {
		return nil, err
	}
	tool, ok := snap.lookup(call.Name)
	if !ok {
		return nil, gwerrors.NewNotFound(fmt.Sprintf("tool %q not found", call.Name))
	}
	if c.authorize != nil {
		if err := c.authorize(ctx, call.ResourceID, tool.Name); err != nil {
			return nil, err
		}
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	} else if c.cfg.ValidateArguments {
		if err := c.validate(tool, args); err != nil {
			return nil, err
		}
	}

	target, err := c.target(ctx, instances[tool.Instance], call.ResourceID, call.UserID)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.CallTool(ctx, target, tool.BackendName, args)
}

func (c *Catalog) target(ctx context.Context, inst Instance, resourceID, userID string) (backend.Target, error) {
	target := backend.Target{Name: inst.Name, URL: inst.URL, Transport: inst.Transport}
	if !inst.RequiresOAuth {
		return target, nil
	}
	if c.tokens == nil {
		return target, gwerrors.NewInternal(
			fmt.Sprintf("instance %s requires oauth but no token source is configured", inst.Name), nil)
	}
	tok, err := c.tokens.GetValidToken(ctx, resourceID, userID)
	if err != nil {
		return target, err
	}
	target.BearerToken = tok.AccessToken
	return target, nil
}

// load returns the catalog of a resource, from cache when the configuration
// hash matches.
func (c *Catalog) load(ctx context.Context, resourceID, userID string) (*snapshot, map[string]Instance, string, error) {
	list, err := c.instances.ListInstances(ctx, resourceID)
	if err != nil {
		return nil, nil, "", gwerrors.NewInternal("failed to list template instances", err)
	}
	hash := ConfigHash(list)
	byID := make(map[string]Instance, len(list))
	for _, inst := range list {
		byID[inst.ID] = inst
	}

	key := cacheKey{resourceID: resourceID, configHash: hash}
	if snap, ok := c.cache.Get(key); ok {
		return snap, byID, hash, nil
	}

	snap, complete := c.build(ctx, resourceID, userID, list)
	if complete {
		if !c.cache.Set(key, snap) {
			logger.Warnw("tool catalog exceeds the cache budget and was not cached",
				"resource_id", resourceID, "bytes", snap.size)
		}
	}
	return snap, byID, hash, nil
}

// build lists every enabled instance in parallel. Instances that fail are
// left out and the result is reported incomplete.
func (c *Catalog) build(ctx context.Context, resourceID, userID string, instances []Instance) (*snapshot, bool) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentListings)

	var (
		mu       sync.Mutex
		tools    []Tool
		complete = true
	)
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		g.Go(func() error {
			listed, err := c.listInstance(gctx, inst, resourceID, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warnw("failed to list tools of template instance",
					"resource_id", resourceID, "instance", inst.Name, "error", err)
				complete = false
				return nil
			}
			tools = append(tools, listed...)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(tools, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	snap := &snapshot{byName: make(map[string]int, len(tools))}
	for _, t := range tools {
		if _, dup := snap.byName[t.Name]; dup {
			logger.Warnw("duplicate tool name in catalog, keeping the first", "resource_id", resourceID, "tool", t.Name)
			continue
		}
		snap.byName[t.Name] = len(snap.tools)
		snap.tools = append(snap.tools, t)
	}
	if b, err := json.Marshal(snap.tools); err == nil {
		snap.size = int64(len(b))
	}
	return snap, complete
}

func (c *Catalog) listInstance(ctx context.Context, inst Instance, resourceID, userID string) ([]Tool, error) {
	target, err := c.target(ctx, inst, resourceID, userID)
	if err != nil {
		return nil, err
	}
	listed, err := c.dispatcher.ListTools(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]Tool, 0, len(listed))
	for _, t := range listed {
		if !inst.allows(t.Name) {
			continue
		}
		schema, err := inputSchema(t)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		out = append(out, Tool{
			Name:        NamespacedName(inst.Name, t.Name),
			Description: t.Description,
			InputSchema: schema,
			Instance:    inst.ID,
			BackendName: t.Name,
		})
	}
	return out, nil
}

// inputSchema extracts the wire form of a tool's input schema.
func inputSchema(t mcp.Tool) (json.RawMessage, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool: %w", err)
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode tool: %w", err)
	}
	if len(wire.InputSchema) == 0 || string(wire.InputSchema) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return wire.InputSchema, nil
}

// validate checks arguments against the tool's input schema. Schemas that
// do not compile are not enforced.
func (c *Catalog) validate(tool Tool, args map[string]any) error {
	schema, err := c.compiledSchema(tool)
	if err != nil {
		logger.Debugw("tool input schema does not compile, skipping validation", "tool", tool.Name, "error", err)
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return gwerrors.NewInvalidRequest(fmt.Sprintf("invalid arguments for %s", tool.Name), err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return gwerrors.NewInvalidRequest(
		fmt.Sprintf("invalid arguments for %s: %s", tool.Name, strings.Join(msgs, "; ")), nil)
}

func (c *Catalog) compiledSchema(tool Tool) (*gojsonschema.Schema, error) {
	key := tool.Name + "\x00" + string(tool.InputSchema)
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
	if err != nil {
		return nil, err
	}
	if len(c.schemas) >= c.cfg.CacheEntries*64 {
		clear(c.schemas)
	}
	c.schemas[key] = s
	return s, nil
}
