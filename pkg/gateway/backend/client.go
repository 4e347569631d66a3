// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend dispatches tool calls to backend MCP servers.
//
// Every attempt uses a fresh MCP client so a failed transport is never
// reused. Transport failures are retried with a constant backoff; protocol,
// authentication and client errors are not.
package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Transport kinds a backend can speak.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// Target identifies a backend MCP server.
type Target struct {
	// Name is the template instance the backend belongs to.
	Name      string
	URL       string
	Transport string

	// BearerToken is sent as the Authorization header when set.
	BearerToken string
}

// Config configures a Client.
type Config struct {
	Timeout          time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	MaxResponseBytes int64
	ClientName       string
	ClientVersion    string
}

// Client talks to backend MCP servers.
type Client struct {
	cfg     Config
	factory func(ctx context.Context, target Target) (*client.Client, error)
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2500 * time.Millisecond
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 10 * 1024 * 1024
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpgate"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	c := &Client{cfg: cfg}
	c.factory = c.newMCPClient
	return c
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// httpClient builds the transport chain: size limit, bearer injection, HTTP.
func (c *Client) httpClient(target Target) *http.Client {
	base := http.DefaultTransport
	limit := c.cfg.MaxResponseBytes

	rt := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if target.BearerToken != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+target.BearerToken)
		}
		resp, err := base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{
			Reader: io.LimitReader(resp.Body, limit),
			Closer: resp.Body,
		}
		return resp, nil
	})
	return &http.Client{Transport: rt, Timeout: c.cfg.Timeout}
}

func (c *Client) newMCPClient(ctx context.Context, target Target) (*client.Client, error) {
	httpClient := c.httpClient(target)

	var (
		mc  *client.Client
		err error
	)
	switch target.Transport {
	case TransportStreamableHTTP, "streamable", "":
		mc, err = client.NewStreamableHttpClient(
			target.URL,
			transport.WithHTTPTimeout(c.cfg.Timeout),
			transport.WithHTTPBasicClient(httpClient),
		)
	case TransportSSE:
		mc, err = client.NewSSEMCPClient(
			target.URL,
			transport.WithHTTPClient(httpClient),
		)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported backend transport %q", target.Transport))
	}
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create %s client: %w", target.Transport, err))
	}
	if err := mc.Start(ctx); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("failed to start client connection: %w", err)
	}
	return mc, nil
}

func (c *Client) initialize(ctx context.Context, mc *client.Client) error {
	_, err := mc.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    c.cfg.ClientName,
				Version: c.cfg.ClientVersion,
			},
		},
	})
	return err
}

// withSession runs fn against a fresh, initialized client, retrying
// transport failures. Failures of fn itself are retried only when
// idempotent is set; connecting and initializing are always retried.
func withSession[T any](
	ctx context.Context, c *Client, target Target, operation string, idempotent bool,
	fn func(ctx context.Context, mc *client.Client) (T, error),
) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		var zero T

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		mc, err := c.factory(attemptCtx, target)
		if err != nil {
			return zero, classify(err)
		}
		defer func() {
			if err := mc.Close(); err != nil {
				logger.Debugw("failed to close backend client", "backend", target.Name, "error", err)
			}
		}()

		if err := c.initialize(attemptCtx, mc); err != nil {
			return zero, classify(err)
		}
		out, err := fn(attemptCtx, mc)
		if err != nil {
			if !idempotent {
				return zero, backoff.Permanent(err)
			}
			return zero, classify(err)
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryBackoff)),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)), // #nosec G115 -- MaxAttempts is validated positive
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("backend call failed, retrying",
				"backend", target.Name, "operation", operation,
				"attempt", attempt, "max_attempts", c.cfg.MaxAttempts,
				"retry_in", next, "error", err)
		}),
	)
	if err != nil {
		var zero T
		return zero, gwerrors.NewUpstream(
			fmt.Sprintf("backend %s failed to %s", target.Name, operation), err)
	}
	return out, nil
}

// ListTools returns the tools a backend exposes.
func (c *Client) ListTools(ctx context.Context, target Target) ([]mcp.Tool, error) {
	return withSession(ctx, c, target, "list tools", true,
		func(ctx context.Context, mc *client.Client) ([]mcp.Tool, error) {
			var tools []mcp.Tool
			req := mcp.ListToolsRequest{}
			for {
				result, err := mc.ListTools(ctx, req)
				if err != nil {
					return nil, err
				}
				tools = append(tools, result.Tools...)
				if result.NextCursor == "" {
					return tools, nil
				}
				req.Params.Cursor = result.NextCursor
			}
		})
}

// CallTool invokes a tool. A result with IsError set is a tool-level failure
// and is returned as a result, not an error.
func (c *Client) CallTool(ctx context.Context, target Target, name string, args map[string]any) (*mcp.CallToolResult, error) {
	logger.Debugw("calling backend tool", "backend", target.Name, "tool", name)
	// Tool calls are not idempotent.
	return withSession(ctx, c, target, "call tool "+name, false,
		func(ctx context.Context, mc *client.Client) (*mcp.CallToolResult, error) {
			return mc.CallTool(ctx, mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      name,
					Arguments: args,
				},
			})
		})
}
