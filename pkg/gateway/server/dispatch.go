// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
	"github.com/stacklok/mcpgate/pkg/gateway/metrics"
	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// JSON-RPC methods the gateway serves.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	notificationPrefix = "notifications/"
)

// Resource types permissions are checked against.
const (
	ResourceTypeResource = "resource"
	ResourceTypeTool     = "tool"
)

// Reasons of authorization failures.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonResourceMismatch = "resource_mismatch"
)

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handle processes one inbound message for a session. It returns a nil
// response when there is nothing to send back, and the error the response
// carries, if any.
func (s *Server) handle(ctx context.Context, sess *session.Session, msg jsonrpc2.Message) (*response, error) {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		// Responses from the client are not expected
		return nil, nil
	}
	ac, _ := auth.FromContext(ctx)

	if !req.IsCall() {
		if !strings.HasPrefix(req.Method, notificationPrefix) {
			logger.Debugw("ignoring unknown notification", "method", req.Method, "session_id", sess.ID())
		}
		return nil, nil
	}

	if !s.limiters.allow(sess.ID()) {
		err := gwerrors.NewError(gwerrors.KindCapacity, "rate_limited", "request rate limit exceeded", nil)
		s.deps.Metrics.RecordRequest(ctx, req.Method, metrics.OutcomeDenied)
		return respond(req.ID, nil, err), err
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodInitialize:
		result = s.initializeResult()
		audit(ctx, ac, auditEvent{Type: EventTypeInitialize, SessionID: sess.ID(), Outcome: metrics.OutcomeSuccess})
	case MethodPing:
		result = struct{}{}
	case MethodToolsList:
		result, err = s.listTools(ctx, ac, sess)
	case MethodToolsCall:
		result, err = s.callTool(ctx, ac, sess, req.Params)
	default:
		err = gwerrors.NewMethodNotAllowed(req.Method)
	}

	s.deps.Metrics.RecordRequest(ctx, req.Method, outcome(err))
	if err != nil && countsAgainstSession(err) {
		s.deps.Sessions.RecordError(sess.ID())
	}
	return respond(req.ID, result, err), err
}

func (s *Server) initializeResult() initializeResult {
	return initializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: mcp.Implementation{Name: s.cfg.ServerName, Version: s.cfg.ServerVersion},
	}
}

func (s *Server) listTools(ctx context.Context, ac *auth.AuthContext, sess *session.Session) (any, error) {
	err := authorize(ctx, s.deps.Authorizer, ac, ResourceTypeResource, ac.ResourceID, permissions.ActionRead)
	if err == nil {
		var tools []mcp.Tool
		tools, err = s.deps.Catalog.ListTools(ctx, ac.ResourceID, ac.UserID)
		if err == nil {
			audit(ctx, ac, auditEvent{Type: EventTypeToolsList, SessionID: sess.ID(), Outcome: metrics.OutcomeSuccess})
			return mcp.ListToolsResult{Tools: tools}, nil
		}
	}
	audit(ctx, ac, auditEvent{Type: EventTypeToolsList, SessionID: sess.ID(), Outcome: outcome(err), Err: err})
	return nil, err
}

func (s *Server) callTool(
	ctx context.Context, ac *auth.AuthContext, sess *session.Session, raw json.RawMessage,
) (any, error) {
	var params callToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, gwerrors.NewInvalidRequest("invalid tools/call parameters", err)
		}
	}
	if params.Name == "" {
		return nil, gwerrors.NewInvalidRequest("tool name is required", nil)
	}

	start := time.Now()
	result, err := s.executeTool(ctx, ac, params)
	elapsed := time.Since(start)

	s.deps.Metrics.RecordToolCall(ctx, ac.ResourceID, outcome(err), elapsed)
	audit(ctx, ac, auditEvent{
		Type:      EventTypeToolCall,
		SessionID: sess.ID(),
		Tool:      params.Name,
		Outcome:   outcome(err),
		Duration:  elapsed,
		Err:       err,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) executeTool(ctx context.Context, ac *auth.AuthContext, params callToolParams) (*mcp.CallToolResult, error) {
	// Discovery meta-tools only reveal the catalog, which needs READ.
	// Concrete tools are checked for EXECUTE by the catalog.
	if s.deps.Catalog.Mode() == catalog.ModeDynamic &&
		(params.Name == catalog.SearchToolsName || params.Name == catalog.DescribeToolsName) {
		err := authorize(ctx, s.deps.Authorizer, ac, ResourceTypeResource, ac.ResourceID, permissions.ActionRead)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.deps.Catalog.CallTool(ctx, catalog.Call{
		ResourceID: ac.ResourceID,
		UserID:     ac.UserID,
		Name:       params.Name,
		Arguments:  params.Arguments,
	})
	if err != nil {
		return nil, err
	}
	if s.deps.Processor != nil {
		return s.deps.Processor.Process(ctx, result)
	}
	return result, nil
}

// ToolAuthorizer returns the catalog hook checking EXECUTE on a concrete
// tool for the caller in ctx.
func ToolAuthorizer(authorizer Authorizer) catalog.ToolAuthorizer {
	return func(ctx context.Context, _ string, tool string) error {
		ac, ok := auth.FromContext(ctx)
		if !ok {
			return gwerrors.NewUnauthorized(auth.ReasonMissingCredential, "authentication required")
		}
		return authorize(ctx, authorizer, ac, ResourceTypeTool, tool, permissions.ActionExecute)
	}
}

// authorize checks action on a resource for the caller. API keys without a
// user act only within their own resource, which tenancy already enforced.
func authorize(
	ctx context.Context, authorizer Authorizer, ac *auth.AuthContext,
	resourceType, resourceID string, action permissions.Action,
) error {
	if ac.UserID == "" {
		if _, isKey := ac.Method.(auth.APIKeyMethod); isKey {
			return nil
		}
		return gwerrors.NewForbidden(ReasonPermissionDenied, "no user is associated with the credential")
	}

	allowed, err := authorizer.Allow(ctx, permissions.Request{
		SubjectID:      ac.UserID,
		OrganizationID: ac.OrganizationID,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Action:         action,
	})
	if err != nil {
		return gwerrors.NewInternal("permission check failed", err)
	}
	if !allowed {
		return gwerrors.NewForbidden(ReasonPermissionDenied,
			fmt.Sprintf("%s on %s %q is not permitted", action, resourceType, resourceID))
	}
	return nil
}

// response is a JSON-RPC response envelope. Errors are written as
// gwerrors.WireError so their code and data reach the client.
type response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      any                 `json:"id"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *gwerrors.WireError `json:"error,omitempty"`
}

// respond builds the response to a call.
func respond(id jsonrpc2.ID, result any, err error) *response {
	resp := &response{JSONRPC: "2.0", ID: id.Raw()}
	if err == nil {
		raw, mErr := json.Marshal(result)
		if mErr == nil {
			resp.Result = raw
			return resp
		}
		logger.Errorw("failed to encode result", "error", mErr)
		err = gwerrors.NewInternal("failed to encode result", mErr)
	}
	resp.Error = gwerrors.ToWireError(err)
	return resp
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case gwerrors.IsUnauthorized(err), gwerrors.IsForbidden(err), gwerrors.IsReAuthRequired(err):
		return metrics.OutcomeDenied
	}
	return metrics.OutcomeError
}

// countsAgainstSession reports whether err degrades the session's health.
func countsAgainstSession(err error) bool {
	kind := gwerrors.KindOf(err)
	return kind == gwerrors.KindInternal || kind == gwerrors.KindUpstream
}

// responseStatus is the HTTP status of a response carrying err on the
// request/response transport. Unknown methods keep 200.
func responseStatus(err error) int {
	if err == nil || gwerrors.KindOf(err) == gwerrors.KindMethodNotAllowed {
		return http.StatusOK
	}
	return gwerrors.HTTPStatus(gwerrors.KindOf(err))
}
