// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Audit event types.
const (
	EventTypeInitialize = "mcp_initialize"
	EventTypeToolsList  = "mcp_tools_list"
	EventTypeToolCall   = "mcp_tool_call"
)

// auditEvent is one audit record.
type auditEvent struct {
	Type      string
	SessionID string
	Tool      string
	Outcome   string
	Duration  time.Duration
	Err       error
}

// audit writes an audit record. Logging never fails the request.
func audit(ctx context.Context, ac *auth.AuthContext, ev auditEvent) {
	attrs := []slog.Attr{
		slog.String("event_type", ev.Type),
		slog.String("outcome", ev.Outcome),
		slog.String("session_id", ev.SessionID),
		slog.String("request_id", chimw.GetReqID(ctx)),
	}
	if ac != nil {
		attrs = append(attrs,
			slog.String("auth_method", ac.MethodName()),
			slog.String("organization_id", ac.OrganizationID),
			slog.String("resource_id", ac.ResourceID),
			slog.String("user_id", ac.UserID),
		)
	}
	if ev.Tool != "" {
		attrs = append(attrs, slog.String("tool", ev.Tool))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	if ev.Err != nil {
		attrs = append(attrs,
			slog.String("error_kind", string(gwerrors.KindOf(ev.Err))),
			slog.String("error_reason", gwerrors.ReasonOf(ev.Err)),
		)
	}
	logger.For("audit").LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
