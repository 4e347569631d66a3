// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the gateway's inbound HTTP surface. It accepts JSON-RPC
// over an SSE stream and over the session-keyed streamable HTTP transport,
// and runs every request through authentication, session binding,
// authorization, the tool catalog and the result processors.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
	"github.com/stacklok/mcpgate/pkg/gateway/metrics"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Endpoints.
const (
	SSEEndpoint        = "/sse"
	MessagesEndpoint   = "/messages"
	MCPEndpoint        = "/mcp"
	HealthEndpoint     = "/health"
	ReadinessEndpoint  = "/readiness"
	defaultMetricsPath = "/metrics"
)

// ResourceHeader names the addressed resource for bearer-token clients.
// API keys are bound to a resource and do not need it.
const ResourceHeader = "X-Resource-Id"

// resourceQueryParam is the query form of ResourceHeader.
const resourceQueryParam = "resource_id"

const defaultMaxRequestBytes = 4 << 20

// Authorizer decides permission requests.
type Authorizer interface {
	Allow(ctx context.Context, req permissions.Request) (bool, error)
}

// ToolCatalog lists and calls the tools of a resource.
type ToolCatalog interface {
	Mode() string
	ListTools(ctx context.Context, resourceID, userID string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, call catalog.Call) (*mcp.CallToolResult, error)
}

// ResourceDirectory maps resources to their owning organization.
type ResourceDirectory interface {
	ResourceOrganization(ctx context.Context, resourceID string) (string, error)
}

// Config configures a Server.
type Config struct {
	// SessionHeader carries the streamable HTTP session id.
	SessionHeader string

	// APIKeyHeader is the header API keys are read from.
	APIKeyHeader string

	// Realm is reported in WWW-Authenticate challenges.
	Realm string

	// RateLimit is the per-session request rate per second. Zero disables it.
	RateLimit float64
	RateBurst int

	// MaxRequestBytes caps JSON-RPC request bodies.
	MaxRequestBytes int64

	// MetricsPath serves the Prometheus exposition when Metrics is set.
	MetricsPath string

	ServerName    string
	ServerVersion string
}

// Deps are the components a Server orchestrates.
type Deps struct {
	Sessions   *session.Manager
	Auth       *auth.Resolver
	Authorizer Authorizer
	Catalog    ToolCatalog
	Resources  ResourceDirectory

	// Processor post-processes tool results. Optional.
	Processor middleware.ResultProcessor

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Ready reports whether the server's dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server is the gateway HTTP server.
type Server struct {
	cfg  Config
	deps Deps

	limiters *limiters

	// inflight tracks SSE requests processed after their POST returned.
	inflight sync.WaitGroup
}

// New creates a server.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session manager is required")
	case deps.Auth == nil:
		return nil, errors.New("auth resolver is required")
	case deps.Authorizer == nil:
		return nil, errors.New("authorizer is required")
	case deps.Catalog == nil:
		return nil, errors.New("tool catalog is required")
	case deps.Resources == nil:
		return nil, errors.New("resource directory is required")
	}
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = "Mcp-Session-Id"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "mcpgate"
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		limiters: newLimiters(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.recoverer)

	r.Get(HealthEndpoint, s.handleHealth)
	r.Get(ReadinessEndpoint, s.handleReadiness)
	if s.deps.Metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.deps.Auth, auth.MiddlewareConfig{
			APIKeyHeader: s.cfg.APIKeyHeader,
			Realm:        s.cfg.Realm,
			ResourceID:   s.requestedResource,
		}))
		r.Use(s.tenancy)

		r.HandleFunc(SSEEndpoint, s.handleSSE)
		r.HandleFunc(MessagesEndpoint, s.handleMessages)
		r.HandleFunc(MCPEndpoint, s.handleMCP)
	})
	return r
}

// SessionClosed releases per-session server state. It is meant to be the
// session manager's OnClose hook.
func (s *Server) SessionClosed(info session.Info, reason string) {
	s.limiters.remove(info.ID)
	logger.Debugw("session closed",
		"session_id", info.ID, "resource_id", info.ResourceID, "reason", reason)
}

// Wait blocks until SSE requests still being processed have finished.
func (s *Server) Wait() {
	s.inflight.Wait()
}

// requestedResource reads the addressed resource from the request, falling
// back to the resource of the referenced session.
func (s *Server) requestedResource(r *http.Request) string {
	if id := r.Header.Get(ResourceHeader); id != "" {
		return id
	}
	if id := r.URL.Query().Get(resourceQueryParam); id != "" {
		return id
	}
	if sessionID := s.requestSession(r); sessionID != "" {
		if id, ok := s.deps.Sessions.ResourceOf(sessionID); ok {
			return id
		}
	}
	return ""
}

// requestSession returns the session id referenced by r, if any.
func (s *Server) requestSession(r *http.Request) string {
	if id := r.URL.Query().Get(sessionQueryParam); id != "" {
		return id
	}
	return r.Header.Get(s.cfg.SessionHeader)
}

// tenancy requires a resource and checks that it belongs to the
// authenticated organization.
func (s *Server) tenancy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			auth.WriteError(w, gwerrors.NewUnauthorized(auth.ReasonMissingCredential, "authentication required"))
			return
		}
		if ac.ResourceID == "" {
			auth.WriteError(w, gwerrors.NewInvalidRequest("a resource must be addressed", nil))
			return
		}

		orgID, err := s.deps.Resources.ResourceOrganization(r.Context(), ac.ResourceID)
		if err != nil {
			logger.Debugw("resource lookup failed", "resource_id", ac.ResourceID, "error", err)
			auth.WriteError(w, gwerrors.NewNotFound("resource not found"))
			return
		}
		if orgID != ac.OrganizationID {
			auth.WriteError(w, gwerrors.NewForbidden("tenancy_mismatch", "resource belongs to another organization"))
			return
		}
		// A session serves only the resource it was established for
		if sessionID := s.requestSession(r); sessionID != "" {
			if bound, ok := s.deps.Sessions.ResourceOf(sessionID); ok && bound != ac.ResourceID {
				auth.WriteError(w, gwerrors.NewForbidden(ReasonResourceMismatch, "session is bound to another resource"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Errorw("panic while handling request",
					"panic", rec, "path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()))
				auth.WriteError(w, gwerrors.NewInternal("panic while handling request", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			logger.Warnw("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
