// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// OrganizationHeader carries the organization a bearer-token client acts for.
const OrganizationHeader = "X-Organization-Id"

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// APIKeyHeader is the header API keys are read from.
	APIKeyHeader string

	// Realm is reported in WWW-Authenticate challenges.
	Realm string

	// ResourceID extracts the addressed resource from the request.
	ResourceID func(*http.Request) string
}

// CredentialFromRequest extracts the presented credential.
func CredentialFromRequest(r *http.Request, apiKeyHeader string) Credential {
	cred := Credential{OrganizationID: r.Header.Get(OrganizationHeader)}
	if apiKeyHeader != "" {
		cred.APIKey = strings.TrimSpace(r.Header.Get(apiKeyHeader))
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			cred.Bearer = strings.TrimSpace(token)
		}
	}
	return cred
}

// Middleware authenticates every request with resolver and stores the
// resulting AuthContext in the request context.
func Middleware(resolver *Resolver, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := CredentialFromRequest(r, cfg.APIKeyHeader)
			if cfg.ResourceID != nil {
				cred.ResourceID = cfg.ResourceID(r)
			}

			ac, err := resolver.Resolve(r.Context(), cred)
			if err != nil {
				if gwerrors.IsUnauthorized(err) {
					w.Header().Set("WWW-Authenticate", challenge(cfg.Realm, err))
				}
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
		})
	}
}

func challenge(realm string, err error) string {
	if realm == "" {
		realm = "mcpgate"
	}
	value := fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, realm)
	if reason := gwerrors.ReasonOf(err); reason != "" {
		value += fmt.Sprintf(`, error_description="%s"`, reason)
	}
	return value
}

type errorEnvelope struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      any                 `json:"id"`
	Error   *gwerrors.WireError `json:"error"`
}

// WriteError writes err as a JSON-RPC error response with the HTTP status
// of its kind.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwerrors.HTTPStatus(gwerrors.KindOf(err)))
	if encErr := json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPC: "2.0",
		Error:   gwerrors.ToWireError(err),
	}); encErr != nil {
		logger.Warnw("failed to write error response", "error", encErr)
	}
}
