// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth normalizes inbound credentials (API keys, OAuth bearer tokens
// and platform JWTs) into a single AuthContext.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// Method is how a request authenticated. It is a closed set: the only
// implementations are APIKeyMethod, OAuthBearerMethod and JWTMethod.
type Method interface {
	// Name returns a stable name for logs and metrics.
	Name() string
	isMethod()
}

// APIKeyMethod is authentication by a gateway-issued API key.
type APIKeyMethod struct {
	KeyID string
}

// OAuthBearerMethod is authentication by a third-party OAuth access token.
type OAuthBearerMethod struct {
	Issuer  string
	Subject string
}

// JWTMethod is authentication by a platform-minted JWT.
type JWTMethod struct {
	Issuer  string
	Subject string
}

// Name implements Method.
func (APIKeyMethod) Name() string { return "api_key" }

// Name implements Method.
func (OAuthBearerMethod) Name() string { return "oauth_bearer" }

// Name implements Method.
func (JWTMethod) Name() string { return "jwt" }

func (APIKeyMethod) isMethod()      {}
func (OAuthBearerMethod) isMethod() {}
func (JWTMethod) isMethod()         {}

// MatchMethod dispatches on the concrete method. Every caller supplies all
// three branches, so adding a method breaks every call site at compile time.
func MatchMethod[T any](
	m Method,
	onAPIKey func(APIKeyMethod) T,
	onOAuth func(OAuthBearerMethod) T,
	onJWT func(JWTMethod) T,
) T {
	switch v := m.(type) {
	case APIKeyMethod:
		return onAPIKey(v)
	case OAuthBearerMethod:
		return onOAuth(v)
	case JWTMethod:
		return onJWT(v)
	}
	var zero T
	return zero
}

// AuthContext is the normalized result of authentication. It is produced
// once per request and never persisted.
type AuthContext struct {
	Method         Method
	OrganizationID string
	UserID         string
	ResourceID     string

	// CredentialID identifies the credential (API key id), when there is one.
	CredentialID string

	// Email is the email claim of bearer tokens, when present.
	Email string
}

// Subject returns the id permissions are evaluated for.
func (a *AuthContext) Subject() string {
	if a.UserID != "" {
		return a.UserID
	}
	return a.CredentialID
}

// MethodName returns the method name, or "none".
func (a *AuthContext) MethodName() string {
	if a == nil || a.Method == nil {
		return "none"
	}
	return a.Method.Name()
}

// String returns a log-safe representation.
func (a *AuthContext) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("AuthContext{Method: %s, Org: %s, User: %s, Resource: %s}",
		a.MethodName(), a.OrganizationID, a.UserID, a.ResourceID)
}

// MarshalJSON emits the context for audit logs.
func (a *AuthContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Method         string `json:"method"`
		OrganizationID string `json:"organizationId,omitempty"`
		UserID         string `json:"userId,omitempty"`
		ResourceID     string `json:"resourceId,omitempty"`
		CredentialID   string `json:"credentialId,omitempty"`
	}{
		Method:         a.MethodName(),
		OrganizationID: a.OrganizationID,
		UserID:         a.UserID,
		ResourceID:     a.ResourceID,
		CredentialID:   a.CredentialID,
	})
}

// Credential is what a request presented. Exactly one of APIKey and Bearer
// must be set.
type Credential struct {
	APIKey string
	Bearer string

	// OrganizationID is the organization the client claims to act for, when
	// the token does not carry it.
	OrganizationID string

	// ResourceID is the resource addressed by the request, if known.
	ResourceID string
}

// Ref returns an opaque non-secret reference suitable for session binding.
func (c Credential) Ref() string {
	switch {
	case c.APIKey != "":
		return "api_key:" + Digest(c.APIKey)[:16]
	case c.Bearer != "":
		return "bearer:" + Digest(c.Bearer)[:16]
	}
	return ""
}

type authContextKey struct{}

// WithAuthContext stores the AuthContext in ctx.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	if ac == nil {
		return ctx
	}
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext returns the AuthContext stored in ctx.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok && ac != nil
}
