// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Resolver failure reasons.
const (
	ReasonMissingCredential   = "missing_credential"
	ReasonAmbiguousCredential = "ambiguous_credential"
	ReasonResourceMismatch    = "resource_mismatch"
	ReasonBearerUnsupported   = "bearer_unsupported"
)

// Resolver turns a presented Credential into an AuthContext.
type Resolver struct {
	apiKeys      *APIKeyValidator
	bearer       *JWTVerifier
	apiKeyPrefix string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithJWTVerifier enables bearer token authentication.
func WithJWTVerifier(v *JWTVerifier) ResolverOption {
	return func(r *Resolver) {
		r.bearer = v
	}
}

// WithAPIKeyPrefix makes bearer values carrying prefix resolve as API keys.
func WithAPIKeyPrefix(prefix string) ResolverOption {
	return func(r *Resolver) {
		r.apiKeyPrefix = prefix
	}
}

// NewResolver creates a resolver.
func NewResolver(apiKeys *APIKeyValidator, opts ...ResolverOption) *Resolver {
	r := &Resolver{apiKeys: apiKeys}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve authenticates cred. Exactly one of cred.APIKey and cred.Bearer
// must be set.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*AuthContext, error) {
	if r.apiKeyPrefix != "" && cred.APIKey == "" && strings.HasPrefix(cred.Bearer, r.apiKeyPrefix) {
		cred.APIKey, cred.Bearer = cred.Bearer, ""
	}

	switch {
	case cred.APIKey == "" && cred.Bearer == "":
		return nil, gwerrors.NewUnauthorized(ReasonMissingCredential, "no credential supplied")
	case cred.APIKey != "" && cred.Bearer != "":
		return nil, gwerrors.NewUnauthorized(ReasonAmbiguousCredential, "exactly one credential must be supplied")
	case cred.APIKey != "":
		return r.resolveAPIKey(ctx, cred)
	}
	return r.resolveBearer(ctx, cred)
}

func (r *Resolver) resolveAPIKey(ctx context.Context, cred Credential) (*AuthContext, error) {
	result, err := r.apiKeys.Validate(ctx, cred.APIKey)
	if err != nil {
		return nil, gwerrors.NewInternal("failed to validate API key", err)
	}
	if !result.Valid {
		logger.Debugw("api key rejected", "reason", result.Reason)
		if result.Forbidden() {
			return nil, gwerrors.NewForbidden(result.Reason, result.Error)
		}
		return nil, gwerrors.NewUnauthorized(result.Reason, result.Error)
	}
	if cred.ResourceID != "" && cred.ResourceID != result.ResourceID {
		return nil, gwerrors.NewForbidden(ReasonResourceMismatch, "API key is not valid for this resource")
	}

	ac := &AuthContext{
		OrganizationID: result.OrganizationID,
		ResourceID:     result.ResourceID,
	}
	if rec := result.Record; rec != nil {
		ac.Method = APIKeyMethod{KeyID: rec.ID}
		ac.CredentialID = rec.ID
		ac.UserID = rec.UserID
	} else {
		ac.Method = APIKeyMethod{}
	}
	return ac, nil
}

func (r *Resolver) resolveBearer(ctx context.Context, cred Credential) (*AuthContext, error) {
	if r.bearer == nil {
		return nil, gwerrors.NewUnauthorized(ReasonBearerUnsupported, "bearer tokens are not accepted")
	}
	ac, err := r.bearer.Verify(ctx, cred.Bearer, cred.OrganizationID)
	if err != nil {
		logger.Debugw("bearer token rejected", "error", err)
		return nil, err
	}
	ac.ResourceID = cred.ResourceID
	return ac, nil
}
