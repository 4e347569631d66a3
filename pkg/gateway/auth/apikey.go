// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/mcpgate/pkg/gateway/cache"
)

// Validation error messages returned to clients.
const (
	MsgInvalidAPIKey    = "Invalid API key"
	MsgAPIKeyInactive   = "API key is inactive"
	MsgAPIKeyExpired    = "API key has expired"
	MsgResourceDisabled = "Resource is disabled"
	MsgResourceNotFound = "Resource not found"
)

// Validation failure reasons.
const (
	ReasonInvalidAPIKey    = "invalid_api_key"
	ReasonAPIKeyInactive   = "api_key_inactive"
	ReasonAPIKeyExpired    = "api_key_expired"
	ReasonResourceDisabled = "resource_disabled"
	ReasonResourceNotFound = "resource_not_found"
)

// ValidationResult is the outcome of validating an API key. Successful
// results are what the validator caches.
type ValidationResult struct {
	Valid          bool
	ResourceID     string
	OrganizationID string
	Error          string
	Reason         string
	Record         *APIKeyRecord
	CreatedAt      time.Time
}

// Forbidden reports whether the failure is an authorization rather than an
// authentication failure.
func (r ValidationResult) Forbidden() bool {
	return r.Reason == ReasonResourceDisabled || r.Reason == ReasonResourceNotFound
}

// Digest returns the SHA-256 hex digest of a raw credential.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyValidatorConfig configures an APIKeyValidator.
type APIKeyValidatorConfig struct {
	CacheTTL  time.Duration
	CacheSize int
	Now       func() time.Time
}

// APIKeyValidator validates API keys against a store with an LRU cache in
// front of it.
type APIKeyValidator struct {
	store APIKeyStore
	cache *cache.LRU[string, ValidationResult]
	now   func() time.Time
}

// NewAPIKeyValidator creates a validator.
func NewAPIKeyValidator(store APIKeyStore, cfg APIKeyValidatorConfig) *APIKeyValidator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &APIKeyValidator{
		store: store,
		cache: cache.New[string, ValidationResult](cache.Options[ValidationResult]{
			Capacity: cfg.CacheSize,
			TTL:      cfg.CacheTTL,
			Now:      cfg.Now,
		}),
		now: cfg.Now,
	}
}

// Validate checks a raw API key. The returned error is reserved for store
// failures; an unusable key yields a result with Valid false.
func (v *APIKeyValidator) Validate(ctx context.Context, rawKey string) (ValidationResult, error) {
	if rawKey == "" {
		return invalid(ReasonInvalidAPIKey, MsgInvalidAPIKey), nil
	}
	digest := Digest(rawKey)

	if cached, ok := v.cache.Get(digest); ok {
		// the key may have expired since it was cached
		if expired(cached.Record, v.now()) {
			v.cache.Delete(digest)
			return invalid(ReasonAPIKeyExpired, MsgAPIKeyExpired), nil
		}
		return cached, nil
	}

	record, err := v.store.LookupAPIKey(ctx, digest)
	if errors.Is(err, ErrAPIKeyNotFound) {
		return invalid(ReasonInvalidAPIKey, MsgInvalidAPIKey), nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to look up API key: %w", err)
	}

	result := v.evaluate(record)
	if result.Valid {
		v.cache.Set(digest, result)
	}
	return result, nil
}

func (v *APIKeyValidator) evaluate(record *APIKeyRecord) ValidationResult {
	switch {
	case record == nil:
		return invalid(ReasonInvalidAPIKey, MsgInvalidAPIKey)
	case !record.Active:
		return invalid(ReasonAPIKeyInactive, MsgAPIKeyInactive)
	case expired(record, v.now()):
		return invalid(ReasonAPIKeyExpired, MsgAPIKeyExpired)
	case record.ResourceDeleted:
		return invalid(ReasonResourceNotFound, MsgResourceNotFound)
	case !record.ResourceEnabled:
		return invalid(ReasonResourceDisabled, MsgResourceDisabled)
	}
	return ValidationResult{
		Valid:          true,
		ResourceID:     record.ResourceID,
		OrganizationID: record.OrganizationID,
		Record:         record,
		CreatedAt:      v.now(),
	}
}

func expired(record *APIKeyRecord, now time.Time) bool {
	return record != nil && record.ExpiresAt != nil && !now.Before(*record.ExpiresAt)
}

func invalid(reason, msg string) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason, Error: msg}
}

// InvalidateKey drops the cached result for a raw key.
func (v *APIKeyValidator) InvalidateKey(rawKey string) {
	v.cache.Delete(Digest(rawKey))
}

// InvalidateResource drops every cached result belonging to a resource.
func (v *APIKeyValidator) InvalidateResource(resourceID string) int {
	n := v.cache.DeleteFunc(func(_ string, r ValidationResult) bool {
		return r.ResourceID == resourceID
	})
	slog.Debug("api key cache: invalidated resource", "resource_id", resourceID, "entries", n)
	return n
}

// InvalidateOrganization drops every cached result belonging to an organization.
func (v *APIKeyValidator) InvalidateOrganization(orgID string) int {
	n := v.cache.DeleteFunc(func(_ string, r ValidationResult) bool {
		return r.OrganizationID == orgID
	})
	slog.Debug("api key cache: invalidated organization", "organization_id", orgID, "entries", n)
	return n
}

// Clear drops every cached result.
func (v *APIKeyValidator) Clear() {
	v.cache.Clear()
}

// Stats returns cache statistics.
func (v *APIKeyValidator) Stats() cache.Stats {
	return v.cache.Stats()
}
