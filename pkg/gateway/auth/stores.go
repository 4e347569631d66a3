// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_stores.go -package=mocks -source=stores.go APIKeyStore,UserDirectory

var (
	// ErrAPIKeyNotFound is returned by an APIKeyStore when no key matches.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrUserNotFound is returned by a UserDirectory when no user matches.
	ErrUserNotFound = errors.New("user not found")
)

// APIKeyRecord is an API key as stored, joined with its owning resource.
type APIKeyRecord struct {
	ID             string
	Name           string
	OrganizationID string
	ResourceID     string
	UserID         string
	Active         bool
	ExpiresAt      *time.Time

	ResourceEnabled bool
	ResourceDeleted bool
}

// APIKeyStore looks up API keys by the SHA-256 hex digest of the raw key.
type APIKeyStore interface {
	LookupAPIKey(ctx context.Context, digest string) (*APIKeyRecord, error)
}

// UserDirectory resolves token subjects to internal users.
type UserDirectory interface {
	// ResolveUser maps a token subject, or the email when the subject is
	// empty, to an internal user id.
	ResolveUser(ctx context.Context, subject, email string) (string, error)

	// IsMember reports whether a user belongs to an organization.
	IsMember(ctx context.Context, userID, organizationID string) (bool, error)
}
