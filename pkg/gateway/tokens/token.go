// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens keeps backend OAuth access tokens usable. Tokens are read
// through a distributed cache, refreshed shortly before they expire and
// reported as needing re-authorization when they cannot be used.
package tokens

import (
	"context"
	"errors"
	"time"
)

// ErrTokenNotFound is returned by a Store when no token exists.
var ErrTokenNotFound = errors.New("token not found")

// Token is a backend OAuth token for a (user, resource) pair. Secret fields
// are sealed while held by a Store or Cache.
type Token struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ResourceID   string    `json:"resourceId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Valid        bool      `json:"valid"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	TokenURL     string    `json:"tokenUrl,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the token has expired at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d of now.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.ExpiresAt.Sub(now) < d
}

// Store persists tokens.
type Store interface {
	// LoadToken returns ErrTokenNotFound when there is no token.
	LoadToken(ctx context.Context, userID, resourceID string) (*Token, error)
	SaveToken(ctx context.Context, token *Token) error
	MarkInvalid(ctx context.Context, tokenID string) error
	TouchLastUsed(ctx context.Context, tokenID string, at time.Time) error
}
