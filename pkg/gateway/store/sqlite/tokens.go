// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcpgate/pkg/gateway/tokens"
)

// LoadToken implements tokens.Store.
func (s *Store) LoadToken(ctx context.Context, userID, resourceID string) (*tokens.Token, error) {
	var (
		t         tokens.Token
		expiresAt string
		scopes    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, resource_id, access_token, refresh_token, token_type, expires_at,
		       valid, client_id, client_secret, token_url, scopes
		FROM oauth_tokens
		WHERE user_id = ? AND resource_id = ?`,
		userID, resourceID,
	).Scan(&t.ID, &t.UserID, &t.ResourceID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &expiresAt,
		&t.Valid, &t.ClientID, &t.ClientSecret, &t.TokenURL, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokens.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("decoding token scopes: %w", err)
	}
	return &t, nil
}

// SaveToken implements tokens.Store. A token replaces any existing token of
// the same user and resource. An empty ID is generated.
func (s *Store) SaveToken(ctx context.Context, t *tokens.Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	scopes := t.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	encoded, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encoding token scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, user_id, resource_id, access_token, refresh_token, token_type,
		                          expires_at, valid, client_id, client_secret, token_url, scopes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type    = excluded.token_type,
			expires_at    = excluded.expires_at,
			valid         = excluded.valid,
			client_id     = excluded.client_id,
			client_secret = excluded.client_secret,
			token_url     = excluded.token_url,
			scopes        = excluded.scopes`,
		t.ID, t.UserID, t.ResourceID, t.AccessToken, t.RefreshToken, t.TokenType,
		formatTime(t.ExpiresAt), t.Valid, t.ClientID, t.ClientSecret, t.TokenURL, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// MarkInvalid implements tokens.Store.
func (s *Store) MarkInvalid(ctx context.Context, tokenID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE oauth_tokens SET valid = 0 WHERE id = ?`, tokenID); err != nil {
		return fmt.Errorf("invalidating token: %w", err)
	}
	return nil
}

// TouchLastUsed implements tokens.Store.
func (s *Store) TouchLastUsed(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET last_used_at = ? WHERE id = ?`, formatTime(at), tokenID)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return nil
}
