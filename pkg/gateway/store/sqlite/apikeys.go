// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcpgate/pkg/gateway/auth"
)

// APIKey is a key to create. Only the digest of the raw key is stored.
type APIKey struct {
	ID         string
	Name       string
	ResourceID string
	UserID     string
	ExpiresAt  *time.Time
}

// CreateAPIKey stores a key under the SHA-256 digest of raw.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey, raw string) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_digest, resource_id, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, auth.Digest(raw), key.ResourceID, nullString(key.UserID),
		nullTime(key.ExpiresAt), formatTime(s.now()),
	)
	if err != nil {
		return insertErr("api key", err)
	}
	return nil
}

// RevokeAPIKey deactivates a key.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, keyID); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return nil
}

// LookupAPIKey implements auth.APIKeyStore.
func (s *Store) LookupAPIKey(ctx context.Context, digest string) (*auth.APIKeyRecord, error) {
	var (
		rec       auth.APIKeyRecord
		userID    sql.NullString
		expiresAt sql.NullString
		deletedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT k.id, k.name, r.organization_id, k.resource_id, k.user_id, k.active,
		       k.expires_at, r.enabled, r.deleted_at
		FROM api_keys k
		JOIN resources r ON r.id = k.resource_id
		WHERE k.key_digest = ?`,
		digest,
	).Scan(&rec.ID, &rec.Name, &rec.OrganizationID, &rec.ResourceID, &userID, &rec.Active,
		&expiresAt, &rec.ResourceEnabled, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	rec.UserID = userID.String
	rec.ResourceDeleted = deletedAt.Valid
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		rec.ExpiresAt = &t
	}

	// Best effort
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		formatTime(s.now()), rec.ID)
	return &rec, nil
}
