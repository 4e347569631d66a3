// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/mcpgate/pkg/gateway/auth"
)

// Organization is a tenant.
type Organization struct {
	ID   string
	Name string
}

// User is an internal user. Subject and Email are the identities a token
// may carry.
type User struct {
	ID      string
	Subject string
	Email   string
}

// Resource is a gateway endpoint owned by an organization.
type Resource struct {
	ID             string
	OrganizationID string
	Name           string
	Enabled        bool
}

// CreateOrganization stores an organization. An empty ID is generated.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES (?, ?, ?)`,
		org.ID, org.Name, formatTime(s.now()),
	)
	if err != nil {
		return insertErr("organization", err)
	}
	return nil
}

// CreateUser stores a user. An empty ID is generated.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, subject, email, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, nullString(user.Subject), nullString(user.Email), formatTime(s.now()),
	)
	if err != nil {
		return insertErr("user", err)
	}
	return nil
}

// AddMember adds a user to an organization, updating the admin flag when the
// membership already exists.
func (s *Store) AddMember(ctx context.Context, userID, organizationID string, admin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, organization_id, is_admin) VALUES (?, ?, ?)
		ON CONFLICT (user_id, organization_id) DO UPDATE SET is_admin = excluded.is_admin`,
		userID, organizationID, admin,
	)
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from an organization.
func (s *Store) RemoveMember(ctx context.Context, userID, organizationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = ? AND organization_id = ?`,
		userID, organizationID,
	)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// CreateResource stores a resource. An empty ID is generated.
func (s *Store) CreateResource(ctx context.Context, res *Resource) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, organization_id, name, enabled) VALUES (?, ?, ?, ?)`,
		res.ID, res.OrganizationID, res.Name, res.Enabled,
	)
	if err != nil {
		return insertErr("resource", err)
	}
	return nil
}

// SetResourceEnabled enables or disables a resource.
func (s *Store) SetResourceEnabled(ctx context.Context, resourceID string, enabled bool) error {
	return s.updateResource(ctx, `UPDATE resources SET enabled = ? WHERE id = ?`, enabled, resourceID)
}

// DeleteResource soft-deletes a resource.
func (s *Store) DeleteResource(ctx context.Context, resourceID string) error {
	return s.updateResource(ctx,
		`UPDATE resources SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(s.now()), resourceID)
}

func (s *Store) updateResource(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating resource: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating resource: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResourceOrganization returns the organization that owns a live resource.
func (s *Store) ResourceOrganization(ctx context.Context, resourceID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT organization_id FROM resources WHERE id = ? AND deleted_at IS NULL`,
		resourceID,
	).Scan(&orgID)
	if err != nil {
		return "", fmt.Errorf("looking up resource %s: %w", resourceID, err)
	}
	return orgID, nil
}

// ResolveUser implements auth.UserDirectory. The subject is matched first;
// the email is only consulted when the subject is empty.
func (s *Store) ResolveUser(ctx context.Context, subject, email string) (string, error) {
	var (
		column = "subject"
		value  = subject
	)
	if subject == "" {
		column, value = "email", email
	}
	if value == "" {
		return "", auth.ErrUserNotFound
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE `+column+` = ?`, value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving user: %w", err)
	}
	return id, nil
}

// IsMember implements auth.UserDirectory.
func (s *Store) IsMember(ctx context.Context, userID, organizationID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE user_id = ? AND organization_id = ?`,
		userID, organizationID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return n > 0, nil
}
