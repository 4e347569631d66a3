// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
)

// GrantTarget names the holder of a grant. Exactly one field is set.
type GrantTarget struct {
	RoleID  string
	GroupID string
	UserID  string
}

func (t GrantTarget) validate() error {
	set := 0
	for _, id := range []string{t.RoleID, t.GroupID, t.UserID} {
		if id != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("grant target must name exactly one of role, group or user")
	}
	return nil
}

// CreateRole stores a role and returns its id.
func (s *Store) CreateRole(ctx context.Context, organizationID, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, organization_id, name) VALUES (?, ?, ?)`,
		id, organizationID, name,
	)
	if err != nil {
		return "", insertErr("role", err)
	}
	return id, nil
}

// AssignRole assigns a role to a user.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO role_assignments (user_id, role_id) VALUES (?, ?)`,
		userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("assigning role: %w", err)
	}
	return nil
}

// CreateGroup stores a group and returns its id.
func (s *Store) CreateGroup(ctx context.Context, organizationID, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, organization_id, name) VALUES (?, ?, ?)`,
		id, organizationID, name,
	)
	if err != nil {
		return "", insertErr("group", err)
	}
	return id, nil
}

// AddGroupMember adds a user to a group.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`,
		groupID, userID,
	)
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return nil
}

// NestGroup makes groupID a member of parentID. Cycles are stored as given;
// the resolver bounds its traversal.
func (s *Store) NestGroup(ctx context.Context, groupID, parentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_parents (group_id, parent_id) VALUES (?, ?)`,
		groupID, parentID,
	)
	if err != nil {
		return fmt.Errorf("nesting group: %w", err)
	}
	return nil
}

// AddGrant stores a grant for target within an organization.
func (s *Store) AddGrant(ctx context.Context, organizationID string, target GrantTarget, g permissions.Grant) error {
	if err := target.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (organization_id, role_id, group_id, user_id, resource_type, resource_id, action, effect)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		organizationID, nullString(target.RoleID), nullString(target.GroupID), nullString(target.UserID),
		g.ResourceType, g.ResourceID, string(g.Action), string(g.Effect),
	)
	if err != nil {
		return fmt.Errorf("adding grant: %w", err)
	}
	return nil
}

// Membership implements permissions.Store.
func (s *Store) Membership(ctx context.Context, subjectID, organizationID string) (permissions.Membership, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_admin FROM memberships WHERE user_id = ? AND organization_id = ?`,
		subjectID, organizationID,
	).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.Membership{}, nil
	}
	if err != nil {
		return permissions.Membership{}, fmt.Errorf("reading membership: %w", err)
	}
	return permissions.Membership{Member: true, Admin: admin}, nil
}

// RoleGrants implements permissions.Store.
func (s *Store) RoleGrants(ctx context.Context, subjectID, organizationID string) ([]permissions.Grant, error) {
	return s.queryGrants(ctx, permissions.StratumRole, `
		SELECT g.resource_type, g.resource_id, g.action, g.effect
		FROM grants g
		JOIN role_assignments ra ON ra.role_id = g.role_id
		WHERE ra.user_id = ? AND g.organization_id = ?`,
		subjectID, organizationID)
}

// DirectGrants implements permissions.Store.
func (s *Store) DirectGrants(ctx context.Context, subjectID, organizationID string) ([]permissions.Grant, error) {
	return s.queryGrants(ctx, permissions.StratumDirect, `
		SELECT resource_type, resource_id, action, effect
		FROM grants
		WHERE user_id = ? AND organization_id = ?`,
		subjectID, organizationID)
}

// SubjectGroups implements permissions.Store.
func (s *Store) SubjectGroups(ctx context.Context, subjectID, organizationID string) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT gm.group_id
		FROM group_members gm
		JOIN groups g ON g.id = gm.group_id
		WHERE gm.user_id = ? AND g.organization_id = ?`,
		subjectID, organizationID)
}

// ParentGroups implements permissions.Store.
func (s *Store) ParentGroups(ctx context.Context, groupID string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT parent_id FROM group_parents WHERE group_id = ?`, groupID)
}

// GroupGrants implements permissions.Store.
func (s *Store) GroupGrants(ctx context.Context, groupIDs []string) ([]permissions.Grant, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(groupIDs)), ",")
	args := make([]any, len(groupIDs))
	for i, id := range groupIDs {
		args[i] = id
	}
	return s.queryGrants(ctx, permissions.StratumGroup, `
		SELECT resource_type, resource_id, action, effect
		FROM grants
		WHERE group_id IN (`+placeholders+`)`,
		args...)
}

func (s *Store) queryGrants(
	ctx context.Context, stratum permissions.Stratum, query string, args ...any,
) ([]permissions.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s grants: %w", stratum, err)
	}
	defer func() { _ = rows.Close() }()

	var grants []permissions.Grant
	for rows.Next() {
		g := permissions.Grant{Stratum: stratum}
		var action, effect string
		if err := rows.Scan(&g.ResourceType, &g.ResourceID, &action, &effect); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		g.Action = permissions.Action(action)
		g.Effect = permissions.Effect(effect)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grants: %w", err)
	}
	return grants, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	return ids, nil
}
