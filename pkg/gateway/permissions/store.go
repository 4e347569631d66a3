// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package permissions

import "context"

// Store reads membership and grant data.
type Store interface {
	// Membership returns the subject's standing in the organization. A
	// subject that does not belong to the organization yields Member false.
	Membership(ctx context.Context, subjectID, organizationID string) (Membership, error)

	// RoleGrants returns the grants of every role assigned to the subject.
	RoleGrants(ctx context.Context, subjectID, organizationID string) ([]Grant, error)

	// DirectGrants returns the grants assigned to the subject itself.
	DirectGrants(ctx context.Context, subjectID, organizationID string) ([]Grant, error)

	// SubjectGroups returns the groups the subject belongs to directly.
	SubjectGroups(ctx context.Context, subjectID, organizationID string) ([]string, error)

	// ParentGroups returns the groups that groupID is itself a member of.
	ParentGroups(ctx context.Context, groupID string) ([]string, error)

	// GroupGrants returns the grants assigned to any of the groups.
	GroupGrants(ctx context.Context, groupIDs []string) ([]Grant, error)
}
