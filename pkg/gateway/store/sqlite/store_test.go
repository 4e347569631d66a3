// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
	"github.com/stacklok/mcpgate/pkg/gateway/tokens"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixture struct {
	org      *Organization
	alice    *User
	bob      *User
	resource *Resource
}

func newFixture(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := t.Context()
	f := fixture{
		org:      &Organization{Name: "acme"},
		alice:    &User{Subject: "sub-alice", Email: "alice@example.com"},
		bob:      &User{Email: "bob@example.com"},
		resource: &Resource{Name: "tools", Enabled: true},
	}
	require.NoError(t, s.CreateOrganization(ctx, f.org))
	require.NoError(t, s.CreateUser(ctx, f.alice))
	require.NoError(t, s.CreateUser(ctx, f.bob))
	require.NoError(t, s.AddMember(ctx, f.alice.ID, f.org.ID, true))
	f.resource.OrganizationID = f.org.ID
	require.NoError(t, s.CreateResource(ctx, f.resource))
	return f
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(t.Context()))
	require.NoError(t, s.CreateOrganization(t.Context(), &Organization{ID: "o1", Name: "acme"}))
	require.NoError(t, s.Close())

	s, err = Open(t.Context(), path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	err = s.CreateOrganization(t.Context(), &Organization{ID: "o1", Name: "again"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	tests := []struct {
		name    string
		subject string
		email   string
		want    string
		wantErr error
	}{
		{"by subject", "sub-alice", "", f.alice.ID, nil},
		{"subject wins over email", "sub-alice", "bob@example.com", f.alice.ID, nil},
		{"by email", "", "bob@example.com", f.bob.ID, nil},
		{"unknown subject", "sub-nobody", "alice@example.com", "", auth.ErrUserNotFound},
		{"nothing to match", "", "", "", auth.ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.ResolveUser(ctx, tt.subject, tt.email)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	member, err := s.IsMember(ctx, f.alice.ID, f.org.ID)
	require.NoError(t, err)
	assert.True(t, member)
	member, err = s.IsMember(ctx, f.bob.ID, f.org.ID)
	require.NoError(t, err)
	assert.False(t, member)

	err = s.CreateUser(ctx, &User{Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAPIKeys(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	key := &APIKey{Name: "ci", ResourceID: f.resource.ID, UserID: f.alice.ID, ExpiresAt: &expires}
	require.NoError(t, s.CreateAPIKey(ctx, key, "mcpg_secret"))

	rec, err := s.LookupAPIKey(ctx, auth.Digest("mcpg_secret"))
	require.NoError(t, err)
	assert.Equal(t, key.ID, rec.ID)
	assert.Equal(t, f.org.ID, rec.OrganizationID)
	assert.Equal(t, f.resource.ID, rec.ResourceID)
	assert.Equal(t, f.alice.ID, rec.UserID)
	assert.True(t, rec.Active)
	assert.True(t, rec.ResourceEnabled)
	assert.False(t, rec.ResourceDeleted)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, expires.Equal(*rec.ExpiresAt))

	_, err = s.LookupAPIKey(ctx, auth.Digest("mcpg_other"))
	assert.ErrorIs(t, err, auth.ErrAPIKeyNotFound)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	require.NoError(t, s.SetResourceEnabled(ctx, f.resource.ID, false))
	require.NoError(t, s.DeleteResource(ctx, f.resource.ID))

	rec, err = s.LookupAPIKey(ctx, auth.Digest("mcpg_secret"))
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.False(t, rec.ResourceEnabled)
	assert.True(t, rec.ResourceDeleted)

	_, err = s.ResourceOrganization(ctx, f.resource.ID)
	assert.Error(t, err)
}

func TestPermissionsStore(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	allow := func(action permissions.Action) permissions.Grant {
		return permissions.Grant{
			ResourceType: "resource", ResourceID: f.resource.ID, Action: action, Effect: permissions.EffectAllow,
		}
	}

	roleID, err := s.CreateRole(ctx, f.org.ID, "viewer")
	require.NoError(t, err)
	require.NoError(t, s.AssignRole(ctx, f.alice.ID, roleID))
	require.NoError(t, s.AddGrant(ctx, f.org.ID, GrantTarget{RoleID: roleID}, allow(permissions.ActionRead)))

	require.NoError(t, s.AddGrant(ctx, f.org.ID, GrantTarget{UserID: f.alice.ID}, permissions.Grant{
		ResourceType: "resource", ResourceID: permissions.Wildcard,
		Action: permissions.ActionExecute, Effect: permissions.EffectDeny,
	}))

	child, err := s.CreateGroup(ctx, f.org.ID, "devs")
	require.NoError(t, err)
	parent, err := s.CreateGroup(ctx, f.org.ID, "engineering")
	require.NoError(t, err)
	require.NoError(t, s.AddGroupMember(ctx, child, f.alice.ID))
	require.NoError(t, s.NestGroup(ctx, child, parent))
	require.NoError(t, s.AddGrant(ctx, f.org.ID, GrantTarget{GroupID: parent}, allow(permissions.ActionManage)))

	err = s.AddGrant(ctx, f.org.ID, GrantTarget{RoleID: roleID, UserID: f.alice.ID}, allow(permissions.ActionRead))
	assert.Error(t, err)

	m, err := s.Membership(ctx, f.alice.ID, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, permissions.Membership{Member: true, Admin: true}, m)
	m, err = s.Membership(ctx, f.bob.ID, f.org.ID)
	require.NoError(t, err)
	assert.False(t, m.Member)

	roles, err := s.RoleGrants(ctx, f.alice.ID, f.org.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, permissions.StratumRole, roles[0].Stratum)
	assert.Equal(t, permissions.ActionRead, roles[0].Action)

	direct, err := s.DirectGrants(ctx, f.alice.ID, f.org.ID)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, permissions.EffectDeny, direct[0].Effect)
	assert.Equal(t, permissions.StratumDirect, direct[0].Stratum)

	groups, err := s.SubjectGroups(ctx, f.alice.ID, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{child}, groups)
	parents, err := s.ParentGroups(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, []string{parent}, parents)

	groupGrants, err := s.GroupGrants(ctx, []string{child, parent})
	require.NoError(t, err)
	require.Len(t, groupGrants, 1)
	assert.Equal(t, permissions.ActionManage, groupGrants[0].Action)
	assert.Equal(t, permissions.StratumGroup, groupGrants[0].Stratum)

	none, err := s.GroupGrants(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPermissionsStore_DrivesResolver(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	require.NoError(t, s.AddMember(ctx, f.bob.ID, f.org.ID, false))
	group, err := s.CreateGroup(ctx, f.org.ID, "readers")
	require.NoError(t, err)
	require.NoError(t, s.AddGroupMember(ctx, group, f.bob.ID))
	require.NoError(t, s.AddGrant(ctx, f.org.ID, GrantTarget{GroupID: group}, permissions.Grant{
		ResourceType: "resource", ResourceID: permissions.Wildcard,
		Action: permissions.ActionRead, Effect: permissions.EffectAllow,
	}))

	resolver, err := permissions.NewResolver(s, permissions.Config{})
	require.NoError(t, err)

	req := permissions.Request{
		SubjectID:      f.bob.ID,
		OrganizationID: f.org.ID,
		ResourceType:   "resource",
		ResourceID:     f.resource.ID,
		Action:         permissions.ActionRead,
	}
	ok, err := resolver.Allow(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	req.Action = permissions.ActionDelete
	ok, err = resolver.Allow(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStore(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	_, err := s.LoadToken(ctx, f.alice.ID, f.resource.ID)
	assert.ErrorIs(t, err, tokens.ErrTokenNotFound)

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := &tokens.Token{
		UserID:       f.alice.ID,
		ResourceID:   f.resource.ID,
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    expires,
		Valid:        true,
		ClientID:     "client",
		TokenURL:     "https://idp.example.com/token",
		Scopes:       []string{"repo", "read:org"},
	}
	require.NoError(t, s.SaveToken(ctx, tok))
	require.NotEmpty(t, tok.ID)

	got, err := s.LoadToken(ctx, f.alice.ID, f.resource.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.Equal(t, []string{"repo", "read:org"}, got.Scopes)
	assert.True(t, expires.Equal(got.ExpiresAt))
	assert.True(t, got.Valid)

	replacement := &tokens.Token{
		UserID: f.alice.ID, ResourceID: f.resource.ID, AccessToken: "at-2", ExpiresAt: expires, Valid: true,
	}
	require.NoError(t, s.SaveToken(ctx, replacement))
	got, err = s.LoadToken(ctx, f.alice.ID, f.resource.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID, "the pair keeps its original row")
	assert.Equal(t, "at-2", got.AccessToken)
	assert.Empty(t, got.Scopes)

	require.NoError(t, s.TouchLastUsed(ctx, got.ID, time.Now()))
	require.NoError(t, s.MarkInvalid(ctx, got.ID))
	got, err = s.LoadToken(ctx, f.alice.ID, f.resource.ID)
	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestInstances(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	f := newFixture(t, s)
	ctx := t.Context()

	gh := &catalog.Instance{
		ResourceID: f.resource.ID, Name: "github", URL: "http://gh.local/mcp",
		Transport: "streamable-http", Enabled: true, ToolFilter: []string{"create_issue"},
	}
	slack := &catalog.Instance{
		ResourceID: f.resource.ID, Name: "slack", URL: "http://slack.local/sse",
		Transport: "sse", RequiresOAuth: true,
	}
	require.NoError(t, s.CreateInstance(ctx, gh))
	require.NoError(t, s.CreateInstance(ctx, slack))
	assert.ErrorIs(t, s.CreateInstance(ctx, &catalog.Instance{
		ResourceID: f.resource.ID, Name: "github", URL: "http://dup", Transport: "sse",
	}), ErrConflict)

	list, err := s.ListInstances(ctx, f.resource.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, *gh, list[0])
	assert.Equal(t, *slack, list[1])
	assert.Nil(t, list[1].ToolFilter)
	before := catalog.ConfigHash(list)

	gh.Enabled = false
	require.NoError(t, s.UpdateInstance(ctx, gh))
	assert.Equal(t, int64(2), gh.Version)

	list, err = s.ListInstances(ctx, f.resource.ID)
	require.NoError(t, err)
	assert.False(t, list[0].Enabled)
	assert.NotEqual(t, before, catalog.ConfigHash(list))

	empty, err := s.ListInstances(ctx, "no-such-resource")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

const seedDoc = `
organizations:
  - id: acme
    name: Acme
    users:
      - id: u-alice
        subject: sub-alice
        admin: true
      - id: u-bob
        email: bob@example.com
        grants:
          - resourceType: resource
            action: read
    resources:
      - id: r-tools
        name: tools
        apiKeys:
          - name: ci
            key: mcpg_seeded
            userId: u-bob
        instances:
          - name: github
            url: http://gh.local/mcp
            toolFilter: [create_issue]
    roles:
      - name: operator
        users: [u-alice]
        grants:
          - resourceType: resource
            resourceId: r-tools
            action: EXECUTE
    groups:
      - name: devs
        users: [u-bob]
        parents: [engineering]
      - name: engineering
        grants:
          - resourceType: resource
            action: execute
            effect: deny
`

func TestSeed(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := t.Context()

	seed, err := LoadSeed(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.NoError(t, s.ApplySeed(ctx, seed))

	rec, err := s.LookupAPIKey(ctx, auth.Digest("mcpg_seeded"))
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.OrganizationID)
	assert.Equal(t, "u-bob", rec.UserID)

	insts, err := s.ListInstances(ctx, "r-tools")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.True(t, insts[0].Enabled)
	assert.Equal(t, "streamable-http", insts[0].Transport)

	direct, err := s.DirectGrants(ctx, "u-bob", "acme")
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, permissions.Wildcard, direct[0].ResourceID)
	assert.Equal(t, permissions.ActionRead, direct[0].Action)

	groups, err := s.SubjectGroups(ctx, "u-bob", "acme")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	parents, err := s.ParentGroups(ctx, groups[0])
	require.NoError(t, err)
	require.Len(t, parents, 1)
	denies, err := s.GroupGrants(ctx, parents)
	require.NoError(t, err)
	require.Len(t, denies, 1)
	assert.Equal(t, permissions.EffectDeny, denies[0].Effect)
}

func TestSeed_IsAtomic(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	seed := &Seed{Organizations: []SeedOrganization{{
		ID:     "acme",
		Name:   "Acme",
		Groups: []SeedGroup{{Name: "devs", Parents: []string{"missing"}}},
	}}}
	require.Error(t, s.ApplySeed(ctx, seed))

	require.NoError(t, s.CreateOrganization(ctx, &Organization{ID: "acme", Name: "Acme"}),
		"the failed seed left nothing behind")
}

func TestLoadSeed_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadSeed(strings.NewReader("organisations: []\n"))
	require.Error(t, err)
}
