// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	memberships map[string]Membership // subject|org
	roles       map[string][]Grant    // subject
	direct      map[string][]Grant    // subject
	groups      map[string][]string   // subject
	parents     map[string][]string   // group
	groupGrants map[string][]Grant    // group
	err         error
	loads       atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memberships: map[string]Membership{},
		roles:       map[string][]Grant{},
		direct:      map[string][]Grant{},
		groups:      map[string][]string{},
		parents:     map[string][]string{},
		groupGrants: map[string][]Grant{},
	}
}

func (f *fakeStore) Membership(_ context.Context, subjectID, organizationID string) (Membership, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Membership{}, f.err
	}
	return f.memberships[subjectID+"|"+organizationID], nil
}

func (f *fakeStore) RoleGrants(_ context.Context, subjectID, _ string) ([]Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[subjectID], nil
}

func (f *fakeStore) DirectGrants(_ context.Context, subjectID, _ string) ([]Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct[subjectID], nil
}

func (f *fakeStore) SubjectGroups(_ context.Context, subjectID, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[subjectID], nil
}

func (f *fakeStore) ParentGroups(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parents[groupID], nil
}

func (f *fakeStore) GroupGrants(_ context.Context, groupIDs []string) ([]Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Grant
	for _, g := range groupIDs {
		out = append(out, f.groupGrants[g]...)
	}
	return out, nil
}

func (f *fakeStore) update(fn func(f *fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func readReq(subject string) Request {
	return Request{
		SubjectID:      subject,
		OrganizationID: "org-1",
		ResourceType:   "resource",
		ResourceID:     "r1",
		Action:         ActionRead,
	}
}

func newTestResolver(t *testing.T, store Store, policies ...string) *Resolver {
	t.Helper()
	r, err := NewResolver(store, Config{Policies: policies})
	require.NoError(t, err)
	return r
}

func TestResolver_RoleAllowDirectDeny(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.roles["u1"] = []Grant{allow(StratumRole, "r1", ActionRead)}
	store.direct["u1"] = []Grant{deny(StratumDirect, "r1", ActionRead)}

	allowed, err := newTestResolver(t, store).Allow(context.Background(), readReq("u1"))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestResolver_Membership(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["admin|org-1"] = Membership{Member: true, Admin: true}
	store.direct["admin"] = []Grant{deny(StratumDirect, "r1", ActionRead)}
	store.roles["outsider"] = []Grant{allow(StratumRole, Wildcard, ActionManage)}

	r := newTestResolver(t, store)
	ctx := context.Background()

	allowed, err := r.Allow(ctx, readReq("admin"))
	require.NoError(t, err)
	assert.True(t, allowed, "organization admins short-circuit grant evaluation")

	allowed, err = r.Allow(ctx, readReq("outsider"))
	require.NoError(t, err)
	assert.False(t, allowed, "non-members are denied regardless of grants")

	set, err := r.Effective(ctx, "outsider", "org-1", "resource", "r1")
	require.NoError(t, err)
	assert.Equal(t, ActionSet(0), set)
}

func TestResolver_NestedGroupsWithCycle(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.groups["u1"] = []string{"team"}
	store.parents["team"] = []string{"department"}
	store.parents["department"] = []string{"team", "company"}
	store.groupGrants["company"] = []Grant{allow(StratumGroup, "r1", ActionExecute)}

	r := newTestResolver(t, store)
	set, err := r.Effective(context.Background(), "u1", "org-1", "resource", "r1")
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionExecute}, set.Actions())
}

func TestResolver_GroupDepthLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.groups["u1"] = []string{"g0"}
	store.parents["g0"] = []string{"g1"}
	store.parents["g1"] = []string{"g2"}
	store.groupGrants["g2"] = []Grant{allow(StratumGroup, "r1", ActionRead)}

	r, err := NewResolver(store, Config{MaxGroupDepth: 2})
	require.NoError(t, err)

	set, err := r.Effective(context.Background(), "u1", "org-1", "resource", "r1")
	require.NoError(t, err)
	assert.False(t, set.Allows(ActionRead))
}

func TestResolver_CachesUntilInvalidated(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.roles["u1"] = []Grant{allow(StratumRole, "r1", ActionRead)}

	r := newTestResolver(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := r.Allow(ctx, readReq("u1"))
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.Equal(t, int32(1), store.loads.Load())

	store.update(func(f *fakeStore) {
		f.direct["u1"] = []Grant{deny(StratumDirect, "r1", ActionRead)}
	})
	assert.Equal(t, 1, r.InvalidateUser("u1"))

	allowed, err := r.Allow(ctx, readReq("u1"))
	require.NoError(t, err)
	assert.False(t, allowed, "a deny takes effect as soon as invalidation returns")
}

func TestResolver_InvalidateOrganization(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.memberships["u2|org-1"] = Membership{Member: true}
	store.memberships["u1|org-2"] = Membership{Member: true}

	r := newTestResolver(t, store)
	ctx := context.Background()

	for _, req := range []Request{readReq("u1"), readReq("u2"), func() Request {
		q := readReq("u1")
		q.OrganizationID = "org-2"
		return q
	}()} {
		_, err := r.Allow(ctx, req)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Stats().Entries)

	assert.Equal(t, 2, r.InvalidateOrganization("org-1"))
	assert.Equal(t, 1, r.Stats().Entries)

	r.Clear()
	assert.Equal(t, 0, r.Stats().Entries)
}

func TestResolver_StoreErrorDeniesAndIsNotCached(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.roles["u1"] = []Grant{allow(StratumRole, "r1", ActionRead)}
	store.err = errors.New("db down")

	r := newTestResolver(t, store)
	allowed, err := r.Allow(context.Background(), readReq("u1"))
	require.Error(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, r.Stats().Entries)

	store.update(func(f *fakeStore) { f.err = nil })
	allowed, err = r.Allow(context.Background(), readReq("u1"))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestResolver_InvalidRequest(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t, newFakeStore())
	_, err := r.Allow(context.Background(), Request{})
	require.Error(t, err)
}

func TestResolver_PolicyOverlay(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.memberships["u1|org-1"] = Membership{Member: true}
	store.memberships["u2|org-1"] = Membership{Member: true}
	toolGrant := Grant{Stratum: StratumRole, ResourceType: "tool", ResourceID: Wildcard, Action: ActionExecute, Effect: EffectAllow}
	store.roles["u1"] = []Grant{toolGrant}
	store.roles["u2"] = []Grant{toolGrant}

	r := newTestResolver(t, store,
		`forbid(principal == User::"u1", action == Action::"EXECUTE", resource == tool::"github__delete_repo");`,
		`permit(principal, action, resource);`,
	)
	ctx := context.Background()

	exec := func(subject, tool string) bool {
		allowed, err := r.Allow(ctx, Request{
			SubjectID: subject, OrganizationID: "org-1",
			ResourceType: "tool", ResourceID: tool, Action: ActionExecute,
		})
		require.NoError(t, err)
		return allowed
	}

	assert.False(t, exec("u1", "github__delete_repo"))
	assert.True(t, exec("u1", "github__list_repos"))
	assert.True(t, exec("u2", "github__delete_repo"))
	assert.False(t, exec("u3", "github__list_repos"), "a permit policy never grants on its own")
}

func TestNewResolver_InvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(newFakeStore(), Config{Policies: []string{"forbid("}})
	require.Error(t, err)
}
