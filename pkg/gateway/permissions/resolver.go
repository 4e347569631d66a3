// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcpgate/pkg/gateway/cache"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Config configures a Resolver.
type Config struct {
	CacheSize     int
	CacheTTL      time.Duration
	MaxGroupDepth int

	// Policies are Cedar forbid policies applied after the grant arithmetic.
	Policies []string

	Now func() time.Time
}

type decisionKey struct {
	subject      string
	organization string
	resourceType string
	resourceID   string
	action       Action
}

// Resolver answers permission requests from a Store, caching decisions
// until an explicit invalidation.
type Resolver struct {
	store    Store
	overlay  *Overlay
	maxDepth int

	// mu orders cache writes against invalidations so that a decision
	// computed before an invalidation is never stored after it.
	mu         sync.Mutex
	generation uint64
	decisions  *cache.LRU[decisionKey, bool]
}

// NewResolver creates a resolver.
func NewResolver(store Store, cfg Config) (*Resolver, error) {
	overlay, err := NewOverlay(cfg.Policies)
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.MaxGroupDepth <= 0 {
		cfg.MaxGroupDepth = 32
	}
	return &Resolver{
		store:    store,
		overlay:  overlay,
		maxDepth: cfg.MaxGroupDepth,
		decisions: cache.New[decisionKey, bool](cache.Options[bool]{
			Capacity: cfg.CacheSize,
			TTL:      cfg.CacheTTL,
			Now:      cfg.Now,
		}),
	}, nil
}

// Allow reports whether req is permitted. Store failures deny and are
// returned; they are never cached.
func (r *Resolver) Allow(ctx context.Context, req Request) (bool, error) {
	if err := req.validate(); err != nil {
		return false, err
	}
	key := decisionKey{req.SubjectID, req.OrganizationID, req.ResourceType, req.ResourceID, req.Action}
	if allowed, ok := r.decisions.Get(key); ok {
		return allowed, nil
	}

	gen := r.currentGeneration()
	set, err := r.Effective(ctx, req.SubjectID, req.OrganizationID, req.ResourceType, req.ResourceID)
	if err != nil {
		return false, err
	}
	allowed := set.Allows(req.Action)
	if allowed && r.overlay.Forbids(req) {
		logger.Debugw("permission forbidden by policy",
			"subject", req.SubjectID, "resource_type", req.ResourceType,
			"resource_id", req.ResourceID, "action", req.Action)
		allowed = false
	}

	r.mu.Lock()
	if r.generation == gen {
		r.decisions.Set(key, allowed)
	}
	r.mu.Unlock()
	return allowed, nil
}

// Effective returns the actions the subject may perform on the resource
// before any policy overlay. Non-members get the empty set; organization
// admins get every action.
func (r *Resolver) Effective(
	ctx context.Context, subjectID, organizationID, resourceType, resourceID string,
) (ActionSet, error) {
	membership, err := r.store.Membership(ctx, subjectID, organizationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load membership: %w", err)
	}
	if !membership.Member {
		return 0, nil
	}
	if membership.Admin {
		return AllActions, nil
	}

	grants, err := r.grants(ctx, subjectID, organizationID)
	if err != nil {
		return 0, err
	}
	return Effective(grants, resourceType, resourceID), nil
}

func (r *Resolver) grants(ctx context.Context, subjectID, organizationID string) ([]Grant, error) {
	roleGrants, err := r.store.RoleGrants(ctx, subjectID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role grants: %w", err)
	}
	directGrants, err := r.store.DirectGrants(ctx, subjectID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load direct grants: %w", err)
	}
	groups, err := r.groups(ctx, subjectID, organizationID)
	if err != nil {
		return nil, err
	}

	grants := make([]Grant, 0, len(roleGrants)+len(directGrants))
	grants = append(grants, roleGrants...)
	grants = append(grants, directGrants...)
	if len(groups) > 0 {
		groupGrants, err := r.store.GroupGrants(ctx, groups)
		if err != nil {
			return nil, fmt.Errorf("failed to load group grants: %w", err)
		}
		grants = append(grants, groupGrants...)
	}
	return grants, nil
}

// groups walks group nesting breadth first. Cycles are visited once and the
// walk stops at the configured depth.
func (r *Resolver) groups(ctx context.Context, subjectID, organizationID string) ([]string, error) {
	frontier, err := r.store.SubjectGroups(ctx, subjectID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}

	visited := make(map[string]struct{})
	var all []string
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= r.maxDepth {
			logger.Warnw("group nesting exceeds maximum depth",
				"subject", subjectID, "organization", organizationID, "max_depth", r.maxDepth)
			break
		}
		var next []string
		for _, g := range frontier {
			if _, seen := visited[g]; seen {
				continue
			}
			visited[g] = struct{}{}
			all = append(all, g)

			parents, err := r.store.ParentGroups(ctx, g)
			if err != nil {
				return nil, fmt.Errorf("failed to load parent groups of %s: %w", g, err)
			}
			next = append(next, parents...)
		}
		frontier = next
	}
	return dedupe(all), nil
}

func (r *Resolver) currentGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Resolver) invalidate(match func(decisionKey) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	return r.decisions.DeleteFunc(func(k decisionKey, _ bool) bool { return match(k) })
}

// InvalidateUser drops every cached decision for the subject. It returns
// once the drop is complete.
func (r *Resolver) InvalidateUser(subjectID string) int {
	n := r.invalidate(func(k decisionKey) bool { return k.subject == subjectID })
	logger.Debugw("permission cache: invalidated user", "subject", subjectID, "entries", n)
	return n
}

// InvalidateOrganization drops every cached decision in the organization.
func (r *Resolver) InvalidateOrganization(organizationID string) int {
	n := r.invalidate(func(k decisionKey) bool { return k.organization == organizationID })
	logger.Debugw("permission cache: invalidated organization", "organization", organizationID, "entries", n)
	return n
}

// Clear drops every cached decision.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.decisions.Clear()
}

// Stats returns decision cache statistics.
func (r *Resolver) Stats() cache.Stats {
	return r.decisions.Stats()
}
