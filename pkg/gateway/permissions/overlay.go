// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"fmt"
	"log/slog"

	cedar "github.com/cedar-policy/cedar-go"
)

const basePermit = `permit(principal, action, resource);`

// Overlay evaluates Cedar forbid policies on top of the grant arithmetic.
// Every request is implicitly permitted, so the overlay can only remove
// access that grants already allow.
type Overlay struct {
	policies *cedar.PolicySet
}

// NewOverlay parses policies. It returns nil when there are none.
func NewOverlay(policies []string) (*Overlay, error) {
	if len(policies) == 0 {
		return nil, nil
	}

	set := cedar.NewPolicySet()
	var base cedar.Policy
	if err := base.UnmarshalCedar([]byte(basePermit)); err != nil {
		return nil, fmt.Errorf("failed to parse base policy: %w", err)
	}
	set.Add("base", &base)

	for i, text := range policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(text)); err != nil {
			return nil, fmt.Errorf("failed to parse policy %d: %w", i, err)
		}
		set.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}
	return &Overlay{policies: set}, nil
}

// Forbids reports whether any policy forbids the request. A policy that
// fails to evaluate forbids.
func (o *Overlay) Forbids(req Request) bool {
	if o == nil {
		return false
	}
	cr := cedar.Request{
		Principal: cedar.NewEntityUID("User", cedar.String(req.SubjectID)),
		Action:    cedar.NewEntityUID("Action", cedar.String(string(req.Action))),
		Resource:  cedar.NewEntityUID(cedar.EntityType(req.ResourceType), cedar.String(req.ResourceID)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"organization": cedar.String(req.OrganizationID),
		}),
	}

	decision, diagnostic := cedar.Authorize(o.policies, cedar.EntityMap{}, cr)
	if len(diagnostic.Errors) > 0 {
		slog.Warn("permission overlay evaluation failed", "errors", diagnostic.Errors)
		return true
	}
	return decision != cedar.Allow
}
