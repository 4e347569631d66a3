// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package permissions decides whether a subject may perform an action on a
// resource. Grants come from three strata (role, group and direct); an
// explicit deny at any stratum overrides every allow of the same action.
package permissions

import (
	"fmt"
	"slices"
	"strings"
)

// Action is an operation a grant permits or denies.
type Action string

// Actions.
const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"

	// ActionManage is shorthand for CREATE, READ, UPDATE and DELETE.
	ActionManage Action = "MANAGE"
)

// ParseAction parses a case-insensitive action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute, ActionManage:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Effect is whether a grant allows or denies.
type Effect string

// Effects.
const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Stratum is where a grant came from.
type Stratum string

// Strata.
const (
	StratumRole   Stratum = "role"
	StratumGroup  Stratum = "group"
	StratumDirect Stratum = "direct"
)

// Wildcard matches any resource id.
const Wildcard = "*"

// Grant is a single permission tuple.
type Grant struct {
	Stratum      Stratum
	ResourceType string
	ResourceID   string
	Action       Action
	Effect       Effect
}

// Matches reports whether the grant applies to the resource.
func (g Grant) Matches(resourceType, resourceID string) bool {
	if g.ResourceType != resourceType {
		return false
	}
	return g.ResourceID == Wildcard || g.ResourceID == resourceID
}

// ActionSet is a set of concrete actions.
type ActionSet uint8

const (
	setCreate ActionSet = 1 << iota
	setRead
	setUpdate
	setDelete
	setExecute
)

const (
	setManage = setCreate | setRead | setUpdate | setDelete

	// AllActions contains every concrete action.
	AllActions = setManage | setExecute
)

// Expand returns the concrete actions a grant of a stands for.
func Expand(a Action) ActionSet {
	switch a {
	case ActionCreate:
		return setCreate
	case ActionRead:
		return setRead
	case ActionUpdate:
		return setUpdate
	case ActionDelete:
		return setDelete
	case ActionExecute:
		return setExecute
	case ActionManage:
		return setManage
	}
	return 0
}

// Allows reports whether every concrete action of a is in the set. An
// unknown action is never allowed.
func (s ActionSet) Allows(a Action) bool {
	want := Expand(a)
	return want != 0 && s&want == want
}

// Actions lists the concrete actions in the set.
func (s ActionSet) Actions() []Action {
	var out []Action
	for _, a := range []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute} {
		if s&Expand(a) != 0 {
			out = append(out, a)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (s ActionSet) String() string {
	names := make([]string, 0, 5)
	for _, a := range s.Actions() {
		names = append(names, string(a))
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Effective computes (allowed grants) minus (denied grants) for the
// resource. MANAGE is expanded before the union.
func Effective(grants []Grant, resourceType, resourceID string) ActionSet {
	var allowed, denied ActionSet
	for _, g := range grants {
		if !g.Matches(resourceType, resourceID) {
			continue
		}
		switch g.Effect {
		case EffectAllow:
			allowed |= Expand(g.Action)
		case EffectDeny:
			denied |= Expand(g.Action)
		}
	}
	return allowed &^ denied
}

// Request is a single authorization question.
type Request struct {
	SubjectID      string
	OrganizationID string
	ResourceType   string
	ResourceID     string
	Action         Action
}

func (r Request) validate() error {
	var missing []string
	if r.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if r.OrganizationID == "" {
		missing = append(missing, "organization")
	}
	if r.ResourceType == "" {
		missing = append(missing, "resource type")
	}
	if r.ResourceID == "" {
		missing = append(missing, "resource id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("permission request is missing %s", strings.Join(missing, ", "))
	}
	if Expand(r.Action) == 0 {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Membership is a subject's standing in an organization.
type Membership struct {
	Member bool
	Admin  bool
}

func dedupe(ids []string) []string {
	slices.Sort(ids)
	return slices.Compact(ids)
}
