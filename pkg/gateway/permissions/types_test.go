// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allow(s Stratum, id string, a Action) Grant {
	return Grant{Stratum: s, ResourceType: "resource", ResourceID: id, Action: a, Effect: EffectAllow}
}

func deny(s Stratum, id string, a Action) Grant {
	return Grant{Stratum: s, ResourceType: "resource", ResourceID: id, Action: a, Effect: EffectDeny}
}

func TestEffective(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		grants []Grant
		want   []Action
	}{
		{
			name: "no grants",
		},
		{
			name:   "role read denied directly",
			grants: []Grant{allow(StratumRole, "r1", ActionRead), deny(StratumDirect, "r1", ActionRead)},
		},
		{
			name:   "manage expands to crud",
			grants: []Grant{allow(StratumRole, "r1", ActionManage)},
			want:   []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete},
		},
		{
			name: "deny removes one action from manage",
			grants: []Grant{
				allow(StratumGroup, "r1", ActionManage),
				deny(StratumRole, "r1", ActionDelete),
			},
			want: []Action{ActionCreate, ActionRead, ActionUpdate},
		},
		{
			name: "deny manage removes crud but not execute",
			grants: []Grant{
				allow(StratumDirect, "r1", ActionExecute),
				allow(StratumRole, "r1", ActionRead),
				deny(StratumGroup, "r1", ActionManage),
			},
			want: []Action{ActionExecute},
		},
		{
			name: "allow from every stratum still loses to one deny",
			grants: []Grant{
				allow(StratumRole, "r1", ActionRead),
				allow(StratumGroup, "r1", ActionRead),
				allow(StratumDirect, "r1", ActionRead),
				deny(StratumGroup, "r1", ActionRead),
			},
		},
		{
			name:   "wildcard resource id",
			grants: []Grant{allow(StratumRole, Wildcard, ActionRead)},
			want:   []Action{ActionRead},
		},
		{
			name:   "wildcard deny",
			grants: []Grant{allow(StratumDirect, "r1", ActionRead), deny(StratumRole, Wildcard, ActionRead)},
		},
		{
			name:   "grant on another resource",
			grants: []Grant{allow(StratumRole, "r2", ActionRead)},
		},
		{
			name: "grant on another resource type",
			grants: []Grant{{
				Stratum: StratumRole, ResourceType: "tool", ResourceID: "r1",
				Action: ActionRead, Effect: EffectAllow,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Effective(tt.grants, "resource", "r1")
			assert.Equal(t, tt.want, got.Actions())
		})
	}
}

func TestEffective_DenyOverridesForAllCombinations(t *testing.T) {
	t.Parallel()

	strata := []Stratum{StratumRole, StratumGroup, StratumDirect}
	actions := []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute, ActionManage}

	for _, denyStratum := range strata {
		for _, denied := range actions {
			for mask := 0; mask < 1<<len(strata); mask++ {
				var grants []Grant
				for i, s := range strata {
					if mask&(1<<i) != 0 {
						grants = append(grants, allow(s, "r1", ActionManage), allow(s, "r1", ActionExecute))
					}
				}
				grants = append(grants, deny(denyStratum, "r1", denied))

				set := Effective(grants, "resource", "r1")
				for _, a := range actions {
					if Expand(denied)&Expand(a) != 0 {
						assert.False(t, set.Allows(a), "deny %s at %s must remove %s", denied, denyStratum, a)
					}
				}
			}
		}
	}
}

func TestActionSet_Allows(t *testing.T) {
	t.Parallel()

	crud := Expand(ActionManage)
	assert.True(t, crud.Allows(ActionManage))
	assert.True(t, crud.Allows(ActionRead))
	assert.False(t, crud.Allows(ActionExecute))

	readOnly := Expand(ActionRead)
	assert.False(t, readOnly.Allows(ActionManage), "manage needs every crud action")
	assert.False(t, AllActions.Allows(Action("PUBLISH")))
	assert.Equal(t, "{READ}", readOnly.String())
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	a, err := ParseAction(" execute ")
	require.NoError(t, err)
	assert.Equal(t, ActionExecute, a)

	_, err = ParseAction("publish")
	require.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	valid := Request{SubjectID: "u", OrganizationID: "o", ResourceType: "resource", ResourceID: "r", Action: ActionRead}
	require.NoError(t, valid.validate())

	missing := valid
	missing.SubjectID = ""
	missing.ResourceID = ""
	err := missing.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject, resource id")

	unknown := valid
	unknown.Action = "PUBLISH"
	require.Error(t, unknown.validate())
}
