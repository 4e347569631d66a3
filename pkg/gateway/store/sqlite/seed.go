// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
	"github.com/stacklok/mcpgate/pkg/gateway/permissions"
)

// Seed is a bootstrap document describing organizations and everything they
// own. It is applied in a single transaction.
type Seed struct {
	Organizations []SeedOrganization `yaml:"organizations"`
}

// SeedOrganization describes one organization.
type SeedOrganization struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Users     []SeedUser     `yaml:"users"`
	Resources []SeedResource `yaml:"resources"`
	Roles     []SeedRole     `yaml:"roles"`
	Groups    []SeedGroup    `yaml:"groups"`
}

// SeedUser is a user and its membership.
type SeedUser struct {
	ID      string      `yaml:"id"`
	Subject string      `yaml:"subject"`
	Email   string      `yaml:"email"`
	Admin   bool        `yaml:"admin"`
	Grants  []SeedGrant `yaml:"grants"`
}

// SeedResource is a resource with its keys and instances.
type SeedResource struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Disabled  bool           `yaml:"disabled"`
	APIKeys   []SeedAPIKey   `yaml:"apiKeys"`
	Instances []SeedInstance `yaml:"instances"`
}

// SeedInstance is a template instance of a resource.
type SeedInstance struct {
	Name          string   `yaml:"name"`
	URL           string   `yaml:"url"`
	Transport     string   `yaml:"transport"`
	Disabled      bool     `yaml:"disabled"`
	ToolFilter    []string `yaml:"toolFilter"`
	RequiresOAuth bool     `yaml:"requiresOAuth"`
}

// SeedAPIKey is an API key given in plaintext.
type SeedAPIKey struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	UserID string `yaml:"userId"`
}

// SeedRole is a role, its grants and the users it is assigned to.
type SeedRole struct {
	Name   string      `yaml:"name"`
	Users  []string    `yaml:"users"`
	Grants []SeedGrant `yaml:"grants"`
}

// SeedGroup is a group. Parents name other groups of the organization.
type SeedGroup struct {
	Name    string      `yaml:"name"`
	Users   []string    `yaml:"users"`
	Parents []string    `yaml:"parents"`
	Grants  []SeedGrant `yaml:"grants"`
}

// SeedGrant is a grant in seed form.
type SeedGrant struct {
	ResourceType string `yaml:"resourceType"`
	ResourceID   string `yaml:"resourceId"`
	Action       string `yaml:"action"`
	Effect       string `yaml:"effect"`
}

func (g SeedGrant) grant() (permissions.Grant, error) {
	action, err := permissions.ParseAction(g.Action)
	if err != nil {
		return permissions.Grant{}, err
	}
	effect := permissions.EffectAllow
	switch strings.ToUpper(g.Effect) {
	case "", string(permissions.EffectAllow):
	case string(permissions.EffectDeny):
		effect = permissions.EffectDeny
	default:
		return permissions.Grant{}, fmt.Errorf("unknown effect %q", g.Effect)
	}
	resourceID := g.ResourceID
	if resourceID == "" {
		resourceID = permissions.Wildcard
	}
	return permissions.Grant{
		ResourceType: g.ResourceType,
		ResourceID:   resourceID,
		Action:       action,
		Effect:       effect,
	}, nil
}

// LoadSeed decodes a YAML seed document.
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	return &seed, nil
}

// ApplySeed writes a seed document. Nothing is written when any part fails.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	return s.inTx(ctx, func(tx *Store) error {
		for i := range seed.Organizations {
			if err := tx.seedOrganization(ctx, &seed.Organizations[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) seedOrganization(ctx context.Context, o *SeedOrganization) error {
	org := &Organization{ID: o.ID, Name: o.Name}
	if err := s.CreateOrganization(ctx, org); err != nil {
		return fmt.Errorf("organization %q: %w", o.Name, err)
	}

	for _, u := range o.Users {
		user := &User{ID: u.ID, Subject: u.Subject, Email: u.Email}
		if err := s.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("user %q: %w", u.ID, err)
		}
		if err := s.AddMember(ctx, user.ID, org.ID, u.Admin); err != nil {
			return err
		}
		if err := s.seedGrants(ctx, org.ID, GrantTarget{UserID: user.ID}, u.Grants); err != nil {
			return fmt.Errorf("user %q: %w", user.ID, err)
		}
	}

	for _, r := range o.Resources {
		res := &Resource{ID: r.ID, OrganizationID: org.ID, Name: r.Name, Enabled: !r.Disabled}
		if err := s.CreateResource(ctx, res); err != nil {
			return fmt.Errorf("resource %q: %w", r.Name, err)
		}
		for _, k := range r.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("api key %q of resource %q has no key", k.Name, r.Name)
			}
			if err := s.CreateAPIKey(ctx, &APIKey{Name: k.Name, ResourceID: res.ID, UserID: k.UserID}, k.Key); err != nil {
				return fmt.Errorf("api key %q: %w", k.Name, err)
			}
		}
		for _, si := range r.Instances {
			inst := &catalog.Instance{
				ResourceID:    res.ID,
				Name:          si.Name,
				URL:           si.URL,
				Transport:     si.Transport,
				Enabled:       !si.Disabled,
				ToolFilter:    si.ToolFilter,
				RequiresOAuth: si.RequiresOAuth,
			}
			if inst.Transport == "" {
				inst.Transport = backend.TransportStreamableHTTP
			}
			if err := s.CreateInstance(ctx, inst); err != nil {
				return fmt.Errorf("instance %q: %w", si.Name, err)
			}
		}
	}

	for _, r := range o.Roles {
		roleID, err := s.CreateRole(ctx, org.ID, r.Name)
		if err != nil {
			return fmt.Errorf("role %q: %w", r.Name, err)
		}
		for _, userID := range r.Users {
			if err := s.AssignRole(ctx, userID, roleID); err != nil {
				return err
			}
		}
		if err := s.seedGrants(ctx, org.ID, GrantTarget{RoleID: roleID}, r.Grants); err != nil {
			return fmt.Errorf("role %q: %w", r.Name, err)
		}
	}

	groupIDs := make(map[string]string, len(o.Groups))
	for _, g := range o.Groups {
		id, err := s.CreateGroup(ctx, org.ID, g.Name)
		if err != nil {
			return fmt.Errorf("group %q: %w", g.Name, err)
		}
		groupIDs[g.Name] = id
		for _, userID := range g.Users {
			if err := s.AddGroupMember(ctx, id, userID); err != nil {
				return err
			}
		}
		if err := s.seedGrants(ctx, org.ID, GrantTarget{GroupID: id}, g.Grants); err != nil {
			return fmt.Errorf("group %q: %w", g.Name, err)
		}
	}
	for _, g := range o.Groups {
		for _, parent := range g.Parents {
			parentID, ok := groupIDs[parent]
			if !ok {
				return fmt.Errorf("group %q: unknown parent group %q", g.Name, parent)
			}
			if err := s.NestGroup(ctx, groupIDs[g.Name], parentID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) seedGrants(ctx context.Context, orgID string, target GrantTarget, grants []SeedGrant) error {
	for _, sg := range grants {
		g, err := sg.grant()
		if err != nil {
			return err
		}
		if err := s.AddGrant(ctx, orgID, target, g); err != nil {
			return err
		}
	}
	return nil
}
