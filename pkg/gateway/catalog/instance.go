// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog decides which tools a client sees for a resource and
// dispatches tool calls to the template instance that owns them.
//
// In static mode the catalog is the union of every enabled instance's tools,
// each namespaced as {instance}__{tool}. In dynamic mode the client sees
// three meta-tools (search_tools, describe_tools, execute_tool) backed by the
// same internal catalog.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// Separator joins an instance name and a backend tool name.
const Separator = "__"

// Instance is a configured template instance attached to a resource.
type Instance struct {
	ID         string   `json:"id"`
	ResourceID string   `json:"resourceId"`
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Transport  string   `json:"transport"`
	Version    int64    `json:"version"`
	Enabled    bool     `json:"enabled"`
	ToolFilter []string `json:"toolFilter,omitempty"`

	// RequiresOAuth instances are called with the user's token for the resource.
	RequiresOAuth bool `json:"requiresOAuth,omitempty"`
}

// allows reports whether the instance exposes the backend tool.
func (i Instance) allows(tool string) bool {
	return len(i.ToolFilter) == 0 || slices.Contains(i.ToolFilter, tool)
}

// InstanceStore lists the template instances of a resource.
type InstanceStore interface {
	ListInstances(ctx context.Context, resourceID string) ([]Instance, error)
}

// NamespacedName returns the client-visible name of a backend tool.
func NamespacedName(instance, tool string) string {
	return instance + Separator + tool
}

// SplitName splits a namespaced name at the first separator.
func SplitName(name string) (instance, tool string, ok bool) {
	return strings.Cut(name, Separator)
}

// ConfigHash fingerprints the instance configuration of a resource. Any
// change to an instance's identity, endpoint, version, enablement or tool
// filter yields a different hash. Input order does not matter.
func ConfigHash(instances []Instance) string {
	sorted := slices.Clone(instances)
	slices.SortFunc(sorted, func(a, b Instance) int { return strings.Compare(a.ID, b.ID) })

	type hashed struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		URL           string   `json:"url"`
		Transport     string   `json:"transport"`
		Version       int64    `json:"version"`
		Enabled       bool     `json:"enabled"`
		ToolFilter    []string `json:"toolFilter"`
		RequiresOAuth bool     `json:"requiresOAuth"`
	}
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, inst := range sorted {
		filter := slices.Clone(inst.ToolFilter)
		slices.Sort(filter)
		// encoding a flat struct of strings and scalars cannot fail
		_ = enc.Encode(hashed{
			ID:            inst.ID,
			Name:          inst.Name,
			URL:           inst.URL,
			Transport:     inst.Transport,
			Version:       inst.Version,
			Enabled:       inst.Enabled,
			ToolFilter:    filter,
			RequiresOAuth: inst.RequiresOAuth,
		})
	}
	return hex.EncodeToString(h.Sum(nil))
}
