// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stacklok/mcpgate/pkg/gateway/catalog"
)

// CreateInstance stores a template instance. An empty ID is generated and
// the version starts at 1.
func (s *Store) CreateInstance(ctx context.Context, inst *catalog.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	filter, err := encodeFilter(inst.ToolFilter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_instances (id, resource_id, name, url, transport, version, enabled, tool_filter, requires_oauth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.ResourceID, inst.Name, inst.URL, inst.Transport, inst.Version, inst.Enabled,
		filter, inst.RequiresOAuth,
	)
	if err != nil {
		return insertErr("template instance", err)
	}
	return nil
}

// UpdateInstance replaces an instance's settings and bumps its version,
// which changes the catalog configuration hash of its resource.
func (s *Store) UpdateInstance(ctx context.Context, inst *catalog.Instance) error {
	filter, err := encodeFilter(inst.ToolFilter)
	if err != nil {
		return err
	}

	var version int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE template_instances
		SET name = ?, url = ?, transport = ?, enabled = ?, tool_filter = ?, requires_oauth = ?,
		    version = version + 1
		WHERE id = ?
		RETURNING version`,
		inst.Name, inst.URL, inst.Transport, inst.Enabled, filter, inst.RequiresOAuth, inst.ID,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("updating template instance %s: %w", inst.ID, err)
	}
	inst.Version = version
	return nil
}

// ListInstances implements catalog.InstanceStore. Disabled instances are
// included; the catalog skips them.
func (s *Store) ListInstances(ctx context.Context, resourceID string) ([]catalog.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, name, url, transport, version, enabled, tool_filter, requires_oauth
		FROM template_instances
		WHERE resource_id = ?
		ORDER BY name`,
		resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing template instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []catalog.Instance
	for rows.Next() {
		var (
			inst   catalog.Instance
			filter string
		)
		if err := rows.Scan(&inst.ID, &inst.ResourceID, &inst.Name, &inst.URL, &inst.Transport,
			&inst.Version, &inst.Enabled, &filter, &inst.RequiresOAuth); err != nil {
			return nil, fmt.Errorf("scanning template instance: %w", err)
		}
		if err := json.Unmarshal([]byte(filter), &inst.ToolFilter); err != nil {
			return nil, fmt.Errorf("decoding tool filter of %s: %w", inst.ID, err)
		}
		if len(inst.ToolFilter) == 0 {
			inst.ToolFilter = nil
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating template instances: %w", err)
	}
	return out, nil
}

func encodeFilter(filter []string) (string, error) {
	if filter == nil {
		filter = []string{}
	}
	b, err := json.Marshal(filter)
	if err != nil {
		return "", fmt.Errorf("encoding tool filter: %w", err)
	}
	return string(b), nil
}
