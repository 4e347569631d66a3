// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS catalog_tools_fts USING fts5(
	resource_id UNINDEXED,
	name,
	description,
	tokenize = 'porter unicode61'
)`

// FTSIndex is a SearchIndex backed by an in-memory SQLite FTS5 table.
// Each resource keeps the rows of the configuration hash it was last
// indexed for.
type FTSIndex struct {
	db *sql.DB

	mu      sync.Mutex
	indexed map[string]string // resource id -> config hash
}

// NewFTSIndex opens the index. It fails when the SQLite build lacks FTS5.
func NewFTSIndex() (*FTSIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ftsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize fts5 schema: %w", err)
	}
	return &FTSIndex{db: db, indexed: make(map[string]string)}, nil
}

// Close releases the database.
func (x *FTSIndex) Close() error {
	return x.db.Close()
}

// Search implements SearchIndex.
func (x *FTSIndex) Search(
	ctx context.Context, resourceID, configHash string, tools []Tool, query string, limit int,
) ([]string, error) {
	expr := ftsExpression(query)
	if expr == "" {
		return nil, nil
	}
	if err := x.ensureIndexed(ctx, resourceID, configHash, tools); err != nil {
		return nil, err
	}

	// column weights: resource_id, name, description
	rows, err := x.db.QueryContext(ctx, `SELECT name
		FROM catalog_tools_fts
		WHERE catalog_tools_fts MATCH ? AND resource_id = ?
		ORDER BY bm25(catalog_tools_fts, 0.0, 5.0, 1.0)
		LIMIT ?`, expr, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts5 query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Forget drops the rows of a resource.
func (x *FTSIndex) Forget(ctx context.Context, resourceID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.db.ExecContext(ctx, `DELETE FROM catalog_tools_fts WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("failed to drop index rows: %w", err)
	}
	delete(x.indexed, resourceID)
	return nil
}

func (x *FTSIndex) ensureIndexed(ctx context.Context, resourceID, configHash string, tools []Tool) (retErr error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.indexed[resourceID] == configHash {
		return nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_tools_fts WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("failed to drop stale rows: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_tools_fts (resource_id, name, description) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tools {
		if _, err := stmt.ExecContext(ctx, resourceID, t.Name, t.Description); err != nil {
			return fmt.Errorf("failed to index tool %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index: %w", err)
	}
	x.indexed[resourceID] = configHash
	return nil
}

// ftsExpression turns a query into an OR of quoted prefix terms. Quoting
// keeps FTS5 operators in user input from being interpreted.
func ftsExpression(query string) string {
	terms := queryTokens(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"*`
	}
	return strings.Join(quoted, " OR ")
}
