// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"unicode"
)

// DefaultSearchLimit is the number of search_tools results when no limit is given.
const DefaultSearchLimit = 10

// SearchIndex ranks tools for a query. Implementations may keep an index
// per (resourceID, configHash) and rebuild it when the hash changes.
// Search returns namespaced tool names, best match first.
type SearchIndex interface {
	Search(ctx context.Context, resourceID, configHash string, tools []Tool, query string, limit int) ([]string, error)
}

// queryTokens splits a query into distinct lowercase alphanumeric terms,
// in order of first appearance.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	return slices.DeleteFunc(fields, func(f string) bool {
		if _, dup := seen[f]; dup {
			return true
		}
		seen[f] = struct{}{}
		return false
	})
}

// substringSearch scores tools by term containment: a name hit is worth more
// than a description hit and an exact name match outranks everything. With
// no terms every tool matches, ordered by name.
func substringSearch(tools []Tool, query string, limit int) []Tool {
	terms := queryTokens(query)
	whole := strings.ToLower(strings.TrimSpace(query))

	type scored struct {
		tool  Tool
		score int
	}
	results := make([]scored, 0, len(tools))
	for _, t := range tools {
		name := strings.ToLower(t.Name)
		desc := strings.ToLower(t.Description)

		score := 0
		if len(terms) == 0 {
			score = 1
		}
		if whole != "" && (name == whole || strings.ToLower(t.BackendName) == whole) {
			score += 10
		}
		for _, term := range terms {
			if strings.Contains(name, term) {
				score += 3
			}
			if strings.Contains(desc, term) {
				score++
			}
		}
		if score > 0 {
			results = append(results, scored{tool: t, score: score})
		}
	}

	slices.SortStableFunc(results, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return strings.Compare(a.tool.Name, b.tool.Name)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]Tool, len(results))
	for i, r := range results {
		out[i] = r.tool
	}
	return out
}
