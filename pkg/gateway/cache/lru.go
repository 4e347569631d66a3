// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the bounded in-process cache shared by the auth,
// permission and catalog layers: LRU eviction, per-entry TTL, an optional
// byte budget and predicate based bulk invalidation.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Options configures an LRU.
type Options[V any] struct {
	// Capacity is the maximum number of entries. Zero means unbounded.
	Capacity int

	// TTL is the lifetime of an entry. Zero means entries never expire.
	TTL time.Duration

	// MaxBytes bounds the sum of Size over all entries. Zero disables the budget.
	MaxBytes int64

	// Size reports the byte cost of a value. Required when MaxBytes is set.
	Size func(V) int64

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Stats provides cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	size      int64
}

// LRU is a thread-safe least-recently-used cache.
type LRU[K comparable, V any] struct {
	opts Options[V]

	mu    sync.Mutex
	ll    *list.List
	items map[K]*list.Element
	bytes int64
	stats Stats
}

// New creates an LRU.
func New[K comparable, V any](opts Options[V]) *LRU[K, V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU[K, V]{
		opts:  opts,
		ll:    list.New(),
		items: make(map[K]*list.Element),
	}
}

// Get returns the value for key. Expired entries are removed and count as misses.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e) {
		c.removeElement(el)
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key, evicting least recently used entries to stay
// within bounds. It reports false when the value alone exceeds the byte
// budget, in which case nothing is stored and any previous value is removed.
func (c *LRU[K, V]) Set(key K, value V) bool {
	var size int64
	if c.opts.MaxBytes > 0 && c.opts.Size != nil {
		size = c.opts.Size(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if c.opts.MaxBytes > 0 && size > c.opts.MaxBytes {
		return false
	}

	e := &entry[K, V]{key: key, value: value, size: size}
	if c.opts.TTL > 0 {
		e.expiresAt = c.opts.Now().Add(c.opts.TTL)
	}
	c.items[key] = c.ll.PushFront(e)
	c.bytes += size

	for c.overBudget() {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.stats.Evictions++
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// DeleteFunc removes every entry for which match returns true and returns
// how many were removed.
func (c *LRU[K, V]) DeleteFunc(match func(key K, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.items {
		if match(key, el.Value.(*entry[K, V]).value) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// PurgeExpired removes expired entries and returns how many were removed.
func (c *LRU[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, el := range c.items {
		if c.expired(el.Value.(*entry[K, V])) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[K]*list.Element)
	c.bytes = 0
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Bytes = c.bytes
	return s
}

func (c *LRU[K, V]) expired(e *entry[K, V]) bool {
	return !e.expiresAt.IsZero() && !c.opts.Now().Before(e.expiresAt)
}

func (c *LRU[K, V]) overBudget() bool {
	if c.opts.Capacity > 0 && c.ll.Len() > c.opts.Capacity {
		return true
	}
	return c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.bytes -= e.size
}
