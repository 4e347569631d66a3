// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when another holder owns a refresh lock.
var ErrLockHeld = errors.New("refresh lock is held")

// Cache is a shared cache of sealed tokens keyed by (user, resource).
type Cache interface {
	// Get returns nil without error on a miss.
	Get(ctx context.Context, userID, resourceID string) (*Token, error)
	Set(ctx context.Context, token *Token, ttl time.Duration) error
	Delete(ctx context.Context, userID, resourceID string) error

	// AcquireRefreshLock takes an exclusive lock on a token id for ttl. It
	// returns ErrLockHeld when someone else holds the lock.
	AcquireRefreshLock(ctx context.Context, tokenID string, ttl time.Duration) (release func(), err error)
}

type memoryEntry struct {
	token     Token
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	locks   map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an empty cache. A nil now uses time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]time.Time),
		now:     now,
	}
}

func memoryKey(userID, resourceID string) string {
	return userID + ":" + resourceID
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, userID, resourceID string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := memoryKey(userID, resourceID)
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	t := e.token
	return &t, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, token *Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[memoryKey(token.UserID, token.ResourceID)] = memoryEntry{
		token:     *token,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, userID, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, memoryKey(userID, resourceID))
	return nil
}

// AcquireRefreshLock implements Cache.
func (c *MemoryCache) AcquireRefreshLock(_ context.Context, tokenID string, ttl time.Duration) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if until, held := c.locks[tokenID]; held && now.Before(until) {
		return nil, ErrLockHeld
	}
	until := now.Add(ttl)
	c.locks[tokenID] = until

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			// a lock that expired and was re-acquired belongs to someone else
			if c.locks[tokenID].Equal(until) {
				delete(c.locks, tokenID)
			}
		})
	}, nil
}
