// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const (
	defaultRefreshTimeout = 30 * time.Second
	defaultTokenLifetime  = time.Hour
	lockPollInterval      = 100 * time.Millisecond
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin time.Duration

	// CacheTTL bounds how long a token stays in the cache.
	CacheTTL time.Duration

	// LockTTL bounds how long a refresh lock is held.
	LockTTL time.Duration

	// AuthorizationURL is reported in re-authorization payloads.
	// "{resourceId}" and "{userId}" are substituted.
	AuthorizationURL string

	// OnRefresh observes every refresh attempt. err is nil on success.
	OnRefresh func(ctx context.Context, err error)

	Now func() time.Time
}

// Manager hands out usable backend tokens.
type Manager struct {
	store     Store
	cache     Cache
	cipher    Cipher
	refresher Refresher
	cfg       ManagerConfig

	flight  singleflight.Group
	touches sync.WaitGroup
}

// NewManager creates a manager. A nil cipher stores tokens in plaintext and
// a nil cache uses a process-local MemoryCache.
func NewManager(store Store, cache Cache, cipher Cipher, refresher Refresher, cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultRefreshTimeout
	}
	if cipher == nil {
		cipher = NopCipher{}
	}
	if cache == nil {
		cache = NewMemoryCache(cfg.Now)
	}
	return &Manager{
		store:     store,
		cache:     cache,
		cipher:    cipher,
		refresher: refresher,
		cfg:       cfg,
	}
}

// GetValidToken returns a usable token for (resourceID, userID). When the
// token cannot be used the error is a re-authorization error carrying the
// token, user and resource ids.
func (m *Manager) GetValidToken(ctx context.Context, resourceID, userID string) (*Token, error) {
	if t := m.fromCache(ctx, userID, resourceID); t != nil {
		return t, nil
	}

	sealed, err := m.store.LoadToken(ctx, userID, resourceID)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, m.reauth("", userID, resourceID, gwerrors.ReAuthNotFound, nil)
	}
	if err != nil {
		return nil, gwerrors.NewInternal("failed to load token", err)
	}
	token, err := m.cipher.Open(sealed)
	if err != nil {
		return nil, gwerrors.NewInternal("failed to open token", err)
	}

	now := m.cfg.Now()
	switch {
	case !token.Valid:
		return nil, m.reauth(token.ID, userID, resourceID, gwerrors.ReAuthInvalid, nil)
	case token.Expired(now):
		return nil, m.reauth(token.ID, userID, resourceID, gwerrors.ReAuthExpired, nil)
	case token.ExpiresWithin(now, m.cfg.RefreshMargin):
		return m.refresh(ctx, token)
	}

	m.cacheToken(ctx, sealed, now)
	m.touch(token.ID)
	return token, nil
}

// fromCache returns a cached token unless it is missing, unreadable or due
// for refresh.
func (m *Manager) fromCache(ctx context.Context, userID, resourceID string) *Token {
	sealed, err := m.cache.Get(ctx, userID, resourceID)
	if err != nil {
		logger.Warnw("token cache read failed", "user_id", userID, "resource_id", resourceID, "error", err)
		return nil
	}
	if sealed == nil || !sealed.Valid || sealed.ExpiresWithin(m.cfg.Now(), m.cfg.RefreshMargin) {
		return nil
	}
	token, err := m.cipher.Open(sealed)
	if err != nil {
		logger.Warnw("cached token could not be opened", "token_id", sealed.ID, "error", err)
		return nil
	}
	return token
}

// refresh runs at most one refresh per token id in this process and, through
// the cache lock, across processes.
func (m *Manager) refresh(ctx context.Context, token *Token) (*Token, error) {
	v, err, shared := m.flight.Do(token.ID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LockTTL)
		defer cancel()
		return m.refreshLocked(rctx, token)
	})
	if shared {
		logger.Debugw("joined in-flight token refresh", "token_id", token.ID)
	}
	if err != nil {
		return nil, err
	}
	out := *v.(*Token)
	return &out, nil
}

func (m *Manager) refreshLocked(ctx context.Context, token *Token) (*Token, error) {
	release, err := m.cache.AcquireRefreshLock(ctx, token.ID, m.cfg.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		return m.awaitPeerRefresh(ctx, token)
	}
	if err != nil {
		logger.Warnw("refresh lock unavailable, refreshing without it", "token_id", token.ID, "error", err)
		release = func() {}
	}
	defer release()

	// another replica may have refreshed before we took the lock
	if current := m.fromCache(ctx, token.UserID, token.ResourceID); current != nil {
		return current, nil
	}

	if m.refresher == nil {
		return nil, m.reauth(token.ID, token.UserID, token.ResourceID, gwerrors.ReAuthRefreshFailed,
			errors.New("no refresher configured"))
	}
	fresh, err := m.refresher.Refresh(ctx, token)
	if m.cfg.OnRefresh != nil {
		m.cfg.OnRefresh(ctx, err)
	}
	if err != nil {
		logger.Warnw("token refresh failed", "token_id", token.ID, "user_id", token.UserID,
			"resource_id", token.ResourceID, "error", err)
		if IsPermanentRefreshError(err) {
			if markErr := m.store.MarkInvalid(ctx, token.ID); markErr != nil {
				logger.Warnw("failed to mark token invalid", "token_id", token.ID, "error", markErr)
			}
		}
		return nil, m.reauth(token.ID, token.UserID, token.ResourceID, gwerrors.ReAuthRefreshFailed, err)
	}

	now := m.cfg.Now()
	if fresh.ExpiresAt.IsZero() {
		fresh.ExpiresAt = now.Add(defaultTokenLifetime)
	}
	sealed, err := m.cipher.Seal(fresh)
	if err != nil {
		return nil, gwerrors.NewInternal("failed to seal refreshed token", err)
	}
	if err := m.store.SaveToken(ctx, sealed); err != nil {
		return nil, gwerrors.NewInternal("failed to save refreshed token", err)
	}
	m.cacheToken(ctx, sealed, now)
	m.touch(fresh.ID)
	logger.Debugw("token refreshed", "token_id", fresh.ID, "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// awaitPeerRefresh waits for the lock holder to publish a refreshed token.
func (m *Manager) awaitPeerRefresh(ctx context.Context, token *Token) (*Token, error) {
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, m.reauth(token.ID, token.UserID, token.ResourceID, gwerrors.ReAuthRefreshFailed,
				fmt.Errorf("timed out waiting for concurrent refresh: %w", ctx.Err()))
		case <-ticker.C:
			if current := m.fromCache(ctx, token.UserID, token.ResourceID); current != nil {
				return current, nil
			}
		}
	}
}

func (m *Manager) cacheToken(ctx context.Context, sealed *Token, now time.Time) {
	ttl := min(m.cfg.CacheTTL, sealed.ExpiresAt.Sub(now)-m.cfg.RefreshMargin)
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, sealed, ttl); err != nil {
		logger.Warnw("token cache write failed", "token_id", sealed.ID, "error", err)
	}
}

func (m *Manager) touch(tokenID string) {
	at := m.cfg.Now()
	m.touches.Add(1)
	go func() {
		defer m.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchLastUsed(ctx, tokenID, at); err != nil {
			logger.Debugw("failed to record token use", "token_id", tokenID, "error", err)
		}
	}()
}

// Wait blocks until background last-used updates finish.
func (m *Manager) Wait() {
	m.touches.Wait()
}

// Invalidate drops the cached token for (userID, resourceID).
func (m *Manager) Invalidate(ctx context.Context, userID, resourceID string) error {
	return m.cache.Delete(ctx, userID, resourceID)
}

func (m *Manager) reauth(tokenID, userID, resourceID, reason string, cause error) error {
	err := gwerrors.NewReAuthRequired(tokenID, userID, resourceID, reason, cause)
	if p, ok := err.Data.(*gwerrors.ReAuthPayload); ok && m.cfg.AuthorizationURL != "" {
		p.AuthorizationURL = strings.NewReplacer(
			"{resourceId}", url.PathEscape(resourceID),
			"{userId}", url.PathEscape(userID),
		).Replace(m.cfg.AuthorizationURL)
	}
	return err
}
