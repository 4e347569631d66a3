// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcpgate/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// releaseLockScript deletes the lock only while it still holds our owner value.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache is a Cache shared by every gateway replica.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisCacheWithClient creates a RedisCache with a pre-configured client.
func NewRedisCacheWithClient(client redis.UniversalClient, keyPrefix string) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) tokenKey(userID, resourceID string) string {
	return fmt.Sprintf("%stoken:%s:%s", c.keyPrefix, userID, resourceID)
}

func (c *RedisCache) lockKey(tokenID string) string {
	return fmt.Sprintf("%srefresh-lock:%s", c.keyPrefix, tokenID)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, userID, resourceID string) (*Token, error) {
	data, err := c.client.Get(ctx, c.tokenKey(userID, resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		// drop the corrupt entry and let the store path repopulate it
		logger.Warnw("discarding unreadable cached token", "user_id", userID, "resource_id", resourceID, "error", err)
		_ = c.Delete(ctx, userID, resourceID)
		return nil, nil
	}
	return &t, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, token *Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := c.client.Set(ctx, c.tokenKey(token.UserID, token.ResourceID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, userID, resourceID string) error {
	if err := c.client.Del(ctx, c.tokenKey(userID, resourceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached token: %w", err)
	}
	return nil
}

// AcquireRefreshLock implements Cache.
func (c *RedisCache) AcquireRefreshLock(ctx context.Context, tokenID string, ttl time.Duration) (func(), error) {
	key := c.lockKey(tokenID)
	owner := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultWriteTimeout)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, c.client, []string{key}, owner).Err(); err != nil {
			logger.Warnw("failed to release refresh lock", "token_id", tokenID, "error", err)
		}
	}, nil
}
