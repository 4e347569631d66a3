// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"
)

// Default values.
const (
	defaultAddress           = ":8080"
	defaultSessionHeader     = "Mcp-Session-Id"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 15 * time.Second

	// DefaultKeepaliveInterval is the keepalive and sweep period.
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultSessionTimeout is the inactivity window of a healthy session.
	DefaultSessionTimeout = 60 * time.Second

	// DefaultMaxErrors is the error count at which a session becomes unhealthy.
	DefaultMaxErrors = 5

	// DefaultMaxSessions caps the number of live sessions.
	DefaultMaxSessions = 1000

	defaultBufferSize = 32 * 1024

	defaultAPIKeyHeader  = "X-API-Key"
	defaultAPIKeyPrefix  = "mcpg_"
	defaultAuthCacheTTL  = 5 * time.Minute
	defaultAuthCacheSize = 100

	defaultOrganizationClaim = "org_id"
	defaultEmailClaim        = "email"
	defaultClockSkew         = 30 * time.Second

	defaultPermissionCacheSize = 10000
	defaultPermissionCacheTTL  = 10 * time.Minute
	defaultMaxGroupDepth       = 32

	defaultRefreshMargin = 5 * time.Minute
	defaultTokenCacheTTL = 10 * time.Minute
	defaultLockTTL       = 30 * time.Second
	defaultRedisPrefix   = "mcpgate:"

	defaultCatalogTTL     = 5 * time.Minute
	defaultCatalogEntries = 50
	defaultCatalogBytes   = 50 * 1024 * 1024
	defaultSearchLimit    = 10

	defaultBackendTimeout   = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultRetryBackoff     = 2500 * time.Millisecond
	defaultMaxResponseBytes = 10 * 1024 * 1024

	defaultSQLitePath = "mcpgate.db"
	defaultPIITimeout = 5 * time.Second
	defaultMetrics    = "/metrics"
)

// Defaults returns a fully populated configuration with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           defaultAddress,
			SessionHeader:     defaultSessionHeader,
			ReadHeaderTimeout: Duration(defaultReadHeaderTimeout),
			ShutdownTimeout:   Duration(defaultShutdownTimeout),
		},
		Sessions: SessionConfig{
			KeepaliveInterval: Duration(DefaultKeepaliveInterval),
			Timeout:           Duration(DefaultSessionTimeout),
			MaxErrors:         DefaultMaxErrors,
			MaxSessions:       DefaultMaxSessions,
			BufferSize:        defaultBufferSize,
		},
		Auth: AuthConfig{
			APIKeyHeader: defaultAPIKeyHeader,
			APIKeyPrefix: defaultAPIKeyPrefix,
			CacheTTL:     Duration(defaultAuthCacheTTL),
			CacheSize:    defaultAuthCacheSize,
		},
		Permissions: PermissionsConfig{
			CacheSize:     defaultPermissionCacheSize,
			CacheTTL:      Duration(defaultPermissionCacheTTL),
			MaxGroupDepth: defaultMaxGroupDepth,
		},
		Tokens: TokenConfig{
			RefreshMargin: Duration(defaultRefreshMargin),
			CacheTTL:      Duration(defaultTokenCacheTTL),
			LockTTL:       Duration(defaultLockTTL),
		},
		Catalog: CatalogConfig{
			Mode:         CatalogModeStatic,
			CacheTTL:     Duration(defaultCatalogTTL),
			CacheEntries: defaultCatalogEntries,
			CacheBytes:   defaultCatalogBytes,
			SearchLimit:  defaultSearchLimit,
		},
		Backend: BackendConfig{
			Timeout:          Duration(defaultBackendTimeout),
			MaxAttempts:      defaultMaxAttempts,
			RetryBackoff:     Duration(defaultRetryBackoff),
			MaxResponseBytes: defaultMaxResponseBytes,
		},
		Storage: StorageConfig{
			SQLitePath: defaultSQLitePath,
		},
		Middleware: MiddlewareConfig{
			Format: FormatJSON,
		},
		Metrics: MetricsConfig{
			Path: defaultMetrics,
		},
	}
}

// EnsureDefaults fills zero values with defaults. User-provided values are
// preserved.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	_ = mergo.Merge(c, Defaults())

	if c.Auth.JWT != nil {
		if c.Auth.JWT.OrganizationClaim == "" {
			c.Auth.JWT.OrganizationClaim = defaultOrganizationClaim
		}
		if c.Auth.JWT.EmailClaim == "" {
			c.Auth.JWT.EmailClaim = defaultEmailClaim
		}
		if c.Auth.JWT.ClockSkew == 0 {
			c.Auth.JWT.ClockSkew = Duration(defaultClockSkew)
		}
	}
	if c.Tokens.Redis != nil && c.Tokens.Redis.KeyPrefix == "" {
		c.Tokens.Redis.KeyPrefix = defaultRedisPrefix
	}
	if c.Middleware.PII != nil && c.Middleware.PII.Timeout == 0 {
		c.Middleware.PII.Timeout = Duration(defaultPIITimeout)
	}
}
