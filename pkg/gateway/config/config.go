// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a duration string.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Catalog modes.
const (
	CatalogModeStatic  = "static"
	CatalogModeDynamic = "dynamic"
)

// Result formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config is the gateway configuration.
type Config struct {
	// Server configures the HTTP listener and inbound transports.
	Server ServerConfig `json:"server" yaml:"server"`

	// Sessions configures the connection and session manager.
	Sessions SessionConfig `json:"sessions" yaml:"sessions"`

	// Auth configures inbound credential resolution.
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Permissions configures the permission resolver.
	Permissions PermissionsConfig `json:"permissions" yaml:"permissions"`

	// Tokens configures the backend OAuth token lifecycle.
	Tokens TokenConfig `json:"tokens" yaml:"tokens"`

	// Catalog configures tool virtualization.
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Backend configures calls to backend MCP servers.
	Backend BackendConfig `json:"backend" yaml:"backend"`

	// Storage configures the relational store.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Middleware configures tool result processing.
	Middleware MiddlewareConfig `json:"middleware" yaml:"middleware"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// SessionHeader carries the session id for the streamable HTTP transport.
	SessionHeader string `json:"sessionHeader,omitempty" yaml:"sessionHeader,omitempty"`

	// RateLimit is the per-session request rate in requests per second. Zero disables limiting.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`

	// RateBurst is the per-session burst size.
	RateBurst int `json:"rateBurst,omitempty" yaml:"rateBurst,omitempty"`

	// ReadHeaderTimeout bounds the time to read request headers.
	ReadHeaderTimeout Duration `json:"readHeaderTimeout,omitempty" yaml:"readHeaderTimeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// KeepaliveInterval is the period of keepalive frames and of the sweep.
	KeepaliveInterval Duration `json:"keepaliveInterval,omitempty" yaml:"keepaliveInterval,omitempty"`

	// Timeout is the inactivity window after which a session is unhealthy.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxErrors is the error count at which a session is unhealthy.
	MaxErrors int `json:"maxErrors,omitempty" yaml:"maxErrors,omitempty"`

	// MaxSessions caps the number of live sessions.
	MaxSessions int `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`

	// BufferSize is the size of pooled per-session write buffers in bytes.
	BufferSize int `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty"`
}

// AuthConfig configures the auth resolver.
type AuthConfig struct {
	// APIKeyHeader is the header carrying an API key.
	APIKeyHeader string `json:"apiKeyHeader,omitempty" yaml:"apiKeyHeader,omitempty"`

	// APIKeyPrefix identifies API keys sent as bearer tokens.
	APIKeyPrefix string `json:"apiKeyPrefix,omitempty" yaml:"apiKeyPrefix,omitempty"`

	// CacheTTL is the lifetime of cached API key validations.
	CacheTTL Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`

	// CacheSize is the capacity of the API key validation cache.
	CacheSize int `json:"cacheSize,omitempty" yaml:"cacheSize,omitempty"`

	// JWT configures bearer token verification. Nil disables the bearer path.
	JWT *JWTConfig `json:"jwt,omitempty" yaml:"jwt,omitempty"`
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	// Issuer is the expected "iss" claim of OAuth bearer tokens.
	Issuer string `json:"issuer" yaml:"issuer"`

	// PlatformIssuer is the issuer of platform-minted JWTs. Tokens from this
	// issuer resolve with the JWT method rather than the OAuth bearer method.
	PlatformIssuer string `json:"platformIssuer,omitempty" yaml:"platformIssuer,omitempty"`

	// Audience is the expected "aud" claim. Empty disables the audience check.
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty"`

	// JWKSURL is the key set location. Empty means OIDC discovery on Issuer.
	JWKSURL string `json:"jwksUrl,omitempty" yaml:"jwksUrl,omitempty"`

	// OrganizationClaim names the claim carrying the organization id.
	OrganizationClaim string `json:"organizationClaim,omitempty" yaml:"organizationClaim,omitempty"`

	// EmailClaim names the claim used when "sub" is absent.
	EmailClaim string `json:"emailClaim,omitempty" yaml:"emailClaim,omitempty"`

	// ClockSkew is the leeway applied to time based claims.
	ClockSkew Duration `json:"clockSkew,omitempty" yaml:"clockSkew,omitempty"`

	// AllowPrivateIP permits discovery and key fetches from private addresses.
	AllowPrivateIP bool `json:"allowPrivateIP,omitempty" yaml:"allowPrivateIP,omitempty"`
}

// PermissionsConfig configures the permission resolver.
type PermissionsConfig struct {
	// CacheSize bounds the decision cache.
	CacheSize int `json:"cacheSize,omitempty" yaml:"cacheSize,omitempty"`

	// CacheTTL is a backstop lifetime for cached decisions.
	CacheTTL Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`

	// MaxGroupDepth caps group hierarchy walks.
	MaxGroupDepth int `json:"maxGroupDepth,omitempty" yaml:"maxGroupDepth,omitempty"`

	// Policies are Cedar forbid policies applied after grant evaluation.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// TokenConfig configures the token lifecycle manager.
type TokenConfig struct {
	// RefreshMargin is how close to expiry a token is refreshed.
	RefreshMargin Duration `json:"refreshMargin,omitempty" yaml:"refreshMargin,omitempty"`

	// CacheTTL bounds how long a token stays in the distributed cache.
	CacheTTL Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`

	// LockTTL bounds the cross-process refresh lock.
	LockTTL Duration `json:"lockTTL,omitempty" yaml:"lockTTL,omitempty"`

	// EncryptionKey is the base64 encoded 32 byte key sealing tokens at rest.
	EncryptionKey string `json:"encryptionKey,omitempty" yaml:"encryptionKey,omitempty"`

	// AuthorizationURL is the re-authorization URL template. "{resourceId}"
	// and "{userId}" are substituted.
	AuthorizationURL string `json:"authorizationUrl,omitempty" yaml:"authorizationUrl,omitempty"`

	// Redis configures the distributed cache. Nil selects the in-process cache.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db,omitempty" yaml:"db,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

// CatalogConfig configures the tool catalog.
type CatalogConfig struct {
	// Mode is "static" or "dynamic".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// CacheTTL is the lifetime of a cached static catalog.
	CacheTTL Duration `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"`

	// CacheEntries bounds the number of cached catalogs.
	CacheEntries int `json:"cacheEntries,omitempty" yaml:"cacheEntries,omitempty"`

	// CacheBytes bounds the total size of cached catalogs.
	CacheBytes int64 `json:"cacheBytes,omitempty" yaml:"cacheBytes,omitempty"`

	// SearchLimit is the default number of search_tools results.
	SearchLimit int `json:"searchLimit,omitempty" yaml:"searchLimit,omitempty"`

	// ValidateArguments checks tool arguments against the input schema before dispatch.
	ValidateArguments bool `json:"validateArguments,omitempty" yaml:"validateArguments,omitempty"`
}

// BackendConfig configures backend calls.
type BackendConfig struct {
	// Timeout bounds a single backend request.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxAttempts is the number of attempts for transport failures.
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`

	// RetryBackoff is the fixed delay between attempts.
	RetryBackoff Duration `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`

	// MaxResponseBytes caps backend response bodies.
	MaxResponseBytes int64 `json:"maxResponseBytes,omitempty" yaml:"maxResponseBytes,omitempty"`
}

// StorageConfig configures the relational store.
type StorageConfig struct {
	// SQLitePath is the database file path.
	SQLitePath string `json:"sqlitePath,omitempty" yaml:"sqlitePath,omitempty"`
}

// MiddlewareConfig configures tool result processors.
type MiddlewareConfig struct {
	// PII configures redaction through a classification service. Nil disables it.
	PII *PIIConfig `json:"pii,omitempty" yaml:"pii,omitempty"`

	// Format is the output format of JSON tool results: "json" or "text".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// PIIConfig configures the PII classification service.
type PIIConfig struct {
	URL      string   `json:"url" yaml:"url"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailOpen bool     `json:"failOpen,omitempty" yaml:"failOpen,omitempty"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}
