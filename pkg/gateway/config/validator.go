// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Validate performs validation of the configuration. All problems are
// reported together.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var errs []string
	for _, check := range []func() error{
		c.validateServer,
		c.validateSessions,
		c.validateAuth,
		c.validateTokens,
		c.validateCatalog,
		c.validateBackend,
		c.validateMiddleware,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative")
	}
	return nil
}

func (c *Config) validateSessions() error {
	s := c.Sessions
	if s.KeepaliveInterval <= 0 {
		return fmt.Errorf("sessions.keepaliveInterval must be positive")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("sessions.timeout must be positive")
	}
	if s.MaxErrors <= 0 {
		return fmt.Errorf("sessions.maxErrors must be positive")
	}
	if s.MaxSessions <= 0 {
		return fmt.Errorf("sessions.maxSessions must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.CacheSize <= 0 {
		return fmt.Errorf("auth.cacheSize must be positive")
	}
	jwt := c.Auth.JWT
	if jwt == nil {
		return nil
	}
	if jwt.Issuer == "" {
		return fmt.Errorf("auth.jwt.issuer is required")
	}
	if jwt.JWKSURL != "" {
		if _, err := url.ParseRequestURI(jwt.JWKSURL); err != nil {
			return fmt.Errorf("auth.jwt.jwksUrl is invalid: %w", err)
		}
	}
	return nil
}

func (c *Config) validateTokens() error {
	t := c.Tokens
	if t.RefreshMargin < 0 {
		return fmt.Errorf("tokens.refreshMargin must not be negative")
	}
	if t.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(t.EncryptionKey)
		if err != nil {
			return fmt.Errorf("tokens.encryptionKey must be base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("tokens.encryptionKey must decode to 32 bytes, got %d", len(key))
		}
	}
	if t.Redis != nil && t.Redis.Address == "" {
		return fmt.Errorf("tokens.redis.address is required")
	}
	return nil
}

func (c *Config) validateCatalog() error {
	switch c.Catalog.Mode {
	case CatalogModeStatic, CatalogModeDynamic:
	default:
		return fmt.Errorf("catalog.mode must be %q or %q, got %q", CatalogModeStatic, CatalogModeDynamic, c.Catalog.Mode)
	}
	if c.Catalog.CacheEntries <= 0 || c.Catalog.CacheBytes <= 0 {
		return fmt.Errorf("catalog cache bounds must be positive")
	}
	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.MaxAttempts <= 0 {
		return fmt.Errorf("backend.maxAttempts must be positive")
	}
	if c.Backend.RetryBackoff < 0 {
		return fmt.Errorf("backend.retryBackoff must not be negative")
	}
	return nil
}

func (c *Config) validateMiddleware() error {
	switch c.Middleware.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("middleware.format must be %q or %q, got %q", FormatJSON, FormatText, c.Middleware.Format)
	}
	if c.Middleware.PII != nil && c.Middleware.PII.URL == "" {
		return fmt.Errorf("middleware.pii.url is required")
	}
	return nil
}
