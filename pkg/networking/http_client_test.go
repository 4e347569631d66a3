// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressReferencesPrivateIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		address     string
		wantPrivate bool
		wantErr     bool
	}{
		{"loopback", "127.0.0.1:443", true, true},
		{"rfc1918", "10.1.2.3:80", true, true},
		{"link local", "169.254.169.254:80", true, true},
		{"ipv6 loopback", "[::1]:443", true, true},
		{"public", "93.184.216.34:443", false, false},
		{"public without port", "8.8.8.8", false, false},
		{"hostname", "example.com:443", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := AddressReferencesPrivateIP(tt.address)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPrivate, errors.Is(err, ErrPrivateAddress))
		})
	}
}

func TestHTTPClientBuilder_Defaults(t *testing.T) {
	t.Parallel()

	builder := NewHTTPClientBuilder()
	assert.Equal(t, HTTPTimeout, builder.clientTimeout)
	assert.False(t, builder.allowPrivate)
	assert.False(t, builder.httpsOnly)

	assert.Same(t, builder, builder.WithTimeout(0))
	assert.Equal(t, HTTPTimeout, builder.clientTimeout, "non-positive timeouts are ignored")
	builder.WithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, builder.clientTimeout)
}

func TestHTTPClientBuilder_Build(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		builder *HTTPClientBuilder
		wantErr bool
	}{
		{"private addresses refused", NewHTTPClientBuilder(), true},
		{"private addresses allowed", NewHTTPClientBuilder().WithPrivateIPs(true), false},
		{"plain http refused", NewHTTPClientBuilder().WithPrivateIPs(true).WithHTTPSOnly(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, err := tt.builder.Build()
			require.NoError(t, err)

			resp, err := client.Get(srv.URL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		})
	}
}

func TestHTTPClientBuilder_CABundle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))

	_, err := NewHTTPClientBuilder().WithCABundle(filepath.Join(dir, "missing.pem")).Build()
	assert.Error(t, err)
	_, err = NewHTTPClientBuilder().WithCABundle(bad).Build()
	assert.Error(t, err)
}
