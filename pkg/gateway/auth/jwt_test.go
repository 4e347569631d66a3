// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/auth/mocks"
)

const (
	testKeyID          = "test-key"
	testIssuer         = "https://idp.example.com"
	testPlatformIssuer = "https://platform.example.com"
)

type signer struct {
	rsa *rsa.PrivateKey
	ec  *ecdsa.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &signer{rsa: rsaKey, ec: ecKey}
}

func (s *signer) keys() auth.KeyProvider {
	return auth.KeyProviderFunc(func(_ context.Context, kid string) (any, error) {
		switch kid {
		case testKeyID:
			return &s.rsa.PublicKey, nil
		case "ec-key":
			return &s.ec.PublicKey, nil
		}
		return nil, errors.New("unknown kid")
	})
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(s.rsa)
	require.NoError(t, err)
	return signed
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    testIssuer,
		"sub":    "subject-1",
		"org_id": "org-1",
		"exp":    now.Add(time.Hour).Unix(),
		"iat":    now.Unix(),
	}
}

func newVerifier(s *signer, users auth.UserDirectory, now func() time.Time) *auth.JWTVerifier {
	return auth.NewJWTVerifier(s.keys(), users, auth.JWTVerifierConfig{
		Issuer:         testIssuer,
		PlatformIssuer: testPlatformIssuer,
		ClockSkew:      30 * time.Second,
		Now:            now,
	})
}

func TestJWTVerifier_ResolvesMethodByIssuer(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	now := time.Now()

	tests := []struct {
		name   string
		issuer string
		want   auth.Method
	}{
		{"oauth issuer", testIssuer, auth.OAuthBearerMethod{Issuer: testIssuer, Subject: "subject-1"}},
		{"platform issuer", testPlatformIssuer, auth.JWTMethod{Issuer: testPlatformIssuer, Subject: "subject-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			users := mocks.NewMockUserDirectory(ctrl)
			users.EXPECT().ResolveUser(gomock.Any(), "subject-1", "").Return("user-1", nil)
			users.EXPECT().IsMember(gomock.Any(), "user-1", "org-1").Return(true, nil)

			claims := baseClaims(now)
			claims["iss"] = tt.issuer

			ac, err := newVerifier(s, users, time.Now).Verify(context.Background(), s.sign(t, claims), "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ac.Method)
			assert.Equal(t, "user-1", ac.UserID)
			assert.Equal(t, "org-1", ac.OrganizationID)
		})
	}
}

func TestJWTVerifier_ECDSA(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserDirectory(ctrl)
	users.EXPECT().ResolveUser(gomock.Any(), gomock.Any(), gomock.Any()).Return("user-1", nil)
	users.EXPECT().IsMember(gomock.Any(), "user-1", "org-1").Return(true, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, baseClaims(time.Now()))
	token.Header["kid"] = "ec-key"
	signed, err := token.SignedString(s.ec)
	require.NoError(t, err)

	_, err = newVerifier(s, users, time.Now).Verify(context.Background(), signed, "")
	require.NoError(t, err)
}

func TestJWTVerifier_Failures(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	other := newSigner(t)
	now := time.Now()

	tests := []struct {
		name       string
		token      func(t *testing.T) string
		orgHint    string
		setup      func(u *mocks.MockUserDirectory)
		wantKind   gwerrors.Kind
		wantReason string
	}{
		{
			name: "signed with an unknown key",
			token: func(t *testing.T) string {
				t.Helper()
				return other.sign(t, baseClaims(now))
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonInvalidSignature,
		},
		{
			name: "malformed token",
			token: func(*testing.T) string {
				return "not-a-jwt"
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonInvalidSignature,
		},
		{
			name: "expired beyond skew",
			token: func(t *testing.T) string {
				t.Helper()
				c := baseClaims(now)
				c["exp"] = now.Add(-time.Minute).Unix()
				return s.sign(t, c)
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonTokenExpired,
		},
		{
			name: "missing expiry",
			token: func(t *testing.T) string {
				t.Helper()
				c := baseClaims(now)
				delete(c, "exp")
				return s.sign(t, c)
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonInvalidClaims,
		},
		{
			name: "untrusted issuer",
			token: func(t *testing.T) string {
				t.Helper()
				c := baseClaims(now)
				c["iss"] = "https://evil.example.com"
				return s.sign(t, c)
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonInvalidClaims,
		},
		{
			name: "no subject and no email",
			token: func(t *testing.T) string {
				t.Helper()
				c := baseClaims(now)
				delete(c, "sub")
				return s.sign(t, c)
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonSubjectUnresolvable,
		},
		{
			name: "unknown user",
			token: func(t *testing.T) string {
				t.Helper()
				return s.sign(t, baseClaims(now))
			},
			setup: func(u *mocks.MockUserDirectory) {
				u.EXPECT().ResolveUser(gomock.Any(), "subject-1", "").Return("", auth.ErrUserNotFound)
			},
			wantKind:   gwerrors.KindUnauthorized,
			wantReason: auth.ReasonSubjectUnresolvable,
		},
		{
			name: "not a member",
			token: func(t *testing.T) string {
				t.Helper()
				return s.sign(t, baseClaims(now))
			},
			setup: func(u *mocks.MockUserDirectory) {
				u.EXPECT().ResolveUser(gomock.Any(), gomock.Any(), gomock.Any()).Return("user-1", nil)
				u.EXPECT().IsMember(gomock.Any(), "user-1", "org-1").Return(false, nil)
			},
			wantKind:   gwerrors.KindForbidden,
			wantReason: auth.ReasonNotAMember,
		},
		{
			name: "no organization",
			token: func(t *testing.T) string {
				t.Helper()
				c := baseClaims(now)
				delete(c, "org_id")
				return s.sign(t, c)
			},
			setup: func(u *mocks.MockUserDirectory) {
				u.EXPECT().ResolveUser(gomock.Any(), gomock.Any(), gomock.Any()).Return("user-1", nil)
			},
			wantKind:   gwerrors.KindForbidden,
			wantReason: auth.ReasonMissingOrganization,
		},
		{
			name: "organization hint disagrees with claim",
			token: func(t *testing.T) string {
				t.Helper()
				return s.sign(t, baseClaims(now))
			},
			orgHint: "org-2",
			setup: func(u *mocks.MockUserDirectory) {
				u.EXPECT().ResolveUser(gomock.Any(), gomock.Any(), gomock.Any()).Return("user-1", nil)
			},
			wantKind:   gwerrors.KindForbidden,
			wantReason: auth.ReasonOrganizationMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			users := mocks.NewMockUserDirectory(ctrl)
			if tt.setup != nil {
				tt.setup(users)
			}

			_, err := newVerifier(s, users, time.Now).Verify(context.Background(), tt.token(t), tt.orgHint)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, gwerrors.KindOf(err))
			assert.Equal(t, tt.wantReason, gwerrors.ReasonOf(err))
		})
	}
}

func TestJWTVerifier_EmailFallbackAndOrgHint(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	now := time.Now()

	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserDirectory(ctrl)
	users.EXPECT().ResolveUser(gomock.Any(), "", "dev@example.com").Return("user-7", nil)
	users.EXPECT().IsMember(gomock.Any(), "user-7", "org-9").Return(true, nil)

	c := baseClaims(now)
	delete(c, "sub")
	delete(c, "org_id")
	c["email"] = "dev@example.com"

	ac, err := newVerifier(s, users, time.Now).Verify(context.Background(), s.sign(t, c), "org-9")
	require.NoError(t, err)
	assert.Equal(t, "user-7", ac.UserID)
	assert.Equal(t, "org-9", ac.OrganizationID)
	assert.Equal(t, "dev@example.com", ac.Email)
}

func TestJWTVerifier_ClockSkew(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	now := time.Now()

	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserDirectory(ctrl)
	users.EXPECT().ResolveUser(gomock.Any(), gomock.Any(), gomock.Any()).Return("user-1", nil)
	users.EXPECT().IsMember(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)

	c := baseClaims(now)
	c["exp"] = now.Add(-10 * time.Second).Unix()

	_, err := newVerifier(s, users, func() time.Time { return now }).Verify(context.Background(), s.sign(t, c), "")
	require.NoError(t, err)
}

func TestJWKSProvider_Key(t *testing.T) {
	t.Parallel()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(key))

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		buf, err := json.Marshal(keySet)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	provider, err := auth.NewJWKSProvider(ctx, server.URL, server.Client())
	require.NoError(t, err)

	raw, err := provider.Key(ctx, testKeyID)
	require.NoError(t, err)
	pub, ok := raw.(*rsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(&privateKey.PublicKey))

	_, err = provider.Key(ctx, "missing")
	require.Error(t, err)
}

func TestNewJWKSProvider_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := auth.NewJWKSProvider(context.Background(), "", nil)
	require.Error(t, err)
}
