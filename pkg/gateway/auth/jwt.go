// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
)

// Bearer token failure reasons.
const (
	ReasonInvalidSignature     = "invalid_signature"
	ReasonTokenExpired         = "token_expired"
	ReasonInvalidClaims        = "invalid_claims"
	ReasonSubjectUnresolvable  = "subject_unresolvable"
	ReasonNotAMember           = "not_a_member"
	ReasonMissingOrganization  = "missing_organization"
	ReasonOrganizationMismatch = "organization_mismatch"
)

const jwksRegistrationTimeout = 5 * time.Second

// KeyProvider returns the public key a token was signed with.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (any, error)
}

// KeyProviderFunc adapts a function to KeyProvider.
type KeyProviderFunc func(ctx context.Context, kid string) (any, error)

// Key implements KeyProvider.
func (f KeyProviderFunc) Key(ctx context.Context, kid string) (any, error) {
	return f(ctx, kid)
}

// DiscoverJWKSURL resolves the JWKS endpoint from the issuer's OpenID
// configuration document.
func DiscoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC configuration: %w", err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return "", fmt.Errorf("failed to read OIDC configuration: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("issuer %s does not publish a jwks_uri", issuer)
	}
	return doc.JWKSURI, nil
}

// JWKSProvider serves keys from a remote JWKS document, refreshed in the
// background. Registration with the cache happens lazily on first use.
type JWKSProvider struct {
	url   string
	cache *jwk.Cache

	mu         sync.Mutex
	registered bool
	regErr     error
}

// NewJWKSProvider creates a provider for jwksURL. A nil httpClient uses
// http.DefaultClient.
func NewJWKSProvider(ctx context.Context, jwksURL string, httpClient *http.Client) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSProvider{url: jwksURL, cache: c}, nil
}

func (p *JWKSProvider) ensureRegistered(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered && p.regErr == nil {
		return nil
	}
	regCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	p.regErr = p.cache.Register(regCtx, p.url)
	if p.regErr != nil {
		p.regErr = fmt.Errorf("failed to register JWKS URL: %w", p.regErr)
	}
	p.registered = true
	return p.regErr
}

// Key implements KeyProvider.
func (p *JWKSProvider) Key(ctx context.Context, kid string) (any, error) {
	if err := p.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	set, err := p.cache.Lookup(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

// JWTVerifierConfig configures a JWTVerifier.
type JWTVerifierConfig struct {
	// Issuer is the trusted third-party OAuth issuer.
	Issuer string
	// PlatformIssuer is the issuer of platform-minted JWTs.
	PlatformIssuer    string
	Audience          string
	OrganizationClaim string
	EmailClaim        string
	ClockSkew         time.Duration
	Now               func() time.Time
}

// JWTVerifier verifies bearer tokens and resolves them to an AuthContext.
type JWTVerifier struct {
	keys  KeyProvider
	users UserDirectory
	cfg   JWTVerifierConfig
}

// NewJWTVerifier creates a verifier.
func NewJWTVerifier(keys KeyProvider, users UserDirectory, cfg JWTVerifierConfig) *JWTVerifier {
	if cfg.OrganizationClaim == "" {
		cfg.OrganizationClaim = "org_id"
	}
	if cfg.EmailClaim == "" {
		cfg.EmailClaim = "email"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTVerifier{keys: keys, users: users, cfg: cfg}
}

// Verify checks the token's signature, expiry and issuer, resolves the
// subject to an internal user and confirms organization membership.
// orgHint is used when the token carries no organization claim.
func (v *JWTVerifier) Verify(ctx context.Context, raw, orgHint string) (*AuthContext, error) {
	claims, err := v.parse(ctx, raw)
	if err != nil {
		return nil, err
	}

	issuer, _ := claims.GetIssuer()
	if !v.trustedIssuer(issuer) {
		return nil, gwerrors.NewUnauthorized(ReasonInvalidClaims, "untrusted token issuer")
	}

	subject, _ := claims.GetSubject()
	email := stringClaim(claims, v.cfg.EmailClaim)
	if subject == "" && email == "" {
		return nil, gwerrors.NewUnauthorized(ReasonSubjectUnresolvable, "token has no subject")
	}
	userID, err := v.users.ResolveUser(ctx, subject, email)
	if errors.Is(err, ErrUserNotFound) || (err == nil && userID == "") {
		return nil, gwerrors.NewUnauthorized(ReasonSubjectUnresolvable, "token subject is not a known user")
	}
	if err != nil {
		return nil, gwerrors.NewInternal("failed to resolve user", err)
	}

	orgID, err := v.organization(claims, orgHint)
	if err != nil {
		return nil, err
	}
	member, err := v.users.IsMember(ctx, userID, orgID)
	if err != nil {
		return nil, gwerrors.NewInternal("failed to check organization membership", err)
	}
	if !member {
		return nil, gwerrors.NewForbidden(ReasonNotAMember, "user is not a member of the organization")
	}

	var method Method = OAuthBearerMethod{Issuer: issuer, Subject: subject}
	if v.cfg.PlatformIssuer != "" && issuer == v.cfg.PlatformIssuer {
		method = JWTMethod{Issuer: issuer, Subject: subject}
	}
	return &AuthContext{
		Method:         method,
		OrganizationID: orgID,
		UserID:         userID,
		Email:          email,
	}, nil
}

func (v *JWTVerifier) parse(ctx context.Context, raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)

	switch {
	case err == nil && token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, gwerrors.NewUnauthorized(ReasonTokenExpired, "token has expired")
	case err == nil,
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, gwerrors.NewUnauthorized(ReasonInvalidSignature, "token signature is invalid")
	default:
		return nil, gwerrors.NewUnauthorized(ReasonInvalidClaims, "token claims are invalid")
	}
}

func (v *JWTVerifier) trustedIssuer(issuer string) bool {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return false
	}
	return issuer == v.cfg.Issuer || (v.cfg.PlatformIssuer != "" && issuer == v.cfg.PlatformIssuer)
}

func (v *JWTVerifier) organization(claims jwt.MapClaims, hint string) (string, error) {
	orgID := stringClaim(claims, v.cfg.OrganizationClaim)
	switch {
	case orgID == "" && hint == "":
		return "", gwerrors.NewForbidden(ReasonMissingOrganization, "no organization was supplied")
	case orgID == "":
		return hint, nil
	case hint != "" && hint != orgID:
		return "", gwerrors.NewForbidden(ReasonOrganizationMismatch, "organization does not match the token")
	}
	return orgID, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
