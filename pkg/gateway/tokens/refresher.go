// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Refresher exchanges a token's refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, token *Token) (*Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, token *Token) (*Token, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, token *Token) (*Token, error) {
	return f(ctx, token)
}

// OAuth2Refresher refreshes tokens against the provider's token endpoint
// using the client credentials stored with the token.
type OAuth2Refresher struct {
	httpClient *http.Client
}

// NewOAuth2Refresher creates a refresher. A nil client uses http.DefaultClient.
func NewOAuth2Refresher(httpClient *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{httpClient: httpClient}
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, token *Token) (*Token, error) {
	if token.RefreshToken == "" {
		return nil, errors.New("token has no refresh token")
	}
	if token.TokenURL == "" {
		return nil, errors.New("token has no token endpoint")
	}

	conf := &oauth2.Config{
		ClientID:     token.ClientID,
		ClientSecret: token.ClientSecret,
		Scopes:       token.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: token.TokenURL},
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	// an already expired token forces the source to hit the endpoint
	src := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: token.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	out := *token
	out.AccessToken = fresh.AccessToken
	out.TokenType = fresh.TokenType
	out.ExpiresAt = fresh.Expiry
	out.Valid = true
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}
	return &out, nil
}

// IsPermanentRefreshError reports whether the provider rejected the grant
// itself, as opposed to a transient failure.
func IsPermanentRefreshError(err error) bool {
	var r *oauth2.RetrieveError
	if !errors.As(err, &r) {
		return false
	}
	switch r.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if r.Response != nil && r.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	return strings.Contains(strings.ToLower(string(r.Body)), "invalid_grant")
}
