// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/httperr"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  NewUpstream("backend call failed", errors.New("connection refused")),
			want: "upstream_failure: backend call failed: connection refused",
		},
		{
			name: "error without cause",
			err:  NewUnauthorized("token_expired", "token has expired"),
			want: "unauthorized: token has expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
		wantCode   int64
	}{
		{"unauthorized", NewUnauthorized("invalid_api_key", "Invalid API key"), KindUnauthorized, http.StatusUnauthorized, CodeUnauthorized},
		{"forbidden", NewForbidden("not_a_member", "not a member"), KindForbidden, http.StatusForbidden, CodeForbidden},
		{"reauth", NewReAuthRequired("t1", "u1", "r1", ReAuthExpired, nil), KindReAuthRequired, http.StatusUnauthorized, CodeReAuthRequired},
		{"not found", NewNotFound("session not found"), KindNotFound, http.StatusNotFound, CodeNotFound},
		{"method not allowed", NewMethodNotAllowed("GET"), KindMethodNotAllowed, http.StatusMethodNotAllowed, CodeMethodNotAllowed},
		{"capacity", NewCapacity("too many sessions"), KindCapacity, http.StatusServiceUnavailable, CodeCapacity},
		{"upstream", NewUpstream("boom", nil), KindUpstream, http.StatusBadGateway, CodeUpstream},
		{"wrapped", fmt.Errorf("outer: %w", NewForbidden("denied", "denied")), KindForbidden, http.StatusForbidden, CodeForbidden},
		{"foreign error", errors.New("kaboom"), KindInternal, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kind := KindOf(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStatus, HTTPStatus(kind))
			assert.Equal(t, tt.wantCode, JSONRPCCode(kind))
			assert.Equal(t, tt.wantStatus, httperr.Code(WithHTTPCode(tt.err)))
		})
	}
}

func TestAsReAuth(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("dispatch: %w", NewReAuthRequired("tok-1", "user-1", "res-1", ReAuthRefreshFailed, errors.New("400")))

	payload, ok := AsReAuth(err)
	require.True(t, ok)
	assert.Equal(t, "tok-1", payload.TokenID)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, "res-1", payload.ResourceID)
	assert.Equal(t, ReAuthRefreshFailed, payload.Reason)
	assert.True(t, IsReAuthRequired(err))
	assert.False(t, IsUnauthorized(err))

	_, ok = AsReAuth(NewUnauthorized("x", "y"))
	assert.False(t, ok)
}

func TestToWireError(t *testing.T) {
	t.Parallel()

	t.Run("reauth carries structured payload", func(t *testing.T) {
		t.Parallel()

		wire := ToWireError(NewReAuthRequired("tok-1", "user-1", "res-1", ReAuthExpired, nil))
		assert.Equal(t, CodeReAuthRequired, wire.Code)

		var data ReAuthPayload
		require.NoError(t, json.Unmarshal(wire.Data, &data))
		assert.Equal(t, "reauth_required", data.Type)
		assert.Equal(t, "tok-1", data.TokenID)
		assert.Equal(t, ReAuthExpired, data.Reason)
	})

	t.Run("reason becomes data", func(t *testing.T) {
		t.Parallel()

		wire := ToWireError(NewUnauthorized("token_expired", "token has expired"))
		assert.Equal(t, "token has expired", wire.Message)
		assert.JSONEq(t, `{"reason":"token_expired"}`, string(wire.Data))
	})

	t.Run("foreign errors do not leak", func(t *testing.T) {
		t.Parallel()

		wire := ToWireError(errors.New("sql: connection string password=hunter2"))
		assert.Equal(t, CodeInternal, wire.Code)
		assert.Equal(t, "internal error", wire.Message)
		assert.Empty(t, wire.Data)
	})

	t.Run("internal errors do not leak cause", func(t *testing.T) {
		t.Parallel()

		wire := ToWireError(NewInternal("decode failed: secret", errors.New("boom")))
		assert.Equal(t, "internal error", wire.Message)
	})

	t.Run("encodes code and data", func(t *testing.T) {
		t.Parallel()

		b, err := json.Marshal(ToWireError(NewReAuthRequired("", "user-1", "res-1", ReAuthNotFound, nil)))
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"code": -32010,
			"message": "re-authentication required: not_found",
			"data": {"type":"reauth_required","tokenId":"","userId":"user-1","resourceId":"res-1","reason":"not_found"}
		}`, string(b))
	})
}
