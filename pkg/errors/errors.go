// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the gateway error taxonomy and its mapping onto
// JSON-RPC error objects and HTTP status codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// Kind classifies a gateway error.
type Kind string

// Error kinds
const (
	// KindUnauthorized is returned when a credential is missing, invalid or expired
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden is returned when the caller is authenticated but not permitted
	KindForbidden Kind = "forbidden"

	// KindReAuthRequired is returned when a backend OAuth token cannot be used or refreshed
	KindReAuthRequired Kind = "reauth_required"

	// KindNotFound is returned when a session or resource is absent
	KindNotFound Kind = "not_found"

	// KindCapacity is returned when session or connection limits are reached
	KindCapacity Kind = "capacity"

	// KindUpstream is returned when a backend tool server call fails
	KindUpstream Kind = "upstream_failure"

	// KindInvalidRequest is returned for malformed JSON-RPC payloads or parameters
	KindInvalidRequest Kind = "invalid_request"

	// KindMethodNotAllowed is returned for unsupported HTTP or JSON-RPC methods
	KindMethodNotAllowed Kind = "method_not_allowed"

	// KindInternal is returned for anything unexpected
	KindInternal Kind = "internal"
)

// JSON-RPC error codes. The server-defined range -32000..-32099 carries the
// gateway specific kinds; the reserved codes are used where they fit.
const (
	CodeUnauthorized     int64 = -32001
	CodeForbidden        int64 = -32003
	CodeNotFound         int64 = -32004
	CodeCapacity         int64 = -32005
	CodeReAuthRequired   int64 = -32010
	CodeUpstream         int64 = -32020
	CodeInvalidRequest   int64 = -32600
	CodeMethodNotAllowed int64 = -32601
	CodeInvalidParams    int64 = -32602
	CodeInternal         int64 = -32603
)

// Error represents an error in the gateway
type Error struct {
	// Kind is the error kind
	Kind Kind

	// Reason is a stable machine-readable reason, e.g. "token_expired"
	Reason string

	// Message is the client-facing error message
	Message string

	// Data is an optional structured payload returned in the JSON-RPC error
	Data any

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(kind Kind, reason, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Reason:  reason,
		Message: message,
		Cause:   cause,
	}
}

// NewUnauthorized creates a new unauthorized error
func NewUnauthorized(reason, message string) *Error {
	return NewError(KindUnauthorized, reason, message, nil)
}

// NewForbidden creates a new forbidden error
func NewForbidden(reason, message string) *Error {
	return NewError(KindForbidden, reason, message, nil)
}

// NewNotFound creates a new not found error
func NewNotFound(message string) *Error {
	return NewError(KindNotFound, "not_found", message, nil)
}

// NewCapacity creates a new capacity error
func NewCapacity(message string) *Error {
	return NewError(KindCapacity, "capacity_exceeded", message, nil)
}

// NewUpstream creates a new upstream failure error
func NewUpstream(message string, cause error) *Error {
	return NewError(KindUpstream, "upstream_failure", message, cause)
}

// NewInvalidRequest creates a new invalid request error
func NewInvalidRequest(message string, cause error) *Error {
	return NewError(KindInvalidRequest, "invalid_request", message, cause)
}

// NewMethodNotAllowed creates a new method not allowed error
func NewMethodNotAllowed(method string) *Error {
	return NewError(KindMethodNotAllowed, "method_not_allowed", fmt.Sprintf("method not supported: %s", method), nil)
}

// NewInternal creates a new internal error
func NewInternal(message string, cause error) *Error {
	return NewError(KindInternal, "internal", message, cause)
}

// ReAuthPayload is the structured data attached to a re-authentication error.
type ReAuthPayload struct {
	Type             string `json:"type"`
	TokenID          string `json:"tokenId"`
	UserID           string `json:"userId"`
	ResourceID       string `json:"resourceId"`
	Reason           string `json:"reason"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
}

// Re-authentication reasons
const (
	ReAuthNotFound      = "not_found"
	ReAuthInvalid       = "invalid"
	ReAuthExpired       = "expired"
	ReAuthRefreshFailed = "refresh_failed"
)

// NewReAuthRequired creates a control-flow error telling the caller the end
// user has to redo the OAuth consent flow for the resource.
func NewReAuthRequired(tokenID, userID, resourceID, reason string, cause error) *Error {
	return &Error{
		Kind:    KindReAuthRequired,
		Reason:  reason,
		Message: fmt.Sprintf("re-authentication required: %s", reason),
		Data: &ReAuthPayload{
			Type:       "reauth_required",
			TokenID:    tokenID,
			UserID:     userID,
			ResourceID: resourceID,
			Reason:     reason,
		},
		Cause: cause,
	}
}

// AsReAuth extracts the re-authentication payload from err.
func AsReAuth(err error) (*ReAuthPayload, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindReAuthRequired {
		return nil, false
	}
	p, ok := e.Data.(*ReAuthPayload)
	return p, ok
}

// KindOf returns the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine-readable reason of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Is reports whether err is a gateway error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return Is(err, KindUnauthorized)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return Is(err, KindForbidden)
}

// IsReAuthRequired checks if the error is a re-authentication error
func IsReAuthRequired(err error) bool {
	return Is(err, KindReAuthRequired)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// IsCapacity checks if the error is a capacity error
func IsCapacity(err error) bool {
	return Is(err, KindCapacity)
}

// IsUpstream checks if the error is an upstream failure
func IsUpstream(err error) bool {
	return Is(err, KindUpstream)
}

// HTTPStatus returns the HTTP status a kind maps to.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized, KindReAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// JSONRPCCode returns the JSON-RPC error code a kind maps to.
func JSONRPCCode(kind Kind) int64 {
	switch kind {
	case KindUnauthorized:
		return CodeUnauthorized
	case KindForbidden:
		return CodeForbidden
	case KindReAuthRequired:
		return CodeReAuthRequired
	case KindNotFound:
		return CodeNotFound
	case KindCapacity:
		return CodeCapacity
	case KindUpstream:
		return CodeUpstream
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindMethodNotAllowed:
		return CodeMethodNotAllowed
	case KindInternal:
		return CodeInternal
	}
	return CodeInternal
}

// WithHTTPCode attaches the mapped HTTP status to err so HTTP handlers can
// read it back with httperr.Code.
func WithHTTPCode(err error) error {
	if err == nil {
		return nil
	}
	return httperr.WithCode(err, HTTPStatus(KindOf(err)))
}

// WireError is the JSON-RPC 2.0 error object.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return e.Message
}

// ToWireError converts err into a JSON-RPC error object. Errors outside the
// taxonomy never leak their message; they become a generic internal error.
func ToWireError(err error) *WireError {
	var e *Error
	if !errors.As(err, &e) {
		return &WireError{Code: CodeInternal, Message: "internal error"}
	}

	wire := &WireError{
		Code:    JSONRPCCode(e.Kind),
		Message: e.Message,
	}
	if e.Kind == KindInternal {
		wire.Message = "internal error"
	}

	data := e.Data
	if data == nil && e.Reason != "" {
		data = map[string]string{"reason": e.Reason}
	}
	if data != nil {
		if raw, mErr := json.Marshal(data); mErr == nil {
			wire.Data = raw
		}
	}
	return wire
}
