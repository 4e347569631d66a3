// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"sync"
	"time"
)

// TransportKind identifies the inbound transport a session is bound to.
type TransportKind string

const (
	// TransportSSE is a long-lived Server-Sent Events stream.
	TransportSSE TransportKind = "sse"

	// TransportStreamableHTTP is the session-keyed request/response transport.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// State is the lifecycle state of a session.
type State int

// Session states. Closed is terminal.
const (
	StateConnecting State = iota
	StateActive
	StateDegraded
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the inbound connection a session owns.
type Transport interface {
	// SendKeepalive writes a keepalive frame to the client.
	SendKeepalive() error

	// Close releases the connection. It may be called while a write is in flight.
	Close() error
}

// Info is a point-in-time copy of a session's fields.
type Info struct {
	ID             string
	Kind           TransportKind
	ClientID       string
	ResourceID     string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ErrorCount     int
	State          State
}

// Session is a live inbound session. It is created and destroyed by the
// Manager; callers only read it and report activity through the Manager.
type Session struct {
	id         string
	kind       TransportKind
	resourceID string
	createdAt  time.Time

	mu           sync.Mutex
	clientID     string
	lastActivity time.Time
	errorCount   int
	state        State
	transport    Transport
	buffer       *bytes.Buffer

	stopKeepalive chan struct{}
	closeOnce     sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Kind returns the transport kind.
func (s *Session) Kind() TransportKind { return s.kind }

// ResourceID returns the resource the session is bound to.
func (s *Session) ResourceID() string { return s.resourceID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transport returns the connection the session owns, or nil once closed.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:             s.id,
		Kind:           s.kind,
		ClientID:       s.clientID,
		ResourceID:     s.resourceID,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		ErrorCount:     s.errorCount,
		State:          s.state,
	}
}

// WithBuffer runs fn with the session's pooled write buffer. The buffer is
// reset before fn is called. It reports false once the session is closed.
func (s *Session) WithBuffer(fn func(*bytes.Buffer)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == nil {
		return false
	}
	s.buffer.Reset()
	fn(s.buffer)
	return true
}

// touch advances lastActivity. Timestamps never move backwards.
func (s *Session) touch(clientID string, now time.Time, maxErrors int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	if clientID != "" {
		if s.clientID == "" {
			s.clientID = clientID
		} else if s.clientID != clientID {
			return false
		}
	}
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	if s.state == StateConnecting || (s.state == StateDegraded && s.errorCount < maxErrors) {
		s.state = StateActive
	}
	return true
}

func (s *Session) healthy(now time.Time, timeout time.Duration, maxErrors int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	return now.Sub(s.lastActivity) <= timeout && s.errorCount < maxErrors
}

// recordError counts a failure and degrades an active session once the
// threshold is reached while activity is still recent.
func (s *Session) recordError(now time.Time, timeout time.Duration, maxErrors int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return s.state
	}
	s.errorCount++
	if s.state == StateActive && s.errorCount >= maxErrors && now.Sub(s.lastActivity) <= timeout {
		s.state = StateDegraded
	}
	return s.state
}

// keepaliveFailed marks the session degraded. It reports whether the session
// was already degraded, meaning a recovery attempt just failed.
func (s *Session) keepaliveFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.errorCount++
	if s.state == StateDegraded {
		return true
	}
	s.state = StateDegraded
	return false
}

// keepaliveSucceeded recovers a degraded session.
func (s *Session) keepaliveSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDegraded {
		s.state = StateActive
		s.errorCount = 0
	}
}

// close moves the session to Closed and hands back what needs releasing.
// Only the first call returns a non-nil transport and buffer.
func (s *Session) close() (Transport, *bytes.Buffer) {
	var (
		transport Transport
		buffer    *bytes.Buffer
	)
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = StateClosed
		if s.stopKeepalive != nil {
			close(s.stopKeepalive)
		}
		transport, s.transport = s.transport, nil
		buffer, s.buffer = s.buffer, nil
	})
	return transport, buffer
}
