// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session owns inbound transport sessions: admission, health,
// keepalive and cleanup.
package session

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
)

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	// KeepaliveInterval is the keepalive frame and sweep period.
	KeepaliveInterval time.Duration

	// Timeout is the inactivity window of a healthy session.
	Timeout time.Duration

	// MaxErrors is the error count at which a session is unhealthy.
	MaxErrors int

	// MaxSessions caps the number of live sessions.
	MaxSessions int

	// BufferSize is the initial capacity of pooled session buffers.
	BufferSize int

	// OnClose, if set, is called once for every session after cleanup.
	OnClose func(info Info, reason string)

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

const (
	defaultKeepaliveInterval = 30 * time.Second
	defaultTimeout           = 60 * time.Second
	defaultMaxErrors         = 5
	defaultMaxSessions       = 1000
	defaultBufferSize        = 32 * 1024
)

// Cleanup reasons.
const (
	ReasonClosed       = "closed"
	ReasonUnhealthy    = "unhealthy"
	ReasonKeepalive    = "keepalive_failed"
	ReasonShutdown     = "shutdown"
	ReasonDisconnected = "client_disconnected"
)

// EstablishRequest describes a new session.
type EstablishRequest struct {
	// CredentialRef references the credential that authenticated the client.
	// It is required.
	CredentialRef string

	Kind       TransportKind
	ClientID   string
	ResourceID string

	// Transport is the connection the session owns. May be nil for
	// transports without a persistent connection.
	Transport Transport
}

// Manager owns every live session. The session index and the resource index
// are only mutated under mu and always together.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	sessions   map[string]*Session
	byResource map[string]map[string]struct{}

	buffers sync.Pool

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	cleanups sync.WaitGroup
}

// NewManager creates a session manager. Call Start to begin sweeping.
func NewManager(cfg Config) *Manager {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	size := cfg.BufferSize
	return &Manager{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		byResource: make(map[string]map[string]struct{}),
		buffers: sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, size)) },
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.sweepRoutine()
}

func (m *Manager) sweepRoutine() {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// CanCreateSession reports whether the session cap leaves room for another session.
func (m *Manager) CanCreateSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) < m.cfg.MaxSessions
}

// Establish admits and registers a new session. It fails with Unauthorized
// when no credential reference is given and with Capacity when the cap is
// reached.
func (m *Manager) Establish(req EstablishRequest) (*Session, error) {
	if req.CredentialRef == "" {
		return nil, gwerrors.NewUnauthorized("missing_credential", "a credential is required to open a session")
	}

	now := m.cfg.Now()
	s := &Session{
		id:           uuid.NewString(),
		kind:         req.Kind,
		resourceID:   req.ResourceID,
		createdAt:    now,
		clientID:     req.ClientID,
		lastActivity: now,
		state:        StateConnecting,
		transport:    req.Transport,
		buffer:       m.getBuffer(),
	}
	keepalive := req.Kind == TransportSSE && req.Transport != nil
	if keepalive {
		s.stopKeepalive = make(chan struct{})
	}

	m.mu.Lock()
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		m.putBuffer(s.buffer)
		return nil, gwerrors.NewCapacity("session manager is shutting down")
	default:
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.putBuffer(s.buffer)
		slog.Warn("session manager: session cap reached", "max_sessions", m.cfg.MaxSessions)
		return nil, gwerrors.NewCapacity("session capacity exceeded")
	}
	m.sessions[s.id] = s
	if req.ResourceID != "" {
		set, ok := m.byResource[req.ResourceID]
		if !ok {
			set = make(map[string]struct{})
			m.byResource[req.ResourceID] = set
		}
		set[s.id] = struct{}{}
	}
	m.mu.Unlock()

	s.touch("", now, m.cfg.MaxErrors)

	if keepalive {
		go m.keepaliveRoutine(s, s.stopKeepalive)
	}

	slog.Debug("session manager: session established",
		"session_id", s.id, "transport", string(req.Kind), "resource_id", req.ResourceID)
	return s, nil
}

func (m *Manager) keepaliveRoutine(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sendKeepalive(s)
		case <-stop:
			return
		}
	}
}

func (m *Manager) sendKeepalive(s *Session) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return
	}

	if err := transport.SendKeepalive(); err != nil {
		if recoveryFailed := s.keepaliveFailed(); recoveryFailed {
			slog.Debug("session manager: keepalive recovery failed", "session_id", s.id, "error", err)
			m.cleanupAsync(s.id, ReasonKeepalive)
			return
		}
		slog.Debug("session manager: keepalive failed, session degraded", "session_id", s.id, "error", err)
		return
	}
	s.keepaliveSucceeded()
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch records activity for a session. Unknown ids are ignored, as are
// touches from a client other than the one bound to the session.
func (m *Manager) Touch(id, clientID string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	if !s.touch(clientID, m.cfg.Now(), m.cfg.MaxErrors) {
		slog.Debug("session manager: ignored touch", "session_id", id)
	}
}

// RecordError counts a failure against a session. Unknown ids are ignored.
func (m *Manager) RecordError(id string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	if state := s.recordError(m.cfg.Now(), m.cfg.Timeout, m.cfg.MaxErrors); state == StateDegraded {
		slog.Debug("session manager: session degraded", "session_id", id)
	}
}

// IsHealthy reports whether a session exists, has been active within the
// timeout and has fewer errors than the threshold.
func (m *Manager) IsHealthy(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return s.healthy(m.cfg.Now(), m.cfg.Timeout, m.cfg.MaxErrors)
}

// Sweep schedules cleanup of every unhealthy session and returns how many
// were scheduled. Cleanup runs asynchronously; Sweep never waits for it.
func (m *Manager) Sweep() int {
	now := m.cfg.Now()

	m.mu.RLock()
	var victims []string
	for id, s := range m.sessions {
		if !s.healthy(now, m.cfg.Timeout, m.cfg.MaxErrors) {
			victims = append(victims, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range victims {
		m.cleanupAsync(id, ReasonUnhealthy)
	}
	if len(victims) > 0 {
		slog.Debug("session manager: sweep scheduled cleanups", "count", len(victims))
	}
	return len(victims)
}

func (m *Manager) cleanupAsync(id, reason string) {
	m.cleanups.Add(1)
	go func() {
		defer m.cleanups.Done()
		m.cleanup(id, reason)
	}()
}

// Cleanup tears down a session. It is idempotent and reports whether this
// call removed the session.
func (m *Manager) Cleanup(id string) bool {
	return m.cleanup(id, ReasonClosed)
}

// CleanupWithReason is Cleanup with an explicit reason passed to OnClose.
func (m *Manager) CleanupWithReason(id, reason string) bool {
	return m.cleanup(id, reason)
}

func (m *Manager) cleanup(id, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	if set, ok := m.byResource[s.resourceID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byResource, s.resourceID)
		}
	}
	m.mu.Unlock()

	transport, buffer := s.close()
	if transport != nil {
		if err := transport.Close(); err != nil {
			slog.Debug("session manager: failed to close transport", "session_id", id, "error", err)
		}
	}
	m.putBuffer(buffer)

	if m.cfg.OnClose != nil {
		m.cfg.OnClose(s.Info(), reason)
	}
	slog.Debug("session manager: session cleaned up", "session_id", id, "reason", reason)
	return true
}

// SessionsForResource returns the ids of all live sessions bound to a resource.
func (m *Manager) SessionsForResource(resourceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byResource[resourceID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ResourceSessionCount returns the number of live sessions bound to a resource.
func (m *Manager) ResourceSessionCount(resourceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byResource[resourceID])
}

// ResourceOf returns the resource a live session is bound to.
func (m *Manager) ResourceOf(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return s.resourceID, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the sweep, cleans up every session and waits for pending
// cleanups to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.cleanup(id, ReasonShutdown)
	}
	m.cleanups.Wait()
}

func (m *Manager) getBuffer() *bytes.Buffer {
	buf, ok := m.buffers.Get().(*bytes.Buffer)
	if !ok {
		return bytes.NewBuffer(make([]byte, 0, m.cfg.BufferSize))
	}
	buf.Reset()
	return buf
}

func (m *Manager) putBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	// oversized buffers are left to the GC
	if buf.Cap() > 4*m.cfg.BufferSize {
		return
	}
	buf.Reset()
	m.buffers.Put(buf)
}
