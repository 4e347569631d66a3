// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const (
	sessionQueryParam = "session_id"
	keepaliveFrame    = ": keep-alive\n\n"
)

var errTransportClosed = errors.New("sse transport closed")

// writeSSEFrame writes one event. Every line of data becomes a data field.
func writeSSEFrame(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// sseTransport is the streaming side of an SSE session. Writes are
// serialized and refused once the transport is closed.
type sseTransport struct {
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ session.Transport = (*sseTransport)(nil)

func newSSETransport(w io.Writer, flusher http.Flusher) *sseTransport {
	return &sseTransport{w: w, flusher: flusher, done: make(chan struct{})}
}

func (t *sseTransport) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// SendKeepalive implements session.Transport.
func (t *sseTransport) SendKeepalive() error {
	return t.write([]byte(keepaliveFrame))
}

// Close implements session.Transport.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// handleSSE opens an SSE stream, announces the message endpoint and holds
// the connection until the client leaves or the session is cleaned up.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		auth.WriteError(w, gwerrors.NewMethodNotAllowed(r.Method))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		auth.WriteError(w, gwerrors.NewInternal("streaming not supported", nil))
		return
	}

	ac, _ := auth.FromContext(r.Context())
	ref := s.credentialRef(r)
	transport := newSSETransport(w, flusher)
	defer func() { _ = transport.Close() }()

	sess, err := s.deps.Sessions.Establish(session.EstablishRequest{
		CredentialRef: ref,
		Kind:          session.TransportSSE,
		ClientID:      ref,
		ResourceID:    ac.ResourceID,
		Transport:     transport,
	})
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?%s=%s", MessagesEndpoint, sessionQueryParam, sess.ID())
	var frame bytes.Buffer
	writeSSEFrame(&frame, "endpoint", []byte(endpoint))
	if err := transport.write(frame.Bytes()); err != nil {
		s.deps.Sessions.CleanupWithReason(sess.ID(), session.ReasonDisconnected)
		return
	}
	logger.Debugw("sse stream opened", "session_id", sess.ID(), "resource_id", ac.ResourceID)

	select {
	case <-r.Context().Done():
		s.deps.Sessions.CleanupWithReason(sess.ID(), session.ReasonDisconnected)
	case <-transport.done:
	}
}

// handleMessages accepts a JSON-RPC message for an SSE session. The
// response is delivered on the stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		auth.WriteError(w, gwerrors.NewMethodNotAllowed(r.Method))
		return
	}
	sessionID := r.URL.Query().Get(sessionQueryParam)
	if sessionID == "" {
		auth.WriteError(w, gwerrors.NewInvalidRequest("session_id is required", nil))
		return
	}

	sess, ok := s.ownedSession(r, sessionID, session.TransportSSE)
	if !ok {
		auth.WriteError(w, gwerrors.NewNotFound("session not found"))
		return
	}
	transport, ok := sess.Transport().(*sseTransport)
	if !ok {
		auth.WriteError(w, gwerrors.NewNotFound("session not found"))
		return
	}

	msg, err := s.decode(w, r)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	s.deps.Sessions.Touch(sessionID, s.credentialRef(r))

	// The call outlives the POST; its result is dropped if the session
	// is gone by the time it completes.
	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		resp, _ := s.handle(ctx, sess, msg)
		if resp != nil {
			s.deliver(sess, transport, resp)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		logger.Warnw("failed to write response", "error", err)
	}
}

// deliver writes a response to an SSE stream using the session's buffer.
func (s *Server) deliver(sess *session.Session, transport *sseTransport, resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Errorw("failed to encode response", "session_id", sess.ID(), "error", err)
		return
	}

	var frame []byte
	live := sess.WithBuffer(func(buf *bytes.Buffer) {
		writeSSEFrame(buf, "message", data)
		frame = bytes.Clone(buf.Bytes())
	})
	if _, ok := s.deps.Sessions.Get(sess.ID()); !live || !ok {
		logger.Debugw("session closed before the response was ready, dropping it", "session_id", sess.ID())
		return
	}
	if err := transport.write(frame); err != nil {
		logger.Debugw("failed to deliver response", "session_id", sess.ID(), "error", err)
		s.deps.Sessions.RecordError(sess.ID())
	}
}

// ownedSession returns the live session of the given kind if it was opened
// with the credential presented on r.
func (s *Server) ownedSession(r *http.Request, id string, kind session.TransportKind) (*session.Session, bool) {
	sess, ok := s.deps.Sessions.Get(id)
	if !ok || sess.Kind() != kind {
		return nil, false
	}
	if sess.Info().ClientID != s.credentialRef(r) {
		return nil, false
	}
	return sess, true
}

func (s *Server) credentialRef(r *http.Request) string {
	return auth.CredentialFromRequest(r, s.cfg.APIKeyHeader).Ref()
}

// decode reads one JSON-RPC message from the request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (jsonrpc2.Message, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		return nil, gwerrors.NewInvalidRequest("failed to read request body", err)
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		return nil, gwerrors.NewInvalidRequest("invalid JSON-RPC message", err)
	}
	return msg, nil
}
