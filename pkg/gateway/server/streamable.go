// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"golang.org/x/exp/jsonrpc2"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/gateway/auth"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// handleMCP serves the streamable HTTP transport.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		auth.WriteError(w, gwerrors.NewMethodNotAllowed(r.Method))
	}
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	msg, err := s.decode(w, r)
	if err != nil {
		auth.WriteError(w, err)
		return
	}

	var sess *session.Session
	if id := r.Header.Get(s.cfg.SessionHeader); id != "" {
		var ok bool
		if sess, ok = s.ownedSession(r, id, session.TransportStreamableHTTP); !ok {
			auth.WriteError(w, gwerrors.NewNotFound("session not found"))
			return
		}
		s.deps.Sessions.Touch(id, s.credentialRef(r))
	} else {
		if req, ok := msg.(*jsonrpc2.Request); !ok || req.Method != MethodInitialize {
			auth.WriteError(w, gwerrors.NewInvalidRequest(s.cfg.SessionHeader+" header is required", nil))
			return
		}
		ac, _ := auth.FromContext(r.Context())
		ref := s.credentialRef(r)
		sess, err = s.deps.Sessions.Establish(session.EstablishRequest{
			CredentialRef: ref,
			Kind:          session.TransportStreamableHTTP,
			ClientID:      ref,
			ResourceID:    ac.ResourceID,
		})
		if err != nil {
			auth.WriteError(w, err)
			return
		}
	}
	w.Header().Set(s.cfg.SessionHeader, sess.ID())

	resp, err := s.handle(r.Context(), sess, msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, ok := s.deps.Sessions.Get(sess.ID()); !ok {
		logger.Debugw("session closed before the response was ready, dropping it", "session_id", sess.ID())
		auth.WriteError(w, gwerrors.NewNotFound("session closed"))
		return
	}

	data, encErr := json.Marshal(resp)
	if encErr != nil {
		auth.WriteError(w, gwerrors.NewInternal("failed to encode response", encErr))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(responseStatus(err))
	if _, wErr := w.Write(data); wErr != nil {
		logger.Warnw("failed to write response", "error", wErr)
	}
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(s.cfg.SessionHeader)
	if id == "" {
		auth.WriteError(w, gwerrors.NewInvalidRequest(s.cfg.SessionHeader+" header is required", nil))
		return
	}
	if _, ok := s.ownedSession(r, id, session.TransportStreamableHTTP); !ok {
		auth.WriteError(w, gwerrors.NewNotFound("session not found"))
		return
	}
	s.deps.Sessions.CleanupWithReason(id, session.ReasonClosed)
	w.WriteHeader(http.StatusNoContent)
}
