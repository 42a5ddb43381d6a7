// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentplexus/sourcekit/oauth2"
)

// SessionHeader carries the session id the client must echo on every
// request after the initialize handshake.
const SessionHeader = "Mcp-Session-Id"

// AccessKeyHeader carries the access key material for packet identities.
const AccessKeyHeader = "X-Access-Key"

// DefaultScope is the scope a bearer token needs to reach the gateway.
const DefaultScope = "sources:read"

// HandlerConfig configures the per-identity protocol endpoint.
type HandlerConfig struct {
	// Manager owns sessions and the identity→adapter cache.
	Manager *Manager

	// Resolver maps inbound identifiers to identity records.
	Resolver *Resolver

	// TokenVerifier validates bearer tokens. Nil disables authorization
	// entirely (test setups).
	TokenVerifier func(token string) (*oauth2.TokenInfo, error)

	// RequiredScope defaults to DefaultScope.
	RequiredScope string

	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string

	// KeepAliveInterval paces comment frames on long-lived streams.
	// Defaults to 30 seconds.
	KeepAliveInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler serves one uniform tool-calling semantics over two wire
// conventions: a discrete JSON request/response, and server-sent events.
// The convention is chosen per physical request from its Accept header,
// never from configuration.
type Handler struct {
	manager       *Manager
	resolver      *Resolver
	dispatcher    *Dispatcher
	verifyToken   func(token string) (*oauth2.TokenInfo, error)
	requiredScope string
	metadataURL   string
	keepAlive     time.Duration
	logger        *slog.Logger
}

// NewHandler creates the per-identity protocol endpoint.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: manager is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("gateway: resolver is required")
	}
	if cfg.RequiredScope == "" {
		cfg.RequiredScope = DefaultScope
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:       cfg.Manager,
		resolver:      cfg.Resolver,
		dispatcher:    NewDispatcher(cfg.Manager, logger),
		verifyToken:   cfg.TokenVerifier,
		requiredScope: cfg.RequiredScope,
		metadataURL:   cfg.ResourceMetadataURL,
		keepAlive:     cfg.KeepAliveInterval,
		logger:        logger.With("component", "gateway"),
	}, nil
}

// identityFromPath extracts the identity segment, the last element of the
// request path.
func identityFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}

// accessKeyFrom pulls packet access-key material from header or query.
func accessKeyFrom(r *http.Request) string {
	if key := r.Header.Get(AccessKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("access_key")
}

// prefersSSE reports whether the Accept header asks for a streamed reply
// rather than a discrete JSON body.
func prefersSSE(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "text/event-stream":
			return true
		case "application/json", "*/*":
			return false
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identityID := identityFromPath(r.URL.Path)
	if identityID == "" {
		http.NotFound(w, r)
		return
	}

	// Identity first: an unknown target is a 404 regardless of
	// credentials, and is distinct from an authorization failure.
	ident, err := h.resolver.Resolve(r.Context(), identityID, accessKeyFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrPacketKeyMismatch):
			writeTransportError(w, http.StatusUnauthorized, "invalid_access_key",
				"the presented access key does not match this source")
		case errors.Is(err, ErrIdentityDisabled):
			writeTransportError(w, http.StatusNotFound, "identity_disabled",
				fmt.Sprintf("source %q is disabled", identityID))
		default:
			writeTransportError(w, http.StatusNotFound, "identity_not_found",
				fmt.Sprintf("source %q does not exist", identityID))
		}
		return
	}

	if !ident.AllowAnonymous && h.verifyToken != nil {
		if !h.authorize(w, r) {
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r, ident)
	case http.MethodGet:
		h.handleGet(w, r, ident)
	case http.MethodDelete:
		h.handleDelete(w, r, ident)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeTransportError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			"only GET, POST and DELETE are supported")
	}
}

// authorize enforces the bearer-token gate. Token failures are OAuth
// errors and deliberately distinct from unknown-identity failures.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		h.challenge(w, "")
		writeTransportError(w, http.StatusUnauthorized, "invalid_request",
			"a bearer token is required")
		return false
	}

	token, err := h.verifyToken(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		h.challenge(w, "invalid_token")
		desc := "the token is invalid"
		if errors.Is(err, oauth2.ErrTokenExpired) {
			desc = "the token has expired"
		}
		writeTransportError(w, http.StatusUnauthorized, "invalid_grant", desc)
		return false
	}
	if !token.HasScope(h.requiredScope) {
		h.challenge(w, "insufficient_scope")
		writeTransportError(w, http.StatusForbidden, "access_denied",
			fmt.Sprintf("the token lacks the %q scope", h.requiredScope))
		return false
	}
	return true
}

func (h *Handler) challenge(w http.ResponseWriter, errCode string) {
	value := "Bearer"
	if h.metadataURL != "" {
		value += fmt.Sprintf(` resource_metadata="%s"`, h.metadataURL)
	}
	if errCode != "" {
		value += fmt.Sprintf(`, error="%s"`, errCode)
	}
	w.Header().Set("WWW-Authenticate", value)
}

// handlePost carries one JSON-RPC message. The reply is a discrete JSON
// body, or a one-shot event stream when the request prefers it.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, ident *Identity) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeRPC(w, r, http.StatusBadRequest,
			NewErrorResponse(nil, CodeParseError, "failed to read request body"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, r, http.StatusBadRequest,
			NewErrorResponse(nil, CodeParseError, "request body is not a JSON-RPC message"))
		return
	}
	if err := req.Validate(); err != nil {
		writeRPC(w, r, http.StatusBadRequest,
			NewErrorResponse(req.ID, CodeInvalidRequest, err.Error()))
		return
	}

	if req.Method == "initialize" {
		resp, sess := h.dispatcher.Initialize(r.Context(), ident, &req)
		if sess != nil {
			w.Header().Set(SessionHeader, sess.ID)
		}
		writeRPC(w, r, http.StatusOK, resp)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	sess, err := h.manager.Get(sessionID)
	if err != nil {
		writeRPC(w, r, http.StatusNotFound,
			NewErrorResponse(req.ID, CodeSessionNotFound, "session not found; reinitialize"))
		return
	}
	if sess.Identity != ident.Slug {
		writeRPC(w, r, http.StatusNotFound,
			NewErrorResponse(req.ID, CodeSessionNotFound, "session not found; reinitialize"))
		return
	}

	resp := h.dispatcher.Handle(r.Context(), sess, &req)
	if resp == nil {
		// Notification: accepted, nothing to correlate.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, r, http.StatusOK, resp)
}

// handleGet attaches a long-lived event stream to an existing session.
// The server pushes keep-alive comments until the client goes away.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, ident *Identity) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeTransportError(w, http.StatusNotAcceptable, "not_acceptable",
			"GET requires Accept: text/event-stream")
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	sess, err := h.manager.Get(sessionID)
	if err != nil || sess.Identity != ident.Slug {
		writeTransportError(w, http.StatusNotFound, "session_not_found",
			"session not found; reinitialize")
		return
	}
	sess.touch()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeTransportError(w, http.StatusInternalServerError, "server_error",
			"streaming is not supported by this server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": stream open\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if sess.State() == StateTerminated {
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session explicitly.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, ident *Identity) {
	sessionID := r.Header.Get(SessionHeader)
	sess, err := h.manager.Get(sessionID)
	if err != nil || sess.Identity != ident.Slug {
		writeTransportError(w, http.StatusNotFound, "session_not_found",
			"session not found")
		return
	}
	if err := h.manager.Terminate(sess.ID); err != nil {
		writeTransportError(w, http.StatusNotFound, "session_not_found",
			"session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRPC frames one JSON-RPC response per the request's preference:
// a one-shot event stream, or a plain JSON body.
func writeRPC(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	if prefersSSE(r.Header.Get("Accept")) {
		payload, err := json.Marshal(resp)
		if err != nil {
			writeTransportError(w, http.StatusInternalServerError, "server_error",
				"failed to encode response")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(status)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeTransportError writes a structured error outside the JSON-RPC
// framing, for failures before a message could be dispatched.
func writeTransportError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
