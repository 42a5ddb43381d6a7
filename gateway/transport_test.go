// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentplexus/sourcekit/oauth2"
)

type gatewayFixture struct {
	ts      *httptest.Server
	manager *Manager
	tokens  oauth2.Storage
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	dir := t.TempDir()
	for name, content := range map[string]string{
		"readme.md": "system architecture overview",
		"notes.txt": "meeting notes",
		"guide.md":  "user guide",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to seed file: %v", err)
		}
	}

	store := NewMemoryIdentityStore()
	store.Put(&Identity{
		Slug:   "docs",
		Type:   "filesystem",
		Config: map[string]any{"root": dir},
	})
	store.Put(&Identity{
		Slug:           "public-docs",
		Type:           "filesystem",
		Config:         map[string]any{"root": dir},
		AllowAnonymous: true,
	})

	tokens := oauth2.NewMemoryStorage()
	authSrv, err := oauth2.New(&oauth2.Config{
		Issuer:  "https://auth.example.com",
		Storage: tokens,
	})
	if err != nil {
		t.Fatalf("failed to create oauth server: %v", err)
	}

	manager, err := NewManager(ManagerConfig{Registry: newTestRegistry(t)})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	handler, err := NewHandler(HandlerConfig{
		Manager:           manager,
		Resolver:          NewResolver(store),
		TokenVerifier:     authSrv.TokenVerifier(),
		KeepAliveInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &gatewayFixture{ts: ts, manager: manager, tokens: tokens}
}

// seedToken installs a bearer token directly against the fixture's
// verifier.
func (f *gatewayFixture) seedToken(t *testing.T, token, scope string, ttl time.Duration) {
	t.Helper()
	now := time.Now()
	err := f.tokens.CreateToken(&oauth2.TokenInfo{
		AccessToken: token,
		TokenType:   "Bearer",
		ClientID:    "test-client",
		Subject:     "user-1",
		Scope:       scope,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	})
	if err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
}

// rpc posts one JSON-RPC message and decodes the JSON reply.
func (f *gatewayFixture) rpc(t *testing.T, identity, sessionID, token string, body string) (*http.Response, *Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/"+identity, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return resp, nil
	}
	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	resp.Body.Close()
	return resp, &rpcResp
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test-client","version":"0.1"}}}`

func (f *gatewayFixture) initialize(t *testing.T, identity, token string) string {
	t.Helper()
	resp, rpcResp := f.rpc(t, identity, "", token, initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize failed with %d", resp.StatusCode)
	}
	if rpcResp.Error != nil {
		t.Fatalf("initialize returned error: %v", rpcResp.Error)
	}
	sessionID := resp.Header.Get(SessionHeader)
	if sessionID == "" {
		t.Fatal("initialize must return a session id header")
	}
	return sessionID
}

func TestGatewayHandshakeAndDispatch(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedToken(t, "tok-ok", "sources:read", time.Hour)

	sessionID := f.initialize(t, "docs", "tok-ok")

	t.Run("tools_list", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		if rpcResp.Error != nil {
			t.Fatalf("tools/list failed: %v", rpcResp.Error)
		}
		raw, _ := json.Marshal(rpcResp.Result)
		if !strings.Contains(string(raw), `"search"`) {
			t.Errorf("expected the search tool in %s", raw)
		}
	})

	t.Run("tools_call_search", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"search","arguments":{"query":"architecture"}}}`)
		if rpcResp.Error != nil {
			t.Fatalf("tools/call failed: %v", rpcResp.Error)
		}
		raw, _ := json.Marshal(rpcResp.Result)
		if !strings.Contains(string(raw), "readme.md") {
			t.Errorf("expected a hit for readme.md in %s", raw)
		}
	})

	t.Run("unknown_tool_keeps_session_active", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no-such-tool"}}`)
		if rpcResp.Error != nil {
			t.Fatalf("unknown tool must be a tool-level error, got %v", rpcResp.Error)
		}
		raw, _ := json.Marshal(rpcResp.Result)
		if !strings.Contains(string(raw), `"isError":true`) {
			t.Errorf("expected isError result, got %s", raw)
		}

		sess, err := f.manager.Get(sessionID)
		if err != nil {
			t.Fatalf("session lost: %v", err)
		}
		if sess.State() != StateActive {
			t.Errorf("session must stay active, got %s", sess.State())
		}

		// A subsequent valid call succeeds.
		_, rpcResp = f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":5,"method":"ping"}`)
		if rpcResp.Error != nil {
			t.Errorf("ping after failed tool call must work: %v", rpcResp.Error)
		}
	})

	t.Run("unknown_method_is_local_to_the_call", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":6,"method":"tools/destroy"}`)
		if rpcResp.Error == nil || rpcResp.Error.Code != CodeMethodNotFound {
			t.Fatalf("expected method-not-found, got %v", rpcResp.Error)
		}
		if _, err := f.manager.Get(sessionID); err != nil {
			t.Errorf("malformed call must not terminate the session: %v", err)
		}
	})

	t.Run("notification_is_accepted", func(t *testing.T) {
		resp, _ := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("expected 202 for a notification, got %d", resp.StatusCode)
		}
	})

	t.Run("resources_read", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":7,"method":"resources/read","params":{"uri":"file:///readme.md"}}`)
		if rpcResp.Error != nil {
			t.Fatalf("resources/read failed: %v", rpcResp.Error)
		}

		_, rpcResp = f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":8,"method":"resources/read","params":{"uri":"file:///missing.md"}}`)
		if rpcResp.Error == nil || rpcResp.Error.Code != CodeResourceNotFound {
			t.Errorf("expected resource-not-found, got %v", rpcResp.Error)
		}
	})
}

func TestGatewaySessionErrors(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedToken(t, "tok-ok", "sources:read", time.Hour)

	t.Run("unknown_session_id", func(t *testing.T) {
		resp, rpcResp := f.rpc(t, "docs", "no-such-session", "tok-ok",
			`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		if rpcResp.Error == nil || rpcResp.Error.Code != CodeSessionNotFound {
			t.Fatalf("expected the reinitialize signal, got %v", rpcResp.Error)
		}
		if !strings.Contains(rpcResp.Error.Message, "reinitialize") {
			t.Errorf("signal must tell the client to reinitialize: %q", rpcResp.Error.Message)
		}
	})

	t.Run("session_bound_to_identity", func(t *testing.T) {
		sessionID := f.initialize(t, "docs", "tok-ok")
		t.Cleanup(func() { f.manager.Terminate(sessionID) })
		resp, _ := f.rpc(t, "public-docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("a session must not cross identities, got %d", resp.StatusCode)
		}
	})

	t.Run("stream_bound_to_identity", func(t *testing.T) {
		sessionID := f.initialize(t, "docs", "tok-ok")
		t.Cleanup(func() { f.manager.Terminate(sessionID) })
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/public-docs", nil)
		req.Header.Set(SessionHeader, sessionID)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer tok-ok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("a stream must not attach across identities, got %d", resp.StatusCode)
		}
	})

	t.Run("delete_bound_to_identity", func(t *testing.T) {
		sessionID := f.initialize(t, "docs", "tok-ok")
		t.Cleanup(func() { f.manager.Terminate(sessionID) })
		req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/public-docs", nil)
		req.Header.Set(SessionHeader, sessionID)
		req.Header.Set("Authorization", "Bearer tok-ok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("a delete must not cross identities, got %d", resp.StatusCode)
		}

		r2, _ := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":4,"method":"ping"}`)
		if r2.StatusCode != http.StatusOK {
			t.Errorf("session must survive a cross-identity delete, got %d", r2.StatusCode)
		}
	})

	t.Run("delete_terminates", func(t *testing.T) {
		sessionID := f.initialize(t, "docs", "tok-ok")
		req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/docs", nil)
		req.Header.Set(SessionHeader, sessionID)
		req.Header.Set("Authorization", "Bearer tok-ok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}

		r2, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
		if r2.StatusCode != http.StatusNotFound || rpcResp.Error == nil {
			t.Errorf("terminated session must report not found, got %d %v", r2.StatusCode, rpcResp.Error)
		}
	})

	t.Run("construction_failure_is_resolvable_target_error", func(t *testing.T) {
		packet, err := EncodePacket("filesystem", map[string]any{"root": "/does/not/exist"}, "key")
		if err != nil {
			t.Fatalf("failed to encode packet: %v", err)
		}
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/"+packet, strings.NewReader(initializeBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer tok-ok")
		req.Header.Set("X-Access-Key", "key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get(SessionHeader); got != "" {
			t.Errorf("failed construction must not create a session, got id %q", got)
		}
		var rpcResp Response
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if rpcResp.Error == nil || rpcResp.Error.Code != CodeInternalError {
			t.Errorf("expected a resolvable-target error, got %v", rpcResp.Error)
		}
		if f.manager.Count() != 0 {
			t.Errorf("no session may exist after failed construction, have %d", f.manager.Count())
		}
	})
}

func TestGatewayAuthorization(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedToken(t, "tok-ok", "sources:read", time.Hour)
	f.seedToken(t, "tok-expired", "sources:read", -time.Minute)
	f.seedToken(t, "tok-wrong-scope", "email", time.Hour)

	post := func(t *testing.T, identity, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/"+identity, strings.NewReader(initializeBody))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		return resp
	}

	t.Run("missing_token", func(t *testing.T) {
		resp := post(t, "docs", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("expired_token_distinct_from_unknown_identity", func(t *testing.T) {
		expired := post(t, "docs", "tok-expired")
		defer expired.Body.Close()
		if expired.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expired token must be 401, got %d", expired.StatusCode)
		}
		body, _ := io.ReadAll(expired.Body)
		if !strings.Contains(string(body), "expired") {
			t.Errorf("expected an expiry description, got %s", body)
		}

		unknown := post(t, "no-such-source", "tok-ok")
		defer unknown.Body.Close()
		if unknown.StatusCode != http.StatusNotFound {
			t.Errorf("unknown identity must be 404, got %d", unknown.StatusCode)
		}
	})

	t.Run("insufficient_scope", func(t *testing.T) {
		resp := post(t, "docs", "tok-wrong-scope")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("anonymous_identity_skips_the_gate", func(t *testing.T) {
		resp := post(t, "public-docs", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("anonymous-read identity must not require a token, got %d", resp.StatusCode)
		}
	})
}

// TestGatewayTransportDuality exercises one session across both wire
// conventions: the handshake over discrete JSON, a call answered as a
// one-shot event stream, and a long-lived GET stream attach, all with no
// second handshake.
func TestGatewayTransportDuality(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedToken(t, "tok-ok", "sources:read", time.Hour)
	sessionID := f.initialize(t, "docs", "tok-ok")

	t.Run("post_answered_as_event_stream", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/docs",
			strings.NewReader(`{"jsonrpc":"2.0","id":10,"method":"tools/list"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(SessionHeader, sessionID)
		req.Header.Set("Authorization", "Bearer tok-ok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Fatalf("expected an event stream, got %q", ct)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "event: message") {
			t.Errorf("expected SSE framing, got %s", body)
		}
		if !strings.Contains(string(body), `"search"`) {
			t.Errorf("expected the tools list in the stream, got %s", body)
		}
	})

	t.Run("get_attaches_stream_without_rehandshake", func(t *testing.T) {
		ctxReq, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/docs", nil)
		ctxReq.Header.Set("Accept", "text/event-stream")
		ctxReq.Header.Set(SessionHeader, sessionID)
		ctxReq.Header.Set("Authorization", "Bearer tok-ok")

		client := &http.Client{Timeout: 500 * time.Millisecond}
		resp, err := client.Do(ctxReq)
		if err != nil {
			t.Fatalf("stream attach failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get(SessionHeader); got != sessionID {
			t.Errorf("stream must echo the session id, got %q", got)
		}

		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		if !strings.Contains(string(buf[:n]), ": stream open") {
			t.Errorf("expected the open comment, got %q", buf[:n])
		}
	})

	t.Run("discrete_call_still_works_afterwards", func(t *testing.T) {
		_, rpcResp := f.rpc(t, "docs", sessionID, "tok-ok",
			`{"jsonrpc":"2.0","id":11,"method":"ping"}`)
		if rpcResp.Error != nil {
			t.Errorf("same session over discrete transport failed: %v", rpcResp.Error)
		}
		if f.manager.Count() != 1 {
			t.Errorf("both transports must share one session, have %d", f.manager.Count())
		}
	})

	t.Run("get_without_accept_header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/docs", nil)
		req.Header.Set(SessionHeader, sessionID)
		req.Header.Set("Authorization", "Bearer tok-ok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Errorf("expected 406, got %d", resp.StatusCode)
		}
	})
}

func TestPrefersSSE(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"application/json", false},
		{"text/event-stream", true},
		{"application/json, text/event-stream", false},
		{"text/event-stream, application/json", true},
		{"", false},
		{"*/*", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("accept=%q", tt.accept), func(t *testing.T) {
			if got := prefersSSE(tt.accept); got != tt.want {
				t.Errorf("prefersSSE(%q) = %v, want %v", tt.accept, got, tt.want)
			}
		})
	}
}
