// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sourcekit

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentplexus/sourcekit/gateway"
)

func TestServe_LocalServer(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	store := gateway.NewMemoryIdentityStore()
	store.Put(&gateway.Identity{
		Slug:           "docs",
		Type:           "filesystem",
		Config:         map[string]any{"root": dir},
		AllowAnonymous: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *Result, 1)
	errChan := make(chan error, 1)
	go func() {
		_, err := Serve(ctx, &Options{
			Addr:          "localhost:0",
			IdentityStore: store,
			OAuth:         &OAuthOptions{},
			OnReady:       func(r *Result) { ready <- r },
		})
		errChan <- err
	}()

	var result *Result
	select {
	case result = <-ready:
	case err := <-errChan:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the server to start")
	}

	if result.LocalAddr == "" || !strings.Contains(result.LocalURL, "/sources") {
		t.Errorf("unexpected result %+v", result)
	}
	if result.OAuth == nil || result.OAuth.TokenEndpoint == "" {
		t.Errorf("expected oauth endpoints in the result, got %+v", result.OAuth)
	}

	base := "http://" + result.LocalAddr

	t.Run("discovery_document", func(t *testing.T) {
		resp, err := http.Get(base + "/.well-known/oauth-authorization-server")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var meta map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if meta["issuer"] != base {
			t.Errorf("issuer must match the listener, got %v", meta["issuer"])
		}
	})

	t.Run("anonymous_identity_served", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`
		req, _ := http.NewRequest(http.MethodPost, base+"/sources/docs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if resp.Header.Get(gateway.SessionHeader) == "" {
			t.Error("expected a session id header")
		}
	})

	t.Run("protected_identity_requires_token", func(t *testing.T) {
		store.Put(&gateway.Identity{
			Slug:   "private",
			Type:   "filesystem",
			Config: map[string]any{"root": dir},
		})
		resp, err := http.Post(base+"/sources/private", "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("unexpected error on shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the server to stop")
	}
}

func TestServe_RequiresAddr(t *testing.T) {
	if _, err := Serve(context.Background(), &Options{}); err == nil {
		t.Fatal("expected an error without addr or ngrok")
	}
}
