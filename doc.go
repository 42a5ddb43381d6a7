// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sourcekit exposes heterogeneous knowledge sources to MCP (Model
// Context Protocol) clients through one tool-calling endpoint per source
// identity, gated by an OAuth 2.1-style authorization server.
//
// Sourcekit is organized into focused subpackages:
//
//   - adapter: the knowledge-store abstraction. A uniform capability
//     surface (tools, resources, prompts) over a backing source, with a
//     local-filesystem adapter, a weighted composite adapter that fans
//     queries out across several sources, and a type registry.
//   - gateway: the protocol gateway. Per-session state across physical
//     requests, JSON-RPC dispatch, and two transports (discrete JSON and
//     server-sent events) over one dispatch core.
//   - oauth2: the authorization server. Dynamic client registration,
//     consent-based authorization code grant with PKCE, token issuance
//     and introspection.
//
// # Quick Start
//
// Provision an identity and serve it:
//
//	store := gateway.NewMemoryIdentityStore()
//	store.Put(&gateway.Identity{
//	    Slug:   "docs",
//	    Type:   "filesystem",
//	    Config: map[string]any{"root": "/srv/docs"},
//	})
//
//	result, err := sourcekit.Serve(ctx, &sourcekit.Options{
//	    Addr:          ":8080",
//	    IdentityStore: store,
//	    OAuth:         &sourcekit.OAuthOptions{},
//	})
//
// Clients then discover the authorization server at
// /.well-known/oauth-authorization-server, obtain a token, and speak MCP
// to /sources/docs.
package sourcekit
