// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package adapter defines the uniform capability surface around a knowledge
// source and the concrete adapters that implement it.
//
// An Adapter wraps exactly one backing source (a local file tree, or a
// weighted bundle of other adapters via Composite) and exposes the same five
// capabilities regardless of what is behind it: tool descriptors, resource
// enumeration, prompt enumeration, tool execution, and a health check.
// Adapters are constructed through the Registry from a source-type tag plus
// a configuration map.
//
// Error policy: a tool invocation never returns a Go error for caller
// mistakes (unknown tool name, malformed arguments, missing file). Those are
// reported as a CallToolResult with IsError set, so a protocol session
// survives them. Go errors are reserved for conditions the adapter itself
// cannot absorb.
package adapter

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Health is the result of an adapter health check. HealthCheck never fails;
// an unreachable source is reported as Healthy == false with a message.
type Health struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// SearchResult is one ranked hit from a search tool call. Results are
// transient: they are assembled per call and never persisted.
type SearchResult struct {
	// ID identifies the item within its source (for filesystem sources,
	// the root-relative path). Fetchable via the fetch tool.
	ID string `json:"id"`

	// Title is a human-readable name, typically the file name.
	Title string `json:"title"`

	// Snippet is a short excerpt around the first match, if any.
	Snippet string `json:"snippet,omitempty"`

	// Source is the id of the source that produced this result. Populated
	// by the composite adapter; empty for a single-source adapter.
	Source string `json:"source,omitempty"`

	// Score orders results; higher is more relevant.
	Score float64 `json:"score"`
}

// Adapter is the uniform capability surface over one knowledge source.
type Adapter interface {
	// Tools returns the fixed tool descriptors for this adapter. The list
	// is static per adapter type and involves no I/O.
	Tools() []*mcp.Tool

	// Resources enumerates the readable resources of the source.
	// Each adapter documents whether transient enumeration failures
	// degrade to an empty list or propagate.
	Resources(ctx context.Context) ([]*mcp.Resource, error)

	// Prompts enumerates the prompts offered by the source.
	Prompts(ctx context.Context) ([]*mcp.Prompt, error)

	// ExecuteTool runs a declared tool. Unknown names and schema-invalid
	// arguments produce an IsError result, not a Go error.
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// ReadResource returns the content of one resource by URI.
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// GetPrompt renders one prompt by name.
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)

	// HealthCheck reports whether the backing source is reachable.
	HealthCheck(ctx context.Context) Health
}

// Searcher is implemented by adapters whose search tool can also be invoked
// structurally. The composite adapter fans out through this interface so it
// can merge and re-rank results without re-parsing tool output.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// errorResult builds a tool result flagged as an error.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// textResult builds a plain text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
