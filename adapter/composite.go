// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TypeComposite is the registry tag for the composite adapter.
const TypeComposite = "composite"

// compositeMaxResults caps the merged result list of a composite search.
const compositeMaxResults = 50

// Source is one weighted member of a composite adapter.
type Source struct {
	// ID tags results and prefixes tool, prompt and resource names so
	// identifiers stay globally unique across the bundle.
	ID string

	// Adapter is the live adapter wrapping this source.
	Adapter Adapter

	// Weight multiplies this source's search scores. Zero means 1.
	Weight float64
}

// Composite aggregates several adapters behind one identity.
//
// Search fans out concurrently; a failing branch contributes nothing and is
// logged, never failing the whole call. Enumeration concatenates with
// source-id prefixes; tool and prompt calls are routed back by prefix.
type Composite struct {
	sources []Source
	logger  *slog.Logger
}

// NewComposite creates a composite over the given sources. At least one
// source is required and every source needs an id and a live adapter,
// otherwise construction fails closed.
func NewComposite(sources []Source, logger *slog.Logger) (*Composite, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("composite requires at least one source")
	}
	seen := make(map[string]bool, len(sources))
	for i := range sources {
		s := &sources[i]
		if s.ID == "" {
			return nil, fmt.Errorf("composite source %d: id is required", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("composite source id %q duplicated", s.ID)
		}
		seen[s.ID] = true
		if s.Adapter == nil {
			return nil, fmt.Errorf("composite source %q: adapter is nil", s.ID)
		}
		if s.Weight == 0 {
			s.Weight = 1
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{
		sources: sources,
		logger:  logger.With("component", "adapter.composite"),
	}, nil
}

// compositeFactory builds a Composite from a registry configuration map.
// Each entry of config["sources"] is {id, type, weight, config}; the member
// adapters are created through the same registry, so an unregistered type
// fails the whole construction.
func compositeFactory(r *Registry) Factory {
	return func(config map[string]any) (Adapter, error) {
		raw, ok := config["sources"].([]any)
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("composite requires at least one source")
		}

		sources := make([]Source, 0, len(raw))
		for i, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("composite source %d: malformed entry", i)
			}
			id, _ := m["id"].(string)
			typ, _ := m["type"].(string)
			if id == "" || typ == "" {
				return nil, fmt.Errorf("composite source %d: id and type are required", i)
			}
			subConfig, _ := m["config"].(map[string]any)
			sub, err := r.Create(typ, subConfig)
			if err != nil {
				return nil, fmt.Errorf("composite source %q: %w", id, err)
			}
			weight := 1.0
			if w, ok := m["weight"].(float64); ok && w > 0 {
				weight = w
			}
			sources = append(sources, Source{ID: id, Adapter: sub, Weight: weight})
		}
		return NewComposite(sources, nil)
	}
}

// Tools advertises the composite's own fan-out search, then every
// source's tools with "{sourceId}_{name}" prefixes.
func (c *Composite) Tools() []*mcp.Tool {
	tools := []*mcp.Tool{
		{
			Name:        "search",
			Description: "Search every source concurrently and merge ranked results",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Keywords to match, case-insensitive",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of merged results",
					},
				},
				"required": []string{"query"},
			},
		},
	}
	for _, s := range c.sources {
		for _, t := range s.Adapter.Tools() {
			prefixed := *t
			prefixed.Name = s.ID + "_" + t.Name
			prefixed.Description = fmt.Sprintf("[%s] %s", s.ID, t.Description)
			tools = append(tools, &prefixed)
		}
	}
	return tools
}

// Search fans the query out to every source concurrently, waits for all
// branches, then merges: weighted scores, descending stable sort, capped.
// Ties keep declared source order, so ranking is deterministic.
func (c *Composite) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 || limit > compositeMaxResults {
		limit = compositeMaxResults
	}

	branches := make([][]SearchResult, len(c.sources))
	var wg sync.WaitGroup
	for i, s := range c.sources {
		searcher, ok := s.Adapter.(Searcher)
		if !ok {
			c.logger.Warn("source does not support structured search", "source", s.ID)
			continue
		}
		wg.Add(1)
		go func(i int, s Source, searcher Searcher) {
			defer wg.Done()
			results, err := searcher.Search(ctx, query, limit)
			if err != nil {
				c.logger.Warn("search branch failed", "source", s.ID, "error", err)
				return
			}
			branch := append([]SearchResult(nil), results...)
			for j := range branch {
				branch[j].Source = s.ID
				branch[j].ID = s.ID + ":" + branch[j].ID
				branch[j].Score *= s.Weight
			}
			branches[i] = branch
		}(i, s, searcher)
	}
	wg.Wait()

	var merged []SearchResult
	seen := make(map[string]bool)
	for _, branch := range branches {
		for _, r := range branch {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// ExecuteTool routes a prefixed tool call to its source. The composite's
// own "search" fans out instead of routing.
func (c *Composite) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if name == "search" {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return errorResult("search: query is required"), nil
		}
		limit := 0
		if n, ok := args["limit"].(float64); ok {
			limit = int(n)
		}
		results, err := c.Search(ctx, query, limit)
		if err != nil {
			return errorResult(fmt.Sprintf("search: %v", err)), nil
		}
		return jsonResult(results)
	}

	source, rest, ok := c.route(name)
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q: no source matches", name)), nil
	}
	return source.Adapter.ExecuteTool(ctx, rest, args)
}

// Resources concatenates every source's resources with "{sourceId}:{uri}"
// prefixes. A failing source contributes nothing.
func (c *Composite) Resources(ctx context.Context) ([]*mcp.Resource, error) {
	var all []*mcp.Resource
	for _, s := range c.sources {
		resources, err := s.Adapter.Resources(ctx)
		if err != nil {
			c.logger.Warn("resource enumeration branch failed", "source", s.ID, "error", err)
			continue
		}
		for _, r := range resources {
			prefixed := *r
			prefixed.URI = s.ID + ":" + r.URI
			all = append(all, &prefixed)
		}
	}
	return all, nil
}

// ReadResource strips the source prefix from the URI and dispatches.
func (c *Composite) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	for _, s := range c.sources {
		if rest, ok := strings.CutPrefix(uri, s.ID+":"); ok {
			result, err := s.Adapter.ReadResource(ctx, rest)
			if err != nil {
				return nil, err
			}
			for _, contents := range result.Contents {
				contents.URI = s.ID + ":" + contents.URI
			}
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
}

// Prompts concatenates every source's prompts with name prefixes.
func (c *Composite) Prompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var all []*mcp.Prompt
	for _, s := range c.sources {
		prompts, err := s.Adapter.Prompts(ctx)
		if err != nil {
			c.logger.Warn("prompt enumeration branch failed", "source", s.ID, "error", err)
			continue
		}
		for _, p := range prompts {
			prefixed := *p
			prefixed.Name = s.ID + "_" + p.Name
			all = append(all, &prefixed)
		}
	}
	return all, nil
}

// GetPrompt routes a prefixed prompt request to its source.
func (c *Composite) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	source, rest, ok := c.route(name)
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q: no source matches", name)
	}
	return source.Adapter.GetPrompt(ctx, rest, args)
}

// HealthCheck is healthy when at least one source is healthy; the message
// reports the healthy/total ratio.
func (c *Composite) HealthCheck(ctx context.Context) Health {
	healthy := 0
	for _, s := range c.sources {
		if s.Adapter.HealthCheck(ctx).Healthy {
			healthy++
		}
	}
	return Health{
		Healthy: healthy > 0,
		Message: fmt.Sprintf("%d/%d sources healthy", healthy, len(c.sources)),
	}
}

// route matches a "{sourceId}_{name}" identifier back to its source.
func (c *Composite) route(name string) (*Source, string, bool) {
	for i := range c.sources {
		if rest, ok := strings.CutPrefix(name, c.sources[i].ID+"_"); ok {
			return &c.sources[i], rest, true
		}
	}
	return nil, "", false
}

// RegisterBuiltins registers the closed set of built-in adapter types on a
// registry. The composite factory resolves member types through the same
// registry, so registration order does not matter.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(TypeFilesystem, filesystemFactory, Metadata{
		Name:           "Local Filesystem",
		Description:    "Search and fetch files under one local directory",
		RequiredConfig: []string{"root"},
	}); err != nil {
		return err
	}
	return r.Register(TypeComposite, compositeFactory(r), Metadata{
		Name:           "Composite",
		Description:    "Aggregate several sources behind one identity",
		RequiredConfig: []string{"sources"},
	})
}
