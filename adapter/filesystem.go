// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TypeFilesystem is the registry tag for the local-filesystem adapter.
const TypeFilesystem = "filesystem"

// ErrResourceNotFound is returned for unknown or inaccessible resource URIs.
// Paths that resolve outside the configured root are reported identically,
// so the root layout is never revealed.
var ErrResourceNotFound = errors.New("resource not found")

const (
	defaultMaxResults = 20
	maxContentScan    = 512 * 1024 // bytes of content scanned per file during search

	scoreFilenameMatch = 10.0
	scoreContentMatch  = 5.0
	scorePreferredType = 2.0
	scoreRecentWeek    = 2.0
	scoreRecentMonth   = 1.0
)

// textExtensions are the file extensions searched by content. Files with
// other extensions are skipped during search but remain fetchable by id.
var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".rb": true,
	".java": true, ".c": true, ".h": true, ".rs": true, ".sh": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".xml": true, ".html": true, ".css": true, ".csv": true, ".sql": true,
}

// Filesystem exposes one directory tree as a knowledge source.
//
// Every id and URI is canonicalized (symlinks resolved) and verified to
// remain inside the configured root before any read. Resource enumeration
// degrades to an empty list when the tree is transiently unreadable;
// ReadResource propagates not-found.
type Filesystem struct {
	root          string // absolute, symlink-resolved
	maxResults    int
	preferredExts map[string]bool
	logger        *slog.Logger
}

// NewFilesystem creates a filesystem adapter rooted at dir. The root must
// exist and be a directory.
func NewFilesystem(dir string, opts ...FilesystemOption) (*Filesystem, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", dir)
	}

	f := &Filesystem{
		root:          resolved,
		maxResults:    defaultMaxResults,
		preferredExts: map[string]bool{".md": true},
		logger:        slog.Default().With("component", "adapter.filesystem"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FilesystemOption customizes a Filesystem adapter.
type FilesystemOption func(*Filesystem)

// WithMaxResults caps the number of search results returned per query.
func WithMaxResults(n int) FilesystemOption {
	return func(f *Filesystem) {
		if n > 0 {
			f.maxResults = n
		}
	}
}

// WithPreferredExtensions sets the extensions that receive a ranking bonus.
func WithPreferredExtensions(exts ...string) FilesystemOption {
	return func(f *Filesystem) {
		f.preferredExts = make(map[string]bool, len(exts))
		for _, e := range exts {
			f.preferredExts[strings.ToLower(e)] = true
		}
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) FilesystemOption {
	return func(f *Filesystem) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// filesystemFactory builds a Filesystem from a registry configuration map.
func filesystemFactory(config map[string]any) (Adapter, error) {
	root, _ := config["root"].(string)

	var opts []FilesystemOption
	if n, ok := config["max_results"].(int); ok {
		opts = append(opts, WithMaxResults(n))
	} else if n, ok := config["max_results"].(float64); ok {
		opts = append(opts, WithMaxResults(int(n)))
	}
	if exts, ok := config["preferred_extensions"].([]any); ok {
		var strs []string
		for _, e := range exts {
			if s, ok := e.(string); ok {
				strs = append(strs, s)
			}
		}
		if len(strs) > 0 {
			opts = append(opts, WithPreferredExtensions(strs...))
		}
	}

	return NewFilesystem(root, opts...)
}

// Root returns the canonicalized root directory.
func (f *Filesystem) Root() string { return f.root }

// Tools returns the search, fetch and list tool descriptors.
func (f *Filesystem) Tools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        "search",
			Description: "Search file names and text content under the source root",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Keywords to match, case-insensitive",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "fetch",
			Description: "Fetch the full content and metadata of one item by id",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{
						"type":        "string",
						"description": "Item id as returned by search or list",
					},
				},
				"required": []string{"id"},
			},
		},
		{
			Name:        "list",
			Description: "List items under the source root, optionally below a sub-path",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Sub-path to list, relative to the root",
					},
				},
			},
		},
	}
}

// ExecuteTool dispatches one tool call. Unknown names and bad arguments
// yield an IsError result.
func (f *Filesystem) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	switch name {
	case "search":
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return errorResult("search: query is required"), nil
		}
		limit := f.maxResults
		if n, ok := args["limit"].(float64); ok && int(n) > 0 && int(n) < limit {
			limit = int(n)
		}
		results, err := f.Search(ctx, query, limit)
		if err != nil {
			return errorResult(fmt.Sprintf("search: %v", err)), nil
		}
		return jsonResult(results)

	case "fetch":
		id, _ := args["id"].(string)
		if id == "" {
			return errorResult("fetch: id is required"), nil
		}
		return f.fetch(id)

	case "list":
		sub, _ := args["path"].(string)
		return f.list(ctx, sub)

	default:
		return errorResult(fmt.Sprintf("unknown tool %q", name)), nil
	}
}

// Search matches query case-insensitively against file names and text
// content under the root. Ranking: filename match > content match >
// preferred-type bonus > recency bonus. The result list is capped at limit.
func (f *Filesystem) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = f.maxResults
	}
	needle := strings.ToLower(query)
	now := time.Now()

	var results []SearchResult
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: contribute nothing from it.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != f.root {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !textExtensions[ext] {
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return nil
		}

		var score float64
		var snippet string
		if strings.Contains(strings.ToLower(d.Name()), needle) {
			score += scoreFilenameMatch
		}
		if s, ok := contentMatch(path, needle); ok {
			score += scoreContentMatch
			snippet = s
		}
		if score == 0 {
			return nil
		}
		if f.preferredExts[ext] {
			score += scorePreferredType
		}
		if info, err := d.Info(); err == nil {
			age := now.Sub(info.ModTime())
			switch {
			case age < 7*24*time.Hour:
				score += scoreRecentWeek
			case age < 30*24*time.Hour:
				score += scoreRecentMonth
			}
		}

		results = append(results, SearchResult{
			ID:      filepath.ToSlash(rel),
			Title:   d.Name(),
			Snippet: snippet,
			Score:   score,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// contentMatch scans up to maxContentScan bytes of the file for needle and
// returns a snippet around the first occurrence.
func contentMatch(path, needle string) (string, bool) {
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close()

	buf := make([]byte, maxContentScan)
	n, err := file.Read(buf)
	if n == 0 && err != nil {
		return "", false
	}
	content := string(buf[:n])
	idx := strings.Index(strings.ToLower(content), needle)
	if idx < 0 {
		return "", false
	}

	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 60
	if end > len(content) {
		end = len(content)
	}
	snippet := strings.TrimSpace(content[start:end])
	snippet = strings.Join(strings.Fields(snippet), " ")
	return snippet, true
}

// fetch returns the full content and metadata of one item by id. Any path
// outside the root is reported as not found.
func (f *Filesystem) fetch(id string) (*mcp.CallToolResult, error) {
	path, err := f.securePath(id)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch: item %q not found", id)), nil
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return errorResult(fmt.Sprintf("fetch: item %q not found", id)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch: reading %q: %v", id, err)), nil
	}

	mtype := mimetype.Detect(data)
	meta := map[string]any{
		"id":        id,
		"title":     filepath.Base(path),
		"mime_type": mtype.String(),
		"size":      info.Size(),
		"modified":  info.ModTime().UTC().Format(time.RFC3339),
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(header)}},
	}
	if strings.HasPrefix(mtype.String(), "text/") || textExtensions[strings.ToLower(filepath.Ext(path))] {
		result.Content = append(result.Content, &mcp.TextContent{Text: string(data)})
	} else {
		// Binary items are fetchable too; content travels as a blob.
		result.Content = append(result.Content, &mcp.EmbeddedResource{
			Resource: &mcp.ResourceContents{
				URI:      "file:///" + filepath.ToSlash(id),
				MIMEType: mtype.String(),
				Blob:     data,
			},
		})
	}
	return result, nil
}

// list enumerates items below an optional sub-path.
func (f *Filesystem) list(ctx context.Context, sub string) (*mcp.CallToolResult, error) {
	base := f.root
	if sub != "" {
		p, err := f.securePath(sub)
		if err != nil {
			return errorResult(fmt.Sprintf("list: path %q not found", sub)), nil
		}
		base = p
	}

	type item struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Size     int64  `json:"size"`
		Modified string `json:"modified"`
	}
	var items []item

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != base {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		items = append(items, item{
			ID:       filepath.ToSlash(rel),
			Title:    d.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return errorResult(fmt.Sprintf("list: %v", err)), nil
	}

	return jsonResult(items)
}

// Resources enumerates text files under the root. A transient walk failure
// degrades to an empty list rather than failing the call.
func (f *Filesystem) Resources(ctx context.Context) ([]*mcp.Resource, error) {
	var resources []*mcp.Resource
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != f.root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !textExtensions[ext] {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return nil
		}
		resources = append(resources, &mcp.Resource{
			URI:      "file:///" + filepath.ToSlash(rel),
			Name:     d.Name(),
			MIMEType: mimeForExtension(ext),
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("resource enumeration degraded", "error", err)
		return nil, nil
	}
	return resources, nil
}

// ReadResource returns the content of one file resource. URIs that do not
// resolve inside the root yield ErrResourceNotFound.
func (f *Filesystem) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	rel, ok := strings.CutPrefix(uri, "file:///")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	path, err := f.securePath(rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}

	contents := &mcp.ResourceContents{
		URI:      uri,
		MIMEType: mimetype.Detect(data).String(),
	}
	if strings.HasPrefix(contents.MIMEType, "text/") || textExtensions[strings.ToLower(filepath.Ext(path))] {
		contents.Text = string(data)
	} else {
		contents.Blob = data
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{contents}}, nil
}

// Prompts returns the adapter's prompt descriptors.
func (f *Filesystem) Prompts(ctx context.Context) ([]*mcp.Prompt, error) {
	return []*mcp.Prompt{
		{
			Name:        "summarize",
			Description: "Summarize one item from this source",
			Arguments: []*mcp.PromptArgument{
				{Name: "id", Description: "Item id to summarize", Required: true},
			},
		},
	}, nil
}

// GetPrompt renders one prompt by name.
func (f *Filesystem) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if name != "summarize" {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	id := args["id"]
	if id == "" {
		return nil, fmt.Errorf("prompt %q: argument \"id\" is required", name)
	}
	path, err := f.securePath(id)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: item %q not found", name, id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: item %q not found", name, id)
	}
	return &mcp.GetPromptResult{
		Description: "Summarize " + id,
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{
				Text: fmt.Sprintf("Please summarize the following document (%s):\n\n%s", id, string(data)),
			}},
		},
	}, nil
}

// HealthCheck reports whether the root directory is still readable.
func (f *Filesystem) HealthCheck(ctx context.Context) Health {
	info, err := os.Stat(f.root)
	if err != nil {
		return Health{Healthy: false, Message: fmt.Sprintf("root unavailable: %v", err)}
	}
	if !info.IsDir() {
		return Health{Healthy: false, Message: "root is not a directory"}
	}
	return Health{Healthy: true, Message: "ok"}
}

// securePath canonicalizes a root-relative id and verifies the resolved
// path (symlinks included) stays inside the root. Anything else is an
// error the callers report as not-found.
func (f *Filesystem) securePath(id string) (string, error) {
	if filepath.IsAbs(id) {
		return "", fmt.Errorf("absolute path %q rejected", id)
	}
	joined := filepath.Join(f.root, filepath.FromSlash(id))
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root", id)
	}
	return resolved, nil
}

// mimeForExtension maps common text extensions to a MIME type for
// enumeration, where reading the file to sniff would be wasteful.
func mimeForExtension(ext string) string {
	switch ext {
	case ".md":
		return "text/markdown"
	case ".html":
		return "text/html"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".csv":
		return "text/csv"
	default:
		return "text/plain"
	}
}

// jsonResult marshals v into a single text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(data)), nil
}
