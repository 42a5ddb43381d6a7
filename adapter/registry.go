// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrUnknownType    = errors.New("unknown adapter type")
	ErrTypeRegistered = errors.New("adapter type already registered")
)

// ConfigError reports a missing or invalid configuration field for a
// specific adapter type.
type ConfigError struct {
	Type  string
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("adapter type %q: missing required config field %q", e.Type, e.Field)
}

// Factory constructs an adapter instance from a validated configuration map.
type Factory func(config map[string]any) (Adapter, error)

// Metadata describes a registered adapter type for catalog listings.
type Metadata struct {
	// Type is the source-type tag used at creation time.
	Type string `json:"type"`

	// Name is the human-readable name of the adapter type.
	Name string `json:"name"`

	// Description explains what kind of source this adapter wraps.
	Description string `json:"description"`

	// RequiredConfig lists the configuration fields that must be present
	// and non-empty for Create to succeed.
	RequiredConfig []string `json:"required_config,omitempty"`
}

// Registry maps source-type tags to adapter factories. A Registry is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	metadata  map[string]Metadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		metadata:  make(map[string]Metadata),
	}
}

// Register adds a factory for a source type. Registering the same type
// twice is a programming error and fails.
func (r *Registry) Register(typ string, factory Factory, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, typ)
	}
	meta.Type = typ
	r.factories[typ] = factory
	r.metadata[typ] = meta
	return nil
}

// Create validates config against the type's required-field list and
// constructs a live adapter. A missing field yields a *ConfigError naming
// it; an unknown type yields ErrUnknownType.
func (r *Registry) Create(typ string, config map[string]any) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	meta := r.metadata[typ]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	for _, field := range meta.RequiredConfig {
		v, present := config[field]
		if !present {
			return nil, &ConfigError{Type: typ, Field: field}
		}
		if s, isStr := v.(string); isStr && s == "" {
			return nil, &ConfigError{Type: typ, Field: field}
		}
	}

	return factory(config)
}

// List returns the catalog of registered adapter types, sorted by type tag.
// Listing has no side effects.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.metadata))
	for _, m := range r.metadata {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
