// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentplexus/sourcekit/adapter"
)

// ErrSessionNotFound is returned for unknown or terminated session ids.
// The two cases are indistinguishable on purpose; the client reaction is
// the same in both: re-run the initialize handshake.
var ErrSessionNotFound = errors.New("session not found")

// SessionState is the lifecycle position of one session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateActive
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session binds one client to one resolved adapter across physical
// requests. The capability lists are computed once at handshake and
// cached; continuity is carried purely by the session id the client
// echoes back.
type Session struct {
	ID       string
	Identity string

	adapter   adapter.Adapter
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	createdAt    time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// touch records activity and reports whether the session still accepts
// calls.
func (s *Session) touch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.lastActivity = time.Now()
	return true
}

// activate marks the handshake complete.
func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = StateActive
	}
}

// terminate moves the session to its final state. Idempotent.
func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(cutoff)
}

// adapterEntry is the guarded singleton for one identity's adapter.
type adapterEntry struct {
	once    sync.Once
	adapter adapter.Adapter
	err     error
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// Registry creates adapters from identity configurations.
	Registry *adapter.Registry

	// IdleTimeout is how long a session may sit without activity before
	// the sweep terminates it. Defaults to 30 minutes.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are collected.
	// Defaults to 1 minute.
	SweepInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns the session table and the shared identity→adapter cache.
// Adapter construction is a guarded singleton per identity, so concurrent
// sessions targeting the same identity share one instance and never race
// on construction.
type Manager struct {
	registry *adapter.Registry
	logger   *slog.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	adapters map[string]*adapterEntry
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:      cfg.Registry,
		logger:        logger.With("component", "gateway"),
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		sessions:      make(map[string]*Session),
		adapters:      make(map[string]*adapterEntry),
	}, nil
}

// adapterFor returns the shared adapter for an identity, constructing it
// on first use. Failed construction is not cached; the next request
// retries.
func (m *Manager) adapterFor(ident *Identity) (adapter.Adapter, error) {
	m.mu.Lock()
	entry, ok := m.adapters[ident.Slug]
	if !ok {
		entry = &adapterEntry{}
		m.adapters[ident.Slug] = entry
	}
	m.mu.Unlock()

	entry.once.Do(func() {
		entry.adapter, entry.err = m.registry.Create(ident.Type, ident.Config)
	})
	if entry.err != nil {
		m.mu.Lock()
		if m.adapters[ident.Slug] == entry {
			delete(m.adapters, ident.Slug)
		}
		m.mu.Unlock()
		return nil, entry.err
	}
	return entry.adapter, nil
}

// CreateSession resolves the identity to an adapter, runs the capability
// handshake against it and returns a new session in the Initializing
// state. A construction failure never yields a session.
func (m *Manager) CreateSession(ctx context.Context, ident *Identity) (*Session, error) {
	a, err := m.adapterFor(ident)
	if err != nil {
		return nil, fmt.Errorf("resolving identity %s: %w", ident.Slug, err)
	}

	resources, err := a.Resources(ctx)
	if err != nil {
		// Enumeration is advisory at handshake time; the session still
		// serves tools.
		m.logger.Warn("resource enumeration failed during handshake",
			"identity", ident.Slug, "error", err)
		resources = nil
	}
	prompts, err := a.Prompts(ctx)
	if err != nil {
		m.logger.Warn("prompt enumeration failed during handshake",
			"identity", ident.Slug, "error", err)
		prompts = nil
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		Identity:     ident.Slug,
		adapter:      a,
		tools:        a.Tools(),
		resources:    resources,
		prompts:      prompts,
		state:        StateInitializing,
		lastActivity: now,
		createdAt:    now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Debug("session created", "session_id", sess.ID, "identity", ident.Slug)
	return sess, nil
}

// Get returns a live session by id. Terminated and unknown ids are
// indistinguishable to the caller.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.State() == StateTerminated {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Terminate closes a session explicitly and drops it from the table.
// The shared adapter instance stays cached for other sessions.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.terminate()
	m.logger.Debug("session terminated", "session_id", id)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sweep terminates sessions idle past the timeout.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, sess := range m.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		sess.terminate()
		m.logger.Debug("idle session swept", "session_id", sess.ID, "identity", sess.Identity)
	}
}

// StartSweep runs the idle sweep until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}
