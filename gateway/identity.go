// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Identity resolution errors.
var (
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrIdentityDisabled  = errors.New("identity is disabled")
	ErrPacketInvalid     = errors.New("packet identifier is malformed")
	ErrPacketKeyMismatch = errors.New("packet access key does not match")
)

// PacketPrefix marks a self-describing packet identifier. Anything with
// this prefix resolves only through the packet path; anything without it
// resolves only through the persisted slug store. There is no fallback
// between the two.
const PacketPrefix = "pkt-"

// Identity maps one stable external name to an adapter configuration.
type Identity struct {
	Slug           string
	Type           string
	Config         map[string]any
	AllowAnonymous bool
	Disabled       bool
}

// IdentityStore reads persisted identity records by slug.
type IdentityStore interface {
	GetIdentity(ctx context.Context, slug string) (*Identity, error)
}

// MemoryIdentityStore is an in-memory IdentityStore for tests and
// single-process setups.
type MemoryIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{identities: make(map[string]*Identity)}
}

// Put stores or replaces an identity record.
func (s *MemoryIdentityStore) Put(ident *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[ident.Slug] = ident
}

func (s *MemoryIdentityStore) GetIdentity(ctx context.Context, slug string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[slug]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	if ident.Disabled {
		return nil, ErrIdentityDisabled
	}
	return ident, nil
}

const identitySchema = `
CREATE TABLE IF NOT EXISTS source_identities (
	slug            TEXT PRIMARY KEY,
	source_type     TEXT NOT NULL,
	config          JSONB NOT NULL DEFAULT '{}',
	allow_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
	disabled        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresIdentityStore reads identity records provisioned by the
// management surface out of PostgreSQL.
type PostgresIdentityStore struct {
	db *pgxpool.Pool
}

// NewPostgresIdentityStore creates the store and ensures its schema.
func NewPostgresIdentityStore(ctx context.Context, db *pgxpool.Pool) (*PostgresIdentityStore, error) {
	if db == nil {
		return nil, errors.New("gateway: nil connection pool")
	}
	if _, err := db.Exec(ctx, identitySchema); err != nil {
		return nil, fmt.Errorf("failed to ensure identity schema: %w", err)
	}
	return &PostgresIdentityStore{db: db}, nil
}

func (s *PostgresIdentityStore) GetIdentity(ctx context.Context, slug string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		ident Identity
		raw   []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT slug, source_type, config, allow_anonymous, disabled
		FROM source_identities WHERE slug = $1`, slug).Scan(
		&ident.Slug, &ident.Type, &raw, &ident.AllowAnonymous, &ident.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity %s: %w", slug, err)
	}
	if ident.Disabled {
		return nil, ErrIdentityDisabled
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ident.Config); err != nil {
			return nil, fmt.Errorf("identity %s has malformed config: %w", slug, err)
		}
	}
	return &ident, nil
}

// packetPayload is the JSON body of a self-describing packet identifier.
type packetPayload struct {
	Type    string         `json:"type"`
	Config  map[string]any `json:"config"`
	KeyHash string         `json:"key_hash"`
}

// IsPacketID reports whether the identifier resolves through the packet path.
func IsPacketID(id string) bool {
	return strings.HasPrefix(id, PacketPrefix)
}

// EncodePacket builds a packet identifier carrying the adapter type and
// config, locked to the SHA-256 of the given access key.
func EncodePacket(sourceType string, config map[string]any, accessKey string) (string, error) {
	sum := sha256.Sum256([]byte(accessKey))
	raw, err := json.Marshal(packetPayload{
		Type:    sourceType,
		Config:  config,
		KeyHash: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return "", fmt.Errorf("encoding packet: %w", err)
	}
	return PacketPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePacket resolves a packet identifier against the presented access
// key. A missing or mismatching key fails closed.
func DecodePacket(id, accessKey string) (*Identity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(id, PacketPrefix))
	if err != nil {
		return nil, ErrPacketInvalid
	}
	var payload packetPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrPacketInvalid
	}
	if payload.Type == "" || payload.KeyHash == "" {
		return nil, ErrPacketInvalid
	}

	sum := sha256.Sum256([]byte(accessKey))
	presented := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(presented), []byte(payload.KeyHash)) != 1 {
		return nil, ErrPacketKeyMismatch
	}

	return &Identity{
		Slug:   id,
		Type:   payload.Type,
		Config: payload.Config,
	}, nil
}

// Resolver picks the resolution path from the identifier's shape: packet
// identifiers decode locally, everything else reads the slug store.
type Resolver struct {
	store IdentityStore
}

func NewResolver(store IdentityStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps an inbound identifier and optional access-key material to
// an identity record.
func (r *Resolver) Resolve(ctx context.Context, id, accessKey string) (*Identity, error) {
	if IsPacketID(id) {
		return DecodePacket(id, accessKey)
	}
	if r.store == nil {
		return nil, ErrIdentityNotFound
	}
	return r.store.GetIdentity(ctx, id)
}
