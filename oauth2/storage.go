// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauth2

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Common errors returned by storage operations.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrCodeExpired    = errors.New("authorization code expired")
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
)

// Storage defines the interface for OAuth data persistence. It is the
// single source of truth for one-time code use and expiry.
type Storage interface {
	// Client operations
	CreateClient(client *Client) error
	GetClient(clientID string) (*Client, error)
	DeleteClient(clientID string) error

	// Authorization code operations. ConsumeAuthorizationCode atomically
	// retrieves and deletes a code: under concurrent redemption of the
	// same code exactly one caller receives the grant, everyone else gets
	// ErrCodeNotFound. An expired code is deleted and reported as
	// ErrCodeExpired.
	CreateAuthorizationCode(code *AuthorizationCode) error
	ConsumeAuthorizationCode(code string) (*AuthorizationCode, error)

	// Token operations
	CreateToken(token *TokenInfo) error
	GetToken(accessToken string) (*TokenInfo, error)
	DeleteToken(accessToken string) error
	DeleteTokensByClient(clientID string) error
}

// Client represents a registered OAuth client.
type Client struct {
	// ClientID is the unique client identifier.
	ClientID string `json:"client_id"`

	// ClientSecret is the client secret (empty for public clients).
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientName is the human-readable name of the client.
	ClientName string `json:"client_name,omitempty"`

	// RedirectURIs is the list of registered redirect URIs. Membership
	// is checked at authorization and exchange time, not at registration.
	RedirectURIs []string `json:"redirect_uris"`

	// Scope is the space-separated scope set granted to the client.
	Scope string `json:"scope,omitempty"`

	// Public marks a client without a secret.
	Public bool `json:"public"`

	// RequirePKCE forces a code challenge on authorization requests.
	// Always set for public clients.
	RequirePKCE bool `json:"require_pkce"`

	// TokenEndpointAuthMethod is the authentication method for the token
	// endpoint: "none", "client_secret_basic" or "client_secret_post".
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// CreatedAt is when the client was registered.
	CreatedAt time.Time `json:"created_at"`
}

// AllowsRedirect reports whether uri is one of the client's registered
// redirect URIs. The wildcard marker "*" allows any URI.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == "*" || registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode represents a pending single-use grant. It is created at
// consent approval and deleted atomically on redemption or expiry.
type AuthorizationCode struct {
	// Code is the opaque grant value.
	Code string `json:"code"`

	// ClientID is the client that may redeem this grant.
	ClientID string `json:"client_id"`

	// Subject is the approving user, if known.
	Subject string `json:"subject,omitempty"`

	// RedirectURI is the redirect target bound at authorization time.
	RedirectURI string `json:"redirect_uri"`

	// Scope is the approved scope set.
	Scope string `json:"scope,omitempty"`

	// CodeChallenge is the proof-of-possession challenge, if presented.
	CodeChallenge string `json:"code_challenge,omitempty"`

	// CodeChallengeMethod is the challenge method (always "S256").
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// ExpiresAt is when this grant expires.
	ExpiresAt time.Time `json:"expires_at"`

	// CreatedAt is when this grant was created.
	CreatedAt time.Time `json:"created_at"`
}

// TokenInfo represents an issued access token. There are no refresh tokens
// in this design; clients re-authorize when a token expires.
type TokenInfo struct {
	// AccessToken is the opaque bearer value.
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ClientID is the client this token was issued to.
	ClientID string `json:"client_id"`

	// Subject is the approving user, if known.
	Subject string `json:"subject,omitempty"`

	// Scope is the granted scope set.
	Scope string `json:"scope,omitempty"`

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time `json:"expires_at"`

	// CreatedAt is when this token was created.
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired returns true if the access token has expired.
func (t *TokenInfo) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// HasScope reports whether the token's scope set contains scope.
func (t *TokenInfo) HasScope(scope string) bool {
	for _, s := range strings.Fields(t.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// MemoryStorage is an in-memory implementation of Storage.
// Suitable for development and testing.
type MemoryStorage struct {
	mu      sync.Mutex
	clients map[string]*Client
	codes   map[string]*AuthorizationCode
	tokens  map[string]*TokenInfo
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients: make(map[string]*Client),
		codes:   make(map[string]*AuthorizationCode),
		tokens:  make(map[string]*TokenInfo),
	}
}

// CreateClient stores a new client.
func (m *MemoryStorage) CreateClient(client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a client by ID.
func (m *MemoryStorage) GetClient(clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// DeleteClient removes a client.
func (m *MemoryStorage) DeleteClient(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	return nil
}

// CreateAuthorizationCode stores a new grant.
func (m *MemoryStorage) CreateAuthorizationCode(code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

// ConsumeAuthorizationCode retrieves and deletes a grant in one step. The
// mutex makes redemption atomic: a concurrent second redemption of the same
// code observes the deletion and fails.
func (m *MemoryStorage) ConsumeAuthorizationCode(code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(m.codes, code)
	if time.Now().After(grant.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	return grant, nil
}

// CreateToken stores a new token.
func (m *MemoryStorage) CreateToken(token *TokenInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.AccessToken] = token
	return nil
}

// GetToken retrieves a token by access token.
func (m *MemoryStorage) GetToken(accessToken string) (*TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[accessToken]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if token.IsExpired() {
		return nil, ErrTokenExpired
	}
	return token, nil
}

// DeleteToken removes a token.
func (m *MemoryStorage) DeleteToken(accessToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, accessToken)
	return nil
}

// DeleteTokensByClient removes all tokens for a client.
func (m *MemoryStorage) DeleteTokensByClient(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for at, token := range m.tokens {
		if token.ClientID == clientID {
			delete(m.tokens, at)
		}
	}
	return nil
}

// Cleanup removes expired codes and tokens. Call periodically.
func (m *MemoryStorage) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for code, grant := range m.codes {
		if now.After(grant.ExpiresAt) {
			delete(m.codes, code)
		}
	}
	for at, token := range m.tokens {
		if now.After(token.ExpiresAt) {
			delete(m.tokens, at)
		}
	}
}

// StartCleanup starts a background goroutine that periodically cleans up
// expired codes and tokens. Returns a stop function to halt cleanup.
func (m *MemoryStorage) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Cleanup()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
