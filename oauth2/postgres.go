// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauth2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresOpTimeout = 5 * time.Second

// postgresSchema creates the tables used by PostgresStorage.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id                  TEXT PRIMARY KEY,
	client_secret              TEXT NOT NULL DEFAULT '',
	client_name                TEXT NOT NULL DEFAULT '',
	redirect_uris              TEXT[] NOT NULL,
	scope                      TEXT NOT NULL DEFAULT '',
	public                     BOOLEAN NOT NULL DEFAULT FALSE,
	require_pkce               BOOLEAN NOT NULL DEFAULT FALSE,
	token_endpoint_auth_method TEXT NOT NULL DEFAULT 'client_secret_post',
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
	code                  TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	subject               TEXT NOT NULL DEFAULT '',
	redirect_uri          TEXT NOT NULL,
	scope                 TEXT NOT NULL DEFAULT '',
	code_challenge        TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	expires_at            TIMESTAMPTZ NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	access_token TEXT PRIMARY KEY,
	token_type   TEXT NOT NULL DEFAULT 'Bearer',
	client_id    TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	scope        TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStorage is a Storage backed by a pgx connection pool. Grant
// redemption uses DELETE ... RETURNING so a code is consumed exactly once
// even across processes.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a PostgresStorage and ensures its schema.
func NewPostgresStorage(ctx context.Context, db *pgxpool.Pool) (*PostgresStorage, error) {
	if db == nil {
		return nil, errors.New("oauth2: nil connection pool")
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure oauth schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOpTimeout)
}

func (s *PostgresStorage) CreateClient(client *Client) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_clients
			(client_id, client_secret, client_name, redirect_uris, scope,
			 public, require_pkce, token_endpoint_auth_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		client.ClientID, client.ClientSecret, client.ClientName,
		client.RedirectURIs, client.Scope, client.Public, client.RequirePKCE,
		client.TokenEndpointAuthMethod, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store client %s: %w", client.ClientID, err)
	}
	return nil
}

func (s *PostgresStorage) GetClient(clientID string) (*Client, error) {
	ctx, cancel := opContext()
	defer cancel()

	var c Client
	err := s.db.QueryRow(ctx, `
		SELECT client_id, client_secret, client_name, redirect_uris, scope,
		       public, require_pkce, token_endpoint_auth_method, created_at
		FROM oauth_clients WHERE client_id = $1`, clientID).Scan(
		&c.ClientID, &c.ClientSecret, &c.ClientName, &c.RedirectURIs, &c.Scope,
		&c.Public, &c.RequirePKCE, &c.TokenEndpointAuthMethod, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client %s: %w", clientID, err)
	}
	return &c, nil
}

func (s *PostgresStorage) DeleteClient(clientID string) error {
	ctx, cancel := opContext()
	defer cancel()

	tag, err := s.db.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client %s: %w", clientID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (s *PostgresStorage) CreateAuthorizationCode(code *AuthorizationCode) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_authorization_codes
			(code, client_id, subject, redirect_uri, scope,
			 code_challenge, code_challenge_method, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		code.Code, code.ClientID, code.Subject, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode removes and returns the grant in one statement.
// A second caller racing on the same code sees zero rows and gets
// ErrCodeNotFound.
func (s *PostgresStorage) ConsumeAuthorizationCode(code string) (*AuthorizationCode, error) {
	ctx, cancel := opContext()
	defer cancel()

	var c AuthorizationCode
	err := s.db.QueryRow(ctx, `
		DELETE FROM oauth_authorization_codes WHERE code = $1
		RETURNING code, client_id, subject, redirect_uri, scope,
		          code_challenge, code_challenge_method, expires_at, created_at`,
		code).Scan(
		&c.Code, &c.ClientID, &c.Subject, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	return &c, nil
}

func (s *PostgresStorage) CreateToken(token *TokenInfo) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO oauth_tokens
			(access_token, token_type, client_id, subject, scope, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.AccessToken, token.TokenType, token.ClientID, token.Subject,
		token.Scope, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetToken(accessToken string) (*TokenInfo, error) {
	ctx, cancel := opContext()
	defer cancel()

	var t TokenInfo
	err := s.db.QueryRow(ctx, `
		SELECT access_token, token_type, client_id, subject, scope, expires_at, created_at
		FROM oauth_tokens WHERE access_token = $1`, accessToken).Scan(
		&t.AccessToken, &t.TokenType, &t.ClientID, &t.Subject, &t.Scope,
		&t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if t.IsExpired() {
		return nil, ErrTokenExpired
	}
	return &t, nil
}

func (s *PostgresStorage) DeleteToken(accessToken string) error {
	ctx, cancel := opContext()
	defer cancel()

	tag, err := s.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE access_token = $1`, accessToken)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *PostgresStorage) DeleteTokensByClient(clientID string) error {
	ctx, cancel := opContext()
	defer cancel()

	if _, err := s.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to delete tokens for client %s: %w", clientID, err)
	}
	return nil
}

// Cleanup removes expired authorization codes and tokens.
func (s *PostgresStorage) Cleanup() {
	ctx, cancel := opContext()
	defer cancel()

	now := time.Now()
	_, _ = s.db.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, now)
	_, _ = s.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE expires_at < $1`, now)
}
