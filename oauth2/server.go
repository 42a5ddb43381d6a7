// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package oauth2 provides a standalone OAuth 2.1-style Authorization Server
// gating access to knowledge-source gateways.
//
// Features:
//   - Authorization Code flow with PKCE (RFC 7636) for public clients
//   - Dynamic Client Registration (RFC 7591)
//   - Token Introspection (RFC 7662)
//   - Authorization Server Metadata (RFC 8414)
//   - Protected Resource Metadata (RFC 9728)
//
// The server never renders a consent screen itself: a validated
// authorization request is handed off to an external consent step, whose
// decision is posted back to the consent endpoint. Only an approval mints a
// grant.
//
// Usage:
//
//	srv, err := oauth2.New(&oauth2.Config{
//	    Issuer:     "https://example.com",
//	    ConsentURL: "https://example.com/consent",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.RegisterHandlers(mux)
package oauth2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grokify/mogo/log/slogutil"
)

// Config configures the authorization server.
type Config struct {
	// Issuer is the OAuth issuer URL (e.g., "https://example.com").
	// This is used in metadata and token responses.
	Issuer string

	// ConsentURL is where a validated authorization request is handed off
	// for the human consent step. When empty, the authorization endpoint
	// answers with a machine-readable pending-consent document instead of
	// redirecting; the decision is posted to the consent endpoint either
	// way.
	ConsentURL string

	// Storage is the storage backend for clients, codes, and tokens.
	// If nil, an in-memory storage is used.
	Storage Storage

	// AuthorizationCodeExpiry is how long grants are valid.
	// Defaults to 10 minutes.
	AuthorizationCodeExpiry time.Duration

	// AccessTokenExpiry is how long access tokens are valid.
	// Defaults to 1 hour.
	AccessTokenExpiry time.Duration

	// AllowedScopes is the list of scopes this server supports.
	// If empty, no scope validation is performed.
	AllowedScopes []string

	// Paths configures the endpoint paths.
	Paths *PathConfig

	// Logger is used for debug logging. If nil, uses slog.Default().
	Logger *slog.Logger

	// Debug enables verbose debug logging.
	Debug bool
}

// PathConfig configures the OAuth endpoint paths.
type PathConfig struct {
	// Authorization is the authorization endpoint path. Defaults to "/oauth/authorize".
	Authorization string

	// Consent is the consent decision callback path. Defaults to "/oauth/consent".
	Consent string

	// Token is the token endpoint path. Defaults to "/oauth/token".
	Token string

	// Registration is the dynamic client registration path. Defaults to "/oauth/register".
	Registration string

	// Introspection is the token introspection path. Defaults to "/oauth/introspect".
	Introspection string

	// Metadata is the authorization server metadata path.
	// Defaults to "/.well-known/oauth-authorization-server".
	Metadata string
}

// DefaultPaths returns the default OAuth endpoint paths.
func DefaultPaths() *PathConfig {
	return &PathConfig{
		Authorization: "/oauth/authorize",
		Consent:       "/oauth/consent",
		Token:         "/oauth/token",
		Registration:  "/oauth/register",
		Introspection: "/oauth/introspect",
		Metadata:      "/.well-known/oauth-authorization-server",
	}
}

// Server is the authorization server.
type Server struct {
	config  *Config
	storage Storage
	paths   *PathConfig

	logger *slog.Logger
	debug  bool
}

// New creates a new authorization server with the given configuration.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	// Set defaults
	if cfg.AuthorizationCodeExpiry == 0 {
		cfg.AuthorizationCodeExpiry = 10 * time.Minute
	}
	if cfg.AccessTokenExpiry == 0 {
		cfg.AccessTokenExpiry = time.Hour
	}

	paths := cfg.Paths
	if paths == nil {
		paths = DefaultPaths()
	}

	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:  cfg,
		storage: storage,
		paths:   paths,
		logger:  logger.With("component", "oauth2"),
		debug:   cfg.Debug,
	}, nil
}

// logDebugCtx logs a debug message using a logger from context if available.
func (s *Server) logDebugCtx(ctx context.Context, msg string, args ...any) {
	if !s.debug {
		return
	}
	logger := slogutil.LoggerFromContext(ctx, s.logger)
	logger.Debug(msg, args...)
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Paths returns the configured endpoint paths.
func (s *Server) Paths() *PathConfig {
	return s.paths
}

// AuthorizationHandler returns the HTTP handler for the authorization
// endpoint. It validates the request and hands off to the consent step;
// it never issues a code itself.
func (s *Server) AuthorizationHandler() http.Handler {
	return s.authorizationHandler()
}

// ConsentHandler returns the HTTP handler for the consent decision
// callback. An approval mints the grant; a denial redirects with
// access_denied and creates nothing.
func (s *Server) ConsentHandler() http.Handler {
	return s.consentHandler()
}

// TokenHandler returns the HTTP handler for the token endpoint.
// This endpoint exchanges authorization codes for access tokens.
func (s *Server) TokenHandler() http.Handler {
	return s.tokenHandler()
}

// RegistrationHandler returns the HTTP handler for dynamic client registration.
// This endpoint allows clients to register themselves (RFC 7591).
func (s *Server) RegistrationHandler() http.Handler {
	return s.registrationHandler()
}

// IntrospectionHandler returns the HTTP handler for token introspection
// (RFC 7662). It answers {"active": false} for anything invalid and never
// fails.
func (s *Server) IntrospectionHandler() http.Handler {
	return s.introspectionHandler()
}

// MetadataHandler returns the HTTP handler for authorization server metadata.
// This should be mounted at /.well-known/oauth-authorization-server (RFC 8414).
func (s *Server) MetadataHandler() http.Handler {
	return s.metadataHandler()
}

// ProtectedResourceMetadataHandler returns the HTTP handler for protected
// resource metadata (RFC 9728). The resourcePath is the path to the
// protected resource (e.g., "/sources").
func (s *Server) ProtectedResourceMetadataHandler(resourcePath string) http.Handler {
	return s.protectedResourceMetadataHandler(resourcePath)
}

// TokenVerifier returns a function that verifies access tokens.
// This can be used with middleware to protect resources.
func (s *Server) TokenVerifier() func(token string) (*TokenInfo, error) {
	return func(token string) (*TokenInfo, error) {
		return s.storage.GetToken(token)
	}
}

// RegisterHandlers registers all OAuth handlers on the given mux using
// the configured paths. This is a convenience method for simple setups.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle(s.paths.Authorization, s.AuthorizationHandler())
	mux.Handle(s.paths.Consent, s.ConsentHandler())
	mux.Handle(s.paths.Token, s.TokenHandler())
	mux.Handle(s.paths.Registration, s.RegistrationHandler())
	mux.Handle(s.paths.Introspection, s.IntrospectionHandler())
	mux.Handle(s.paths.Metadata, s.MetadataHandler())
}

// RegisterClient pre-registers a confidential client with the given
// credentials. If clientID or clientSecret is empty, they are generated.
// If redirectURIs is empty, all URIs are allowed.
func (s *Server) RegisterClient(clientID, clientSecret string, redirectURIs []string, scope string) (string, string, error) {
	var err error

	if clientID == "" {
		clientID, err = GenerateClientID()
		if err != nil {
			return "", "", fmt.Errorf("generating client ID: %w", err)
		}
	}
	if clientSecret == "" {
		clientSecret, err = GenerateClientSecret()
		if err != nil {
			return "", "", fmt.Errorf("generating client secret: %w", err)
		}
	}
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"*"} // Special marker for "allow any"
	}

	client := &Client{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientName:              "Pre-registered Client",
		RedirectURIs:            redirectURIs,
		Scope:                   scope,
		TokenEndpointAuthMethod: "client_secret_post",
		CreatedAt:               time.Now(),
	}

	if err := s.storage.CreateClient(client); err != nil {
		return "", "", fmt.Errorf("storing client: %w", err)
	}
	return clientID, clientSecret, nil
}

// scopeAllowed reports whether every element of scope is within the
// server's allowed scope list. An empty AllowedScopes list disables the
// check.
func (s *Server) scopeAllowed(scope string) bool {
	if len(s.config.AllowedScopes) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(s.config.AllowedScopes))
	for _, a := range s.config.AllowedScopes {
		allowed[a] = true
	}
	for _, requested := range strings.Fields(scope) {
		if !allowed[requested] {
			return false
		}
	}
	return true
}

// scopeSubset reports whether every element of sub appears in super. An
// empty super set places no restriction.
func scopeSubset(sub, super string) bool {
	if strings.TrimSpace(super) == "" {
		return true
	}
	allowed := make(map[string]bool)
	for _, s := range strings.Fields(super) {
		allowed[s] = true
	}
	for _, s := range strings.Fields(sub) {
		if !allowed[s] {
			return false
		}
	}
	return true
}
