// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package oauth2

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth error codes used across the endpoints.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
)

// errorResponse is the structured OAuth error payload.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// tokenResponse is the successful token endpoint payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// RegistrationRequest is the dynamic client registration body (RFC 7591).
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse is the dynamic client registration result.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// consentRequest is the decision posted back by the external consent step.
type consentRequest struct {
	Decision            string `json:"decision"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	Subject             string `json:"subject,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// authorizationServerMetadata is the discovery document (RFC 8414).
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// protectedResourceMetadata is the resource discovery document (RFC 9728).
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// writeJSON writes a JSON payload with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured OAuth error payload.
func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, Description: description})
}

// redirectError sends the error back to a known-safe redirect target.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, code, description, state string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, code, description)
		return
	}
	q := target.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// registrationHandler implements dynamic client registration (RFC 7591).
// Redirect URIs are structurally accepted here; membership is enforced at
// authorization and exchange time.
func (s *Server) registrationHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "Method not allowed")
			return
		}

		var req RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "Malformed registration body")
			return
		}
		if len(req.RedirectURIs) == 0 {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uris is required")
			return
		}
		for _, uri := range req.RedirectURIs {
			if _, err := url.ParseRequestURI(uri); err != nil {
				writeError(w, http.StatusBadRequest, ErrorInvalidRequest,
					fmt.Sprintf("redirect_uri %q is not a valid URI", uri))
				return
			}
		}
		if !s.scopeAllowed(req.Scope) {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "requested scope is not supported")
			return
		}

		authMethod := req.TokenEndpointAuthMethod
		if authMethod == "" {
			authMethod = "client_secret_post"
		}
		public := authMethod == "none"

		clientID, err := GenerateClientID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrorServerError, "Failed to generate client id")
			return
		}

		client := &Client{
			ClientID:                clientID,
			ClientName:              req.ClientName,
			RedirectURIs:            req.RedirectURIs,
			Scope:                   req.Scope,
			Public:                  public,
			RequirePKCE:             public,
			TokenEndpointAuthMethod: authMethod,
			CreatedAt:               time.Now(),
		}
		if !public {
			secret, err := GenerateClientSecret()
			if err != nil {
				writeError(w, http.StatusInternalServerError, ErrorServerError, "Failed to generate client secret")
				return
			}
			client.ClientSecret = secret
		}

		if err := s.storage.CreateClient(client); err != nil {
			writeError(w, http.StatusInternalServerError, ErrorServerError, "Failed to store client")
			return
		}

		s.logDebugCtx(r.Context(), "client registered",
			"client_id", client.ClientID, "public", client.Public)

		writeJSON(w, http.StatusCreated, RegistrationResponse{
			ClientID:                client.ClientID,
			ClientSecret:            client.ClientSecret,
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			Scope:                   client.Scope,
			TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
		})
	})
}

// authorizationHandler validates an authorization request and hands off to
// the external consent step. It never mints a grant. Failures are reported
// by redirect only once the redirect target is known to be registered.
func (s *Server) authorizationHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "Method not allowed")
			return
		}

		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		responseType := q.Get("response_type")
		scope := q.Get("scope")
		state := q.Get("state")
		challenge := q.Get("code_challenge")
		challengeMethod := q.Get("code_challenge_method")

		if clientID == "" {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "client_id is required")
			return
		}
		client, err := s.storage.GetClient(clientID)
		if err != nil {
			// No safe redirect target can be derived from an unknown client.
			writeError(w, http.StatusBadRequest, ErrorInvalidClient, "Unknown client")
			return
		}

		if redirectURI == "" && len(client.RedirectURIs) == 1 && client.RedirectURIs[0] != "*" {
			redirectURI = client.RedirectURIs[0]
		}
		if redirectURI == "" || !client.AllowsRedirect(redirectURI) {
			// The target is unregistered, so redirecting would be an open relay.
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uri is not registered for this client")
			return
		}

		// From here on the redirect target is safe; failures go back to it.
		if responseType != "code" {
			redirectError(w, r, redirectURI, ErrorUnsupportedResponseType, "Only response_type=code is supported", state)
			return
		}
		if !s.scopeAllowed(scope) || !scopeSubset(scope, client.Scope) {
			redirectError(w, r, redirectURI, ErrorInvalidRequest, "requested scope exceeds client grant", state)
			return
		}
		if client.RequirePKCE && challenge == "" {
			redirectError(w, r, redirectURI, ErrorInvalidRequest, "code_challenge is required for this client", state)
			return
		}
		if challenge != "" && challengeMethod != "" && challengeMethod != PKCEMethodS256 {
			redirectError(w, r, redirectURI, ErrorInvalidRequest, "only the S256 code_challenge_method is supported", state)
			return
		}

		s.logDebugCtx(r.Context(), "authorization request valid, handing off to consent",
			"client_id", clientID, "scope", scope)

		handoff := url.Values{
			"client_id":    {clientID},
			"client_name":  {client.ClientName},
			"redirect_uri": {redirectURI},
			"scope":        {scope},
			"state":        {state},
		}
		if challenge != "" {
			handoff.Set("code_challenge", challenge)
			handoff.Set("code_challenge_method", PKCEMethodS256)
		}

		if s.config.ConsentURL != "" {
			http.Redirect(w, r, s.config.ConsentURL+"?"+handoff.Encode(), http.StatusFound)
			return
		}

		// No consent UI configured: answer with a pending-consent document
		// the caller can complete against the consent endpoint.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "consent_required",
			"consent_endpoint": s.config.Issuer + s.paths.Consent,
			"request":          handoffValuesToMap(handoff),
		})
	})
}

func handoffValuesToMap(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for key := range v {
		if val := v.Get(key); val != "" {
			out[key] = val
		}
	}
	return out
}

// consentHandler records the decision of the external consent step. On
// approval it mints a cryptographically random grant bound to the request
// parameters and redirects with the code; on denial it redirects with
// access_denied and creates nothing.
func (s *Server) consentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "Method not allowed")
			return
		}

		var req consentRequest
		contentType := r.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "Malformed consent body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "Failed to parse request")
				return
			}
			req = consentRequest{
				Decision:            r.FormValue("decision"),
				ClientID:            r.FormValue("client_id"),
				RedirectURI:         r.FormValue("redirect_uri"),
				Scope:               r.FormValue("scope"),
				State:               r.FormValue("state"),
				Subject:             r.FormValue("subject"),
				CodeChallenge:       r.FormValue("code_challenge"),
				CodeChallengeMethod: r.FormValue("code_challenge_method"),
			}
		}

		client, err := s.storage.GetClient(req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorInvalidClient, "Unknown client")
			return
		}
		if req.RedirectURI == "" || !client.AllowsRedirect(req.RedirectURI) {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uri is not registered for this client")
			return
		}

		if req.Decision != "approve" {
			s.logDebugCtx(r.Context(), "consent denied", "client_id", req.ClientID)
			redirectError(w, r, req.RedirectURI, ErrorAccessDenied, "The user denied the request", req.State)
			return
		}

		if !scopeSubset(req.Scope, client.Scope) {
			redirectError(w, r, req.RedirectURI, ErrorInvalidRequest, "approved scope exceeds client grant", req.State)
			return
		}

		code, err := GenerateAuthorizationCode()
		if err != nil {
			redirectError(w, r, req.RedirectURI, ErrorServerError, "Failed to generate code", req.State)
			return
		}

		now := time.Now()
		grant := &AuthorizationCode{
			Code:                code,
			ClientID:            req.ClientID,
			Subject:             req.Subject,
			RedirectURI:         req.RedirectURI,
			Scope:               req.Scope,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			ExpiresAt:           now.Add(s.config.AuthorizationCodeExpiry),
			CreatedAt:           now,
		}
		if err := s.storage.CreateAuthorizationCode(grant); err != nil {
			redirectError(w, r, req.RedirectURI, ErrorServerError, "Failed to store grant", req.State)
			return
		}

		s.logDebugCtx(r.Context(), "consent approved, grant minted", "client_id", req.ClientID)

		target, err := url.Parse(req.RedirectURI)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "redirect_uri is not a valid URI")
			return
		}
		q := target.Query()
		q.Set("code", code)
		if req.State != "" {
			q.Set("state", req.State)
		}
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	})
}

// tokenHandler exchanges a grant for an access token. The grant is
// consumed atomically, so a code is redeemable exactly once even under
// concurrent exchange attempts.
func (s *Server) tokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "Method not allowed")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "Failed to parse request")
			return
		}

		if grantType := r.FormValue("grant_type"); grantType != "authorization_code" {
			writeError(w, http.StatusBadRequest, ErrorUnsupportedGrantType, "Only authorization_code grant is supported")
			return
		}
		code := r.FormValue("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "code is required")
			return
		}

		// Client credentials from Basic auth or form body.
		clientID, clientSecret, ok := r.BasicAuth()
		if !ok {
			clientID = r.FormValue("client_id")
			clientSecret = r.FormValue("client_secret")
		}
		if clientID == "" {
			writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "client_id is required")
			return
		}

		client, err := s.storage.GetClient(clientID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrorInvalidClient, "Client authentication failed")
			return
		}
		if !client.Public {
			if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(client.ClientSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, ErrorInvalidClient, "Client authentication failed")
				return
			}
		}

		grant, err := s.storage.ConsumeAuthorizationCode(code)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorInvalidGrant, "Authorization code is invalid or expired")
			return
		}
		if grant.ClientID != clientID {
			writeError(w, http.StatusBadRequest, ErrorInvalidGrant, "Authorization code was issued to another client")
			return
		}
		if redirectURI := r.FormValue("redirect_uri"); redirectURI != grant.RedirectURI {
			writeError(w, http.StatusBadRequest, ErrorInvalidGrant, "redirect_uri does not match the authorization request")
			return
		}

		if grant.CodeChallenge != "" {
			verifier := r.FormValue("code_verifier")
			if verifier == "" {
				writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "code_verifier is required")
				return
			}
			if err := VerifyCodeChallenge(verifier, grant.CodeChallenge, grant.CodeChallengeMethod); err != nil {
				writeError(w, http.StatusBadRequest, ErrorInvalidGrant, "code_verifier verification failed")
				return
			}
		}

		accessToken, err := GenerateAccessToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrorServerError, "Failed to generate token")
			return
		}

		now := time.Now()
		token := &TokenInfo{
			AccessToken: accessToken,
			TokenType:   "Bearer",
			ClientID:    clientID,
			Subject:     grant.Subject,
			Scope:       grant.Scope,
			ExpiresAt:   now.Add(s.config.AccessTokenExpiry),
			CreatedAt:   now,
		}
		if err := s.storage.CreateToken(token); err != nil {
			writeError(w, http.StatusInternalServerError, ErrorServerError, "Failed to store token")
			return
		}

		s.logDebugCtx(r.Context(), "token issued", "client_id", clientID, "scope", token.Scope)

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken: token.AccessToken,
			TokenType:   token.TokenType,
			ExpiresIn:   int(s.config.AccessTokenExpiry.Seconds()),
			Scope:       token.Scope,
		})
	})
}

// introspectionHandler implements RFC 7662. Unknown, expired or malformed
// input always yields {"active": false}; the endpoint never fails.
func (s *Server) introspectionHandler() http.Handler {
	inactive := map[string]any{"active": false}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "Method not allowed")
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusOK, inactive)
			return
		}
		raw := r.FormValue("token")
		if raw == "" {
			writeJSON(w, http.StatusOK, inactive)
			return
		}

		token, err := s.storage.GetToken(raw)
		if err != nil {
			writeJSON(w, http.StatusOK, inactive)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"active":     true,
			"client_id":  token.ClientID,
			"scope":      token.Scope,
			"sub":        token.Subject,
			"token_type": token.TokenType,
			"iat":        token.CreatedAt.Unix(),
			"exp":        token.ExpiresAt.Unix(),
		})
	})
}

// metadataHandler serves the static discovery document (RFC 8414).
func (s *Server) metadataHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		issuer := s.config.Issuer
		writeJSON(w, http.StatusOK, authorizationServerMetadata{
			Issuer:                            issuer,
			AuthorizationEndpoint:             issuer + s.paths.Authorization,
			TokenEndpoint:                     issuer + s.paths.Token,
			RegistrationEndpoint:              issuer + s.paths.Registration,
			IntrospectionEndpoint:             issuer + s.paths.Introspection,
			ScopesSupported:                   s.config.AllowedScopes,
			GrantTypesSupported:               []string{"authorization_code"},
			TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
			ResponseTypesSupported:            []string{"code"},
			CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		})
	})
}

// protectedResourceMetadataHandler serves RFC 9728 metadata for one
// protected resource path.
func (s *Server) protectedResourceMetadataHandler(resourcePath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, protectedResourceMetadata{
			Resource:               s.config.Issuer + resourcePath,
			AuthorizationServers:   []string{s.config.Issuer},
			ScopesSupported:        s.config.AllowedScopes,
			BearerMethodsSupported: []string{"header"},
		})
	})
}

// BearerAuthMiddleware returns middleware that validates Bearer tokens and
// stores the TokenInfo in the request context. requiredScope may be empty.
func (s *Server) BearerAuthMiddleware(resourceMetadataURL, requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, resourceMetadataURL))
				writeError(w, http.StatusUnauthorized, ErrorInvalidRequest, "Bearer token is required")
				return
			}

			raw := strings.TrimPrefix(auth, "Bearer ")
			token, err := s.storage.GetToken(raw)
			if err != nil {
				desc := "Token is invalid"
				if errors.Is(err, ErrTokenExpired) {
					desc = "Token has expired"
				}
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer resource_metadata="%s", error="invalid_token"`, resourceMetadataURL))
				writeError(w, http.StatusUnauthorized, ErrorInvalidGrant, desc)
				return
			}
			if requiredScope != "" && !token.HasScope(requiredScope) {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer resource_metadata="%s", error="insufficient_scope"`, resourceMetadataURL))
				writeError(w, http.StatusForbidden, ErrorAccessDenied, "Token lacks the required scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetTokenInfoContext(r.Context(), token)))
		})
	}
}
