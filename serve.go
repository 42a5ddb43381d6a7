// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sourcekit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/agentplexus/sourcekit/adapter"
	"github.com/agentplexus/sourcekit/gateway"
	"github.com/agentplexus/sourcekit/oauth2"
)

// Options configures the assembled gateway server.
type Options struct {
	// Addr is the local address to listen on (e.g., ":8080").
	// Required when Ngrok is nil. When Ngrok is configured, this is
	// optional.
	Addr string

	// BasePath is the mount point for the per-identity protocol
	// endpoints; the identity segment follows it. Defaults to "/sources".
	BasePath string

	// ReadHeaderTimeout is the timeout for reading request headers.
	// Defaults to 10 seconds.
	ReadHeaderTimeout time.Duration

	// Ngrok configures optional ngrok tunneling. When set, the server is
	// exposed via ngrok and the PublicURL in the result is populated.
	Ngrok *NgrokOptions

	// OAuth configures the authorization server gating the gateway.
	// When nil, the gateway accepts unauthenticated requests; this is
	// only meant for local development.
	OAuth *OAuthOptions

	// Registry creates adapters from identity configurations. Defaults
	// to a registry holding the built-in source types.
	Registry *adapter.Registry

	// IdentityStore resolves persisted slugs. Defaults to an empty
	// in-memory store, which leaves only packet identities resolvable.
	IdentityStore gateway.IdentityStore

	// SessionIdleTimeout and SessionSweepInterval configure the idle
	// session sweep; zero values take the gateway defaults.
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnReady is called when the server is ready to accept connections,
	// before Serve blocks.
	OnReady func(result *Result)
}

// NgrokOptions configures ngrok tunneling.
type NgrokOptions struct {
	// Authtoken falls back to the NGROK_AUTHTOKEN environment variable.
	Authtoken string

	// Domain is an optional custom ngrok domain. Requires a paid plan.
	Domain string
}

// OAuthOptions configures the authorization server.
type OAuthOptions struct {
	// Storage backs clients, grants and tokens. Defaults to in-memory.
	Storage oauth2.Storage

	// ConsentURL is where authorization requests hand off for the user
	// decision. When empty, the authorization endpoint answers with a
	// pending-consent document instead of redirecting.
	ConsentURL string

	// ClientID / ClientSecret / RedirectURIs pre-register one
	// confidential client. All optional.
	ClientID     string
	ClientSecret string
	RedirectURIs []string

	// AllowedScopes defaults to ["sources:read", "sources:write"].
	AllowedScopes []string

	// AccessTokenExpiry defaults to 1 hour; AuthorizationCodeExpiry to
	// 10 minutes.
	AccessTokenExpiry       time.Duration
	AuthorizationCodeExpiry time.Duration

	// RequiredScope is the scope a bearer token needs to reach the
	// gateway. Defaults to "sources:read".
	RequiredScope string

	// Debug enables verbose logging for OAuth operations.
	Debug bool
}

// OAuthCredentials reports the assembled authorization endpoints plus the
// pre-registered client, if any.
type OAuthCredentials struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	IntrospectionEndpoint string
}

// Result contains information about the running server.
type Result struct {
	// LocalAddr is the local address the server is listening on.
	LocalAddr string

	// LocalURL is the base URL of the per-identity endpoints.
	LocalURL string

	// PublicURL is the ngrok public URL, if ngrok is enabled.
	PublicURL string

	// OAuth is nil when authorization is disabled.
	OAuth *OAuthCredentials
}

// Serve assembles and runs the gateway: OAuth endpoints, well-known
// discovery documents and the per-identity protocol endpoint on one mux.
// It blocks until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	basePath := opts.BasePath
	if basePath == "" {
		basePath = "/sources"
	}
	basePath = "/" + strings.Trim(basePath, "/")

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := opts.Registry
	if registry == nil {
		registry = adapter.NewRegistry()
		if err := adapter.RegisterBuiltins(registry); err != nil {
			return nil, fmt.Errorf("registering built-in source types: %w", err)
		}
	}

	identityStore := opts.IdentityStore
	if identityStore == nil {
		identityStore = gateway.NewMemoryIdentityStore()
	}

	// Listener first: the base URL feeds the OAuth issuer and discovery
	// documents.
	var (
		listener net.Listener
		baseURL  string
		err      error
	)
	result := &Result{}

	if opts.Ngrok != nil {
		listener, err = ngrokListener(ctx, opts.Ngrok)
		if err != nil {
			return nil, fmt.Errorf("creating ngrok listener: %w", err)
		}
		baseURL = "https://" + listener.Addr().String()
		result.PublicURL = baseURL + basePath
		if opts.Addr != "" {
			result.LocalAddr = opts.Addr
			result.LocalURL = "http://" + opts.Addr + basePath
		}
	} else {
		if opts.Addr == "" {
			return nil, fmt.Errorf("addr is required when ngrok is not configured")
		}
		listener, err = net.Listen("tcp", opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", opts.Addr, err)
		}
		result.LocalAddr = listener.Addr().String()
		result.LocalURL = "http://" + result.LocalAddr + basePath
		baseURL = "http://" + result.LocalAddr
	}

	manager, err := gateway.NewManager(gateway.ManagerConfig{
		Registry:      registry,
		IdleTimeout:   opts.SessionIdleTimeout,
		SweepInterval: opts.SessionSweepInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}
	manager.StartSweep(ctx)

	mux := http.NewServeMux()
	handlerCfg := gateway.HandlerConfig{
		Manager:  manager,
		Resolver: gateway.NewResolver(identityStore),
		Logger:   logger,
	}

	if opts.OAuth != nil {
		scopes := opts.OAuth.AllowedScopes
		if scopes == nil {
			scopes = []string{"sources:read", "sources:write"}
		}
		storage := opts.OAuth.Storage
		if storage == nil {
			mem := oauth2.NewMemoryStorage()
			stop := mem.StartCleanup(5 * time.Minute)
			go func() {
				<-ctx.Done()
				stop()
			}()
			storage = mem
		}
		authSrv, err := oauth2.New(&oauth2.Config{
			Issuer:                  baseURL,
			ConsentURL:              opts.OAuth.ConsentURL,
			Storage:                 storage,
			AccessTokenExpiry:       opts.OAuth.AccessTokenExpiry,
			AuthorizationCodeExpiry: opts.OAuth.AuthorizationCodeExpiry,
			AllowedScopes:           scopes,
			Logger:                  logger,
			Debug:                   opts.OAuth.Debug,
		})
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("creating oauth2 server: %w", err)
		}

		paths := authSrv.Paths()
		authSrv.RegisterHandlers(mux)
		mux.Handle("/.well-known/oauth-protected-resource",
			authSrv.ProtectedResourceMetadataHandler(basePath))

		credentials := &OAuthCredentials{
			AuthorizationEndpoint: baseURL + paths.Authorization,
			TokenEndpoint:         baseURL + paths.Token,
			RegistrationEndpoint:  baseURL + paths.Registration,
			IntrospectionEndpoint: baseURL + paths.Introspection,
		}
		if opts.OAuth.ClientID != "" || opts.OAuth.ClientSecret != "" || len(opts.OAuth.RedirectURIs) > 0 {
			clientID, clientSecret, err := authSrv.RegisterClient(
				opts.OAuth.ClientID,
				opts.OAuth.ClientSecret,
				opts.OAuth.RedirectURIs,
				strings.Join(scopes, " "),
			)
			if err != nil {
				_ = listener.Close()
				return nil, fmt.Errorf("pre-registering oauth2 client: %w", err)
			}
			credentials.ClientID = clientID
			credentials.ClientSecret = clientSecret
		}
		result.OAuth = credentials

		handlerCfg.TokenVerifier = authSrv.TokenVerifier()
		handlerCfg.RequiredScope = opts.OAuth.RequiredScope
		handlerCfg.ResourceMetadataURL = baseURL + "/.well-known/oauth-protected-resource"
	}

	gatewayHandler, err := gateway.NewHandler(handlerCfg)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("creating gateway handler: %w", err)
	}
	mux.Handle(basePath+"/", gatewayHandler)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if opts.OnReady != nil {
		opts.OnReady(result)
	}

	err = server.Serve(listener)
	if err == http.ErrServerClosed {
		return result, nil
	}
	return result, err
}

// ngrokListener opens an ngrok tunnel listener.
func ngrokListener(ctx context.Context, opts *NgrokOptions) (net.Listener, error) {
	authtoken := opts.Authtoken
	if authtoken == "" {
		authtoken = os.Getenv("NGROK_AUTHTOKEN")
	}
	if authtoken == "" {
		return nil, fmt.Errorf("ngrok authtoken is required: set Authtoken or NGROK_AUTHTOKEN environment variable")
	}

	endpoint := ngrokconfig.HTTPEndpoint()
	if opts.Domain != "" {
		endpoint = ngrokconfig.HTTPEndpoint(ngrokconfig.WithDomain(opts.Domain))
	}

	return ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(authtoken))
}
