// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command sourcekit runs the knowledge-source gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentplexus/sourcekit"
	"github.com/agentplexus/sourcekit/gateway"
	"github.com/agentplexus/sourcekit/internal/config"
	"github.com/agentplexus/sourcekit/oauth2"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &sourcekit.Options{
		Addr:                 cfg.Server.Addr,
		BasePath:             cfg.Server.BasePath,
		SessionIdleTimeout:   cfg.Sessions.IdleTimeout,
		SessionSweepInterval: cfg.Sessions.SweepInterval,
		Logger:               logger,
		OnReady: func(result *sourcekit.Result) {
			logger.Info("gateway ready",
				"local_url", result.LocalURL, "public_url", result.PublicURL)
			if result.OAuth != nil {
				logger.Info("authorization server ready",
					"token_endpoint", result.OAuth.TokenEndpoint,
					"registration_endpoint", result.OAuth.RegistrationEndpoint)
			}
		},
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}

		identities, err := gateway.NewPostgresIdentityStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("preparing identity store: %w", err)
		}
		opts.IdentityStore = identities

		if cfg.OAuth.Enabled {
			storage, err := oauth2.NewPostgresStorage(ctx, pool)
			if err != nil {
				return fmt.Errorf("preparing oauth storage: %w", err)
			}
			opts.OAuth = oauthOptions(cfg, storage)
		}
	} else if cfg.OAuth.Enabled {
		opts.OAuth = oauthOptions(cfg, nil)
	}

	if cfg.Ngrok.Enabled {
		opts.Ngrok = &sourcekit.NgrokOptions{
			Authtoken: cfg.Ngrok.Authtoken,
			Domain:    cfg.Ngrok.Domain,
		}
	}

	_, err = sourcekit.Serve(ctx, opts)
	return err
}

func oauthOptions(cfg *config.Config, storage oauth2.Storage) *sourcekit.OAuthOptions {
	return &sourcekit.OAuthOptions{
		Storage:                 storage,
		ConsentURL:              cfg.OAuth.ConsentURL,
		ClientID:                cfg.OAuth.ClientID,
		ClientSecret:            cfg.OAuth.ClientSecret,
		RedirectURIs:            cfg.OAuth.RedirectURIs,
		AllowedScopes:           cfg.OAuth.AllowedScopes,
		RequiredScope:           cfg.OAuth.RequiredScope,
		AccessTokenExpiry:       cfg.OAuth.TokenExpiry,
		AuthorizationCodeExpiry: cfg.OAuth.CodeExpiry,
		Debug:                   cfg.Debug,
	}
}
