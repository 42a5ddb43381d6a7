// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the process configuration for the
// sourcekit server binary.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Database DatabaseConfig `mapstructure:"database"`
	Sessions SessionConfig  `mapstructure:"sessions"`
	Ngrok    NgrokConfig    `mapstructure:"ngrok"`
	Debug    bool           `mapstructure:"debug"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"      validate:"required"`
	BasePath string `mapstructure:"base_path"`
}

type OAuthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ConsentURL    string        `mapstructure:"consent_url"   validate:"omitempty,url"`
	AllowedScopes []string      `mapstructure:"allowed_scopes"`
	RequiredScope string        `mapstructure:"required_scope"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	CodeExpiry    time.Duration `mapstructure:"code_expiry"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	RedirectURIs  []string      `mapstructure:"redirect_uris" validate:"omitempty,dive,uri"`
}

type DatabaseConfig struct {
	// URL is a pgx connection string. Empty keeps everything in memory.
	URL string `mapstructure:"url"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"   validate:"omitempty,gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"omitempty,gt=0"`
}

type NgrokConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Authtoken string `mapstructure:"authtoken"`
	Domain    string `mapstructure:"domain"`
}

// Load reads configuration from the given file (or ./sourcekit.yaml when
// empty), with SOURCEKIT_-prefixed environment variables overriding file
// values.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("sourcekit")
		vip.AddConfigPath(".")
		vip.AddConfigPath("./configs")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix("SOURCEKIT")
	vip.AutomaticEnv()
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	vip.SetDefault("server.addr", ":8080")
	vip.SetDefault("server.base_path", "/sources")
	vip.SetDefault("oauth.enabled", true)
	vip.SetDefault("sessions.idle_timeout", "30m")
	vip.SetDefault("sessions.sweep_interval", "1m")

	if err := vip.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
