// Package app wires configuration, storage, and services into a runnable
// identity server.
package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries the environment-level server settings. WebAuthn relying
// party defaults are loaded separately by the passkey package.
type Config struct {
	Addr            string        `env:"HEIMDALL_ADDR"              envDefault:":8080"`
	DBPath          string        `env:"HEIMDALL_DB_PATH"           envDefault:"heimdall.db"`
	JWTSecret       string        `env:"HEIMDALL_JWT_SECRET"`
	AccessTokenTTL  time.Duration `env:"HEIMDALL_ACCESS_TOKEN_TTL"  envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"HEIMDALL_REFRESH_TOKEN_TTL" envDefault:"336h"`
	CleanupInterval time.Duration `env:"HEIMDALL_CLEANUP_INTERVAL"  envDefault:"5m"`

	// BootstrapProject names a tenant to create on first start when the
	// store holds none, so the service is usable standalone. The minted API
	// key is logged once.
	BootstrapProject string `env:"HEIMDALL_BOOTSTRAP_PROJECT"`
}

// LoadConfigFromEnv parses server configuration from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("HEIMDALL_JWT_SECRET is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}
