// Package config loads environment-based configuration for credproxy.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for credproxy.
type Config struct {
	// HTTP server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// ServerURL is the external base URL advertised in discovery metadata
	// and used to build registration_client_uri values. Required.
	ServerURL string `env:"SERVER_URL"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Upstream provider settings. The client id/secret pair is the
	// operator's real registration with the provider; it is never exposed
	// to external callers.
	UpstreamClientID     string        `env:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret string        `env:"UPSTREAM_CLIENT_SECRET"`
	UpstreamAuthURL      string        `env:"UPSTREAM_AUTH_URL"`
	UpstreamTokenURL     string        `env:"UPSTREAM_TOKEN_URL"`
	UpstreamTimeout      time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Session security settings. SessionSecret is hex-encoded; when empty
	// a random secret is generated at startup, which invalidates all
	// outstanding session tokens on restart.
	SessionSecret  string        `env:"SESSION_SECRET"`
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"1h"`

	// Credential storage settings.
	CredentialsDir        string `env:"CREDENTIALS_DIR"`
	CredentialStorageMode string `env:"CREDENTIAL_STORAGE_MODE" envDefault:"encrypted_file"`
	CredentialsPassphrase string `env:"CREDENTIALS_PASSPHRASE"`

	// Scope bundle settings.
	ScopeBundlesFile  string `env:"SCOPE_BUNDLES_FILE"`
	DefaultScopeGroup string `env:"DEFAULT_SCOPE_GROUP" envDefault:""`

	// AuditLogPath, when set, appends audit events as JSON lines to this
	// file in addition to the structured log.
	AuditLogPath string `env:"AUDIT_LOG_PATH"`
}

// storageModes lists the accepted CREDENTIAL_STORAGE_MODE values.
var storageModes = map[string]bool{
	"plaintext_file":     true,
	"encrypted_file":     true,
	"memory_only":        true,
	"memory_with_backup": true,
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CredentialsDir == "" {
		dir, err := DefaultCredentialsDir()
		if err != nil {
			return nil, err
		}

		cfg.CredentialsDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve CredentialsDir to an absolute path at startup so file-name
	// derivation and the directory watcher agree on paths regardless of
	// the working directory.
	absDir, err := filepath.Abs(cfg.CredentialsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials dir to absolute path: %w", err)
	}

	cfg.CredentialsDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if c.UpstreamClientID == "" {
		return fmt.Errorf("UPSTREAM_CLIENT_ID is required")
	}

	if c.UpstreamClientSecret == "" {
		return fmt.Errorf("UPSTREAM_CLIENT_SECRET is required")
	}

	if c.UpstreamTokenURL == "" {
		return fmt.Errorf("UPSTREAM_TOKEN_URL is required")
	}

	if !storageModes[c.CredentialStorageMode] {
		return fmt.Errorf("invalid CREDENTIAL_STORAGE_MODE %q", c.CredentialStorageMode)
	}

	if c.SessionSecret != "" {
		if _, err := hex.DecodeString(c.SessionSecret); err != nil {
			return fmt.Errorf("SESSION_SECRET must be hex-encoded: %w", err)
		}
	}

	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive")
	}

	return nil
}

// SessionSecretBytes decodes SESSION_SECRET, or returns nil when unset.
func (c *Config) SessionSecretBytes() []byte {
	if c.SessionSecret == "" {
		return nil
	}

	b, err := hex.DecodeString(c.SessionSecret)
	if err != nil {
		// validate() already rejected malformed values.
		return nil
	}

	return b
}

// DefaultCredentialsDir returns the default credential storage directory:
// ~/.credproxy/credentials/
func DefaultCredentialsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".credproxy", "credentials"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
