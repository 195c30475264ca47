// Package config loads gwcli settings from the environment, an optional
// .env file, and the YAML config file in the config directory.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/gwcli/internal/fsutil"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/models"
)

const (
	appDirName     = "gwcli"
	configFileName = "config.yaml"
	keyringDirName = "keyring"
)

// Config holds all environment-based configuration for gwcli.
type Config struct {
	// Directory holding config.yaml, client credentials and the keyring.
	// Defaults to <os.UserConfigDir>/gwcli.
	ConfigDir string `env:"GWCLI_CONFIG_DIR"`

	// Keyring backend used when config.yaml does not name one.
	KeyringBackend string `env:"GWCLI_KEYRING_BACKEND"`

	// Identity selection. Command-line flags take precedence.
	Account        string `env:"GWCLI_ACCOUNT"`
	Client         string `env:"GWCLI_CLIENT"`
	ServiceAccount string `env:"GWCLI_SERVICE_ACCOUNT"`
	Impersonate    string `env:"GWCLI_IMPERSONATE"`

	// Environment controls log format
	Environment string `env:"GWCLI_ENV" envDefault:"development"`
	LogLevel    string `env:"GWCLI_LOG_LEVEL"`

	// How long the loopback login waits for the browser callback.
	AuthTimeout time.Duration `env:"GWCLI_AUTH_TIMEOUT" envDefault:"2m"`
}

var logLevels = []string{"debug", "info", "warn", "warning", "error"}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	warnInsecureFile(".env")
}

func warnInsecureFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return // file does not exist, nothing to check
	}

	if fsutil.InsecurePerm(info.Mode()) {
		log.Printf("WARNING: %s has insecure permissions %04o; recommended 0600", path, info.Mode().Perm())
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

	if cfg.ConfigDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("determining config directory: %w", err)
		}

		cfg.ConfigDir = filepath.Join(base, appDirName)
	}

	absDir, err := filepath.Abs(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir to absolute path: %w", err)
	}

	cfg.ConfigDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("GWCLI_AUTH_TIMEOUT must be positive, got %s", c.AuthTimeout)
	}

	if b := strings.ToLower(strings.TrimSpace(c.KeyringBackend)); b != "" && b != keyring.BackendAuto && !slices.Contains(keyring.Backends, b) {
		return fmt.Errorf("GWCLI_KEYRING_BACKEND %q is not one of %s", c.KeyringBackend, strings.Join(keyring.Backends, ", "))
	}

	if l := strings.ToLower(c.LogLevel); l != "" && !slices.Contains(logLevels, l) {
		return fmt.Errorf("GWCLI_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// FilePath is the location of config.yaml.
func (c *Config) FilePath() string {
	return filepath.Join(c.ConfigDir, configFileName)
}

// KeyringDir is where the file and bolt keyring backends keep their data.
func (c *Config) KeyringDir() string {
	return filepath.Join(c.ConfigDir, keyringDirName)
}

// CredentialsPath returns the client credentials file for a normalized
// client name: credentials.json for the default client and
// credentials-<client>.json otherwise.
func (c *Config) CredentialsPath(client string) string {
	return CredentialsPath(c.ConfigDir, client)
}

// CredentialsPath is the directory-relative form of Config.CredentialsPath.
func CredentialsPath(dir, client string) string {
	if client == "" || client == models.DefaultClient {
		return filepath.Join(dir, "credentials.json")
	}

	return filepath.Join(dir, "credentials-"+client+".json")
}

// BackendSource reports where the effective keyring backend came from.
type BackendSource string

const (
	BackendFromConfig  BackendSource = "config"
	BackendFromEnv     BackendSource = "env"
	BackendFromDefault BackendSource = "default"
)

// ResolveKeyringBackend picks the backend name: config file, then
// environment, then the encrypted file backend.
func (c *Config) ResolveKeyringBackend(f *File) (string, BackendSource) {
	if f != nil {
		if b := strings.ToLower(strings.TrimSpace(f.KeyringBackend)); b != "" {
			return b, BackendFromConfig
		}
	}

	if b := strings.ToLower(strings.TrimSpace(c.KeyringBackend)); b != "" {
		return b, BackendFromEnv
	}

	return keyring.BackendFile, BackendFromDefault
}
