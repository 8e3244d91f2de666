// Package config loads service configuration from a YAML file with
// environment variable overrides. Environment always wins, which keeps
// container deployments free of file edits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"

	"memvault.org/internal/identity"
	"memvault.org/internal/keyserver"
)

// Deployment modes. The mode is fixed at startup; there is no
// per-request override.
const (
	ModePermissioned = "permissioned"
	ModeOpen         = "open"
)

// KeyServer describes one committee member.
type KeyServer struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"public_key"`
}

// Config is the full service configuration.
type Config struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"http_addr"`
	Mode     string `yaml:"mode"`
	Contract string `yaml:"contract"`

	SessionTTL     time.Duration `yaml:"session_ttl"`
	DecryptTimeout time.Duration `yaml:"decrypt_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Escrow         bool          `yaml:"escrow"`
	RateLimit      float64       `yaml:"rate_limit"`

	Threshold  int         `yaml:"threshold"`
	KeyServers []KeyServer `yaml:"key_servers"`

	LedgerURL string `yaml:"ledger_url"`

	BlobBackend string `yaml:"blob_backend"`
	BlobDir     string `yaml:"blob_dir"`
	BlobURL     string `yaml:"blob_url"`

	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Env:            "development",
		HTTPAddr:       ":8080",
		Mode:           ModePermissioned,
		SessionTTL:     30 * time.Minute,
		DecryptTimeout: 30 * time.Second,
		SweepInterval:  time.Minute,
		RateLimit:      50,
		BlobBackend:    "badger",
		BlobDir:        "data/blob",
	}
}

// Load reads path (if non-empty), applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("MEMVAULT_ENV", &cfg.Env)
	setString("MEMVAULT_HTTP_ADDR", &cfg.HTTPAddr)
	setString("MEMVAULT_MODE", &cfg.Mode)
	setString("MEMVAULT_CONTRACT", &cfg.Contract)
	setString("MEMVAULT_LEDGER_URL", &cfg.LedgerURL)
	setString("MEMVAULT_BLOB_BACKEND", &cfg.BlobBackend)
	setString("MEMVAULT_BLOB_DIR", &cfg.BlobDir)
	setString("MEMVAULT_BLOB_URL", &cfg.BlobURL)
	setString("MEMVAULT_POSTGRES_DSN", &cfg.PostgresDSN)

	if v := os.Getenv("MEMVAULT_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}
	if v := os.Getenv("MEMVAULT_DECRYPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DecryptTimeout = d
		}
	}
	if v := os.Getenv("MEMVAULT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Threshold = n
		}
	}
	if v := os.Getenv("MEMVAULT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit = f
		}
	}
	if v := os.Getenv("MEMVAULT_ESCROW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Escrow = b
		}
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.Mode != ModePermissioned && c.Mode != ModeOpen {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Contract != "" {
		if _, err := identity.DecodeAddress(c.Contract); err != nil {
			return fmt.Errorf("config: contract: %w", err)
		}
	}
	if c.Threshold < 0 {
		return fmt.Errorf("config: negative threshold")
	}
	if len(c.KeyServers) > 0 {
		if c.Threshold < 1 || c.Threshold > len(c.KeyServers) {
			return fmt.Errorf("config: threshold %d out of range for %d key servers", c.Threshold, len(c.KeyServers))
		}
		seen := make(map[string]bool, len(c.KeyServers))
		for _, ks := range c.KeyServers {
			if ks.Name == "" {
				return fmt.Errorf("config: key server with empty name")
			}
			if seen[ks.Name] {
				return fmt.Errorf("config: duplicate key server %q", ks.Name)
			}
			seen[ks.Name] = true
			if _, err := keyserver.ParsePublicKey(ks.PublicKey); err != nil {
				return fmt.Errorf("config: key server %s: %w", ks.Name, err)
			}
		}
	}
	switch c.BlobBackend {
	case "badger", "http", "none", "":
	default:
		return fmt.Errorf("config: unknown blob backend %q", c.BlobBackend)
	}
	if c.BlobBackend == "http" && c.BlobURL == "" {
		return fmt.Errorf("config: blob backend http requires blob_url")
	}
	return nil
}

// Open reports whether the deployment runs open approvals.
func (c Config) Open() bool { return c.Mode == ModeOpen }
