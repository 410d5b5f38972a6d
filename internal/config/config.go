// Package config handles loading, validating, and writing the
// promptfirewall process configuration from
// ~/.promptfirewall/config.yaml, plus resolving the environment
// overrides named in SPEC_FULL.md Sec 6 (`PF_API_KEY`,
// `PF_CORS_ORIGINS`). Adapted from the teacher's
// internal/config/config.go: the YAML shape, default-on-missing-file,
// and atomic-write-default behavior survive; the provider/streaming
// sections (which had no analog in this domain) are replaced with the
// proxy/admin listener addresses and the data directory holding the
// policy/access JSON files and the budget database.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level promptfirewall configuration.
type Config struct {
	Proxy       ListenConfig   `yaml:"proxy"`
	Admin       ListenConfig   `yaml:"admin"`
	DataDir     string         `yaml:"data_dir"`
	CORSOrigins []string       `yaml:"cors_origins"`
	Upstream    UpstreamConfig `yaml:"upstream"`
}

// ListenConfig is a bind address for one of the two HTTP surfaces.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr formats the listen address for net/http.Server.Addr.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// UpstreamConfig tunes the HTTP client used to forward proxied
// requests.
type UpstreamConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads and parses config.yaml from path. A missing file is not
// an error — it returns defaults, matching the teacher's first-run
// behavior.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a fully-populated default config.yaml with a
// comment header, for first-run setup and `promptfirewall config
// generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# promptfirewall configuration
#
# proxy:    bind address for the inspecting HTTP proxy front-end
# admin:    bind address for the admin REST + dashboard surface
# data_dir: directory holding policy.json, access.json, and budget.db
# cors_origins: allowed browser origins for the admin surface;
#               overridden at runtime by PF_CORS_ORIGINS
#
# The admin API key is never stored here: set PF_API_KEY, or let the
# process generate one at startup and print it once in the banner.

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Proxy:       ListenConfig{Host: "127.0.0.1", Port: 8080},
		Admin:       ListenConfig{Host: "127.0.0.1", Port: 8081},
		DataDir:     defaultDataDir(),
		CORSOrigins: []string{"http://localhost:3000"},
		Upstream:    UpstreamConfig{TimeoutSeconds: 30},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptfirewall"
	}
	return filepath.Join(home, ".promptfirewall")
}

func validate(cfg *Config) error {
	if cfg.Proxy.Host == "" {
		return fmt.Errorf("proxy.host must not be empty")
	}
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range (1-65535)", cfg.Proxy.Port)
	}
	if cfg.Admin.Host == "" {
		return fmt.Errorf("admin.host must not be empty")
	}
	if cfg.Admin.Port < 1 || cfg.Admin.Port > 65535 {
		return fmt.Errorf("admin.port %d out of range (1-65535)", cfg.Admin.Port)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if cfg.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative")
	}
	return nil
}

// PolicyPath, AccessPath, BudgetPath, and LegacyBudgetPath locate the
// persisted stores under cfg.DataDir.
func (c *Config) PolicyPath() string       { return filepath.Join(c.DataDir, "policy.json") }
func (c *Config) AccessPath() string       { return filepath.Join(c.DataDir, "access.json") }
func (c *Config) BudgetPath() string       { return filepath.Join(c.DataDir, "budget.db") }
func (c *Config) LegacyBudgetPath() string { return filepath.Join(c.DataDir, "budget.json") }
func (c *Config) PIDPath() string          { return filepath.Join(c.DataDir, "promptfirewall.pid") }

// ResolveAPIKey returns the PF_API_KEY environment value if set,
// otherwise generates a fresh random key the same way
// original_source/proxy/server.py does (secrets.token_urlsafe(32)):
// 32 random bytes, URL-safe base64 with no padding.
func ResolveAPIKey() (string, error) {
	if key := os.Getenv("PF_API_KEY"); key != "" {
		return key, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ResolveCORSOrigins returns PF_CORS_ORIGINS (comma-separated) when
// set, else cfg.CORSOrigins.
func ResolveCORSOrigins(cfg *Config) []string {
	raw := os.Getenv("PF_CORS_ORIGINS")
	if raw == "" {
		return cfg.CORSOrigins
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
