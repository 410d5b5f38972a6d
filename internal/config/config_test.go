package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Proxy.Host != "127.0.0.1" {
		t.Errorf("default proxy host: expected 127.0.0.1, got %q", cfg.Proxy.Host)
	}
	if cfg.Proxy.Port != 8080 {
		t.Errorf("default proxy port: expected 8080, got %d", cfg.Proxy.Port)
	}
	if cfg.Admin.Host != "127.0.0.1" {
		t.Errorf("default admin host: expected 127.0.0.1, got %q", cfg.Admin.Host)
	}
	if cfg.Admin.Port != 8081 {
		t.Errorf("default admin port: expected 8081, got %d", cfg.Admin.Port)
	}
	if cfg.DataDir == "" {
		t.Error("default data_dir: expected non-empty")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("default cors_origins: expected [http://localhost:3000], got %v", cfg.CORSOrigins)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("default upstream timeout: expected 30, got %d", cfg.Upstream.TimeoutSeconds)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
proxy:
  host: "0.0.0.0"
  port: 9090
admin:
  host: "0.0.0.0"
  port: 9091
data_dir: "/var/lib/promptfirewall"
cors_origins:
  - "https://dashboard.example.com"
upstream:
  timeout_seconds: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Proxy.Host != "0.0.0.0" {
		t.Errorf("proxy host: expected 0.0.0.0, got %q", cfg.Proxy.Host)
	}
	if cfg.Proxy.Port != 9090 {
		t.Errorf("proxy port: expected 9090, got %d", cfg.Proxy.Port)
	}
	if cfg.Admin.Port != 9091 {
		t.Errorf("admin port: expected 9091, got %d", cfg.Admin.Port)
	}
	if cfg.DataDir != "/var/lib/promptfirewall" {
		t.Errorf("data_dir: expected /var/lib/promptfirewall, got %q", cfg.DataDir)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://dashboard.example.com" {
		t.Errorf("cors_origins: got %v", cfg.CORSOrigins)
	}
	if cfg.Upstream.TimeoutSeconds != 10 {
		t.Errorf("upstream timeout: expected 10, got %d", cfg.Upstream.TimeoutSeconds)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
proxy:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Proxy.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Proxy.Port)
	}
	// Host should retain default since it wasn't present in the YAML.
	if cfg.Proxy.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Proxy.Host)
	}
	if cfg.Admin.Port != 8081 {
		t.Errorf("admin port should be default 8081, got %d", cfg.Admin.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name: "empty proxy host",
			cfg: Config{
				Proxy:   ListenConfig{Host: "", Port: 8080},
				Admin:   ListenConfig{Host: "127.0.0.1", Port: 8081},
				DataDir: "/tmp/pf",
			},
			wantErr: true,
		},
		{
			name: "proxy port 0",
			cfg: Config{
				Proxy:   ListenConfig{Host: "127.0.0.1", Port: 0},
				Admin:   ListenConfig{Host: "127.0.0.1", Port: 8081},
				DataDir: "/tmp/pf",
			},
			wantErr: true,
		},
		{
			name: "admin port out of range",
			cfg: Config{
				Proxy:   ListenConfig{Host: "127.0.0.1", Port: 8080},
				Admin:   ListenConfig{Host: "127.0.0.1", Port: 70000},
				DataDir: "/tmp/pf",
			},
			wantErr: true,
		},
		{
			name: "empty data_dir",
			cfg: Config{
				Proxy:   ListenConfig{Host: "127.0.0.1", Port: 8080},
				Admin:   ListenConfig{Host: "127.0.0.1", Port: 8081},
				DataDir: "",
			},
			wantErr: true,
		},
		{
			name: "negative upstream timeout",
			cfg: Config{
				Proxy:    ListenConfig{Host: "127.0.0.1", Port: 8080},
				Admin:    ListenConfig{Host: "127.0.0.1", Port: 8081},
				DataDir:  "/tmp/pf",
				Upstream: UpstreamConfig{TimeoutSeconds: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Proxy.Port != 8080 {
		t.Errorf("roundtrip proxy port: expected 8080, got %d", cfg.Proxy.Port)
	}
	if cfg.Admin.Port != 8081 {
		t.Errorf("roundtrip admin port: expected 8081, got %d", cfg.Admin.Port)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{DataDir: "/data/promptfirewall"}

	if got, want := cfg.PolicyPath(), filepath.Join("/data/promptfirewall", "policy.json"); got != want {
		t.Errorf("PolicyPath: expected %q, got %q", want, got)
	}
	if got, want := cfg.AccessPath(), filepath.Join("/data/promptfirewall", "access.json"); got != want {
		t.Errorf("AccessPath: expected %q, got %q", want, got)
	}
	if got, want := cfg.BudgetPath(), filepath.Join("/data/promptfirewall", "budget.db"); got != want {
		t.Errorf("BudgetPath: expected %q, got %q", want, got)
	}
	if got, want := cfg.LegacyBudgetPath(), filepath.Join("/data/promptfirewall", "budget.json"); got != want {
		t.Errorf("LegacyBudgetPath: expected %q, got %q", want, got)
	}
	if got, want := cfg.PIDPath(), filepath.Join("/data/promptfirewall", "promptfirewall.pid"); got != want {
		t.Errorf("PIDPath: expected %q, got %q", want, got)
	}
}

func TestResolveAPIKey_EnvOverride(t *testing.T) {
	t.Setenv("PF_API_KEY", "my-fixed-key")

	key, err := ResolveAPIKey()
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if key != "my-fixed-key" {
		t.Errorf("expected env key, got %q", key)
	}
}

func TestResolveAPIKey_Generated(t *testing.T) {
	t.Setenv("PF_API_KEY", "")

	key, err := ResolveAPIKey()
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if len(key) < 32 {
		t.Errorf("generated key looks too short: %q", key)
	}

	key2, err := ResolveAPIKey()
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if key == key2 {
		t.Error("expected two generated keys to differ")
	}
}

func TestResolveCORSOrigins(t *testing.T) {
	cfg := &Config{CORSOrigins: []string{"http://localhost:3000"}}

	t.Setenv("PF_CORS_ORIGINS", "")
	if got := ResolveCORSOrigins(cfg); len(got) != 1 || got[0] != "http://localhost:3000" {
		t.Errorf("expected config default, got %v", got)
	}

	t.Setenv("PF_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	got := ResolveCORSOrigins(cfg)
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("origin %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
