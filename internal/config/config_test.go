package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadFresh(t *testing.T, path string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	return Load(path)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFresh(t, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Type != "none" {
		t.Errorf("Storage.Type = %q, want none", cfg.Storage.Type)
	}
	if cfg.Render.MaxConcurrentFetches != 4 || cfg.Render.MaxConcurrentThemes != 3 {
		t.Errorf("Render = %+v, want 4 fetches and 3 themes", cfg.Render)
	}
	if cfg.Render.Deadline != 2*time.Minute {
		t.Errorf("Render.Deadline = %v", cfg.Render.Deadline)
	}
	if !cfg.Themes.Defaults || cfg.Themes.Debounce != 500*time.Millisecond {
		t.Errorf("Themes = %+v", cfg.Themes)
	}
	if cfg.Tokens.Store != "memory" || cfg.Tokens.RefreshThreshold != 5*time.Minute || cfg.Tokens.RefreshTimeout != 30*time.Second {
		t.Errorf("Tokens = %+v", cfg.Tokens)
	}
	if cfg.GIS.BlankStride != 10 {
		t.Errorf("GIS.BlankStride = %d, want 10", cfg.GIS.BlankStride)
	}
	if cfg.Metrics.Port != 9090 || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parcelmaps.yaml")
	data := `
server:
  port: 9000
  cors:
    allowed_origins: ["https://planner.example.com", "*.example.org"]
storage:
  type: local
  local_path: /var/lib/parcelmaps
render:
  deadline: 90s
  max_concurrent_fetches: 6
tokens:
  issuer_url: https://portal.example.com/sharing/rest/generateToken
  refresh_threshold: 2m
  store: valkey
  valkey:
    addr: valkey:6379
  services:
    spatial:
      username: svc
      password: secret
      expiration: 1h
  static:
    planning: abc123
layer_tree:
  static:
    - id: 42
      title: Flood extent
      url: https://maps.example.com/arcgis/rest/services/Flood/MapServer?token=t0k
themes:
  dir: /etc/parcelmaps/themes
  defaults: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadFresh(t, path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 || len(cfg.Server.CORS.AllowedOrigins) != 2 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.Type != "local" || cfg.Storage.LocalPath != "/var/lib/parcelmaps" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Render.Deadline != 90*time.Second || cfg.Render.MaxConcurrentFetches != 6 {
		t.Errorf("Render = %+v", cfg.Render)
	}
	if cfg.Render.MaxConcurrentThemes != 3 {
		t.Errorf("Render.MaxConcurrentThemes = %d, want default 3", cfg.Render.MaxConcurrentThemes)
	}
	if cfg.Tokens.Store != "valkey" || cfg.Tokens.Valkey.Addr != "valkey:6379" {
		t.Errorf("Tokens = %+v", cfg.Tokens)
	}
	svc, ok := cfg.Tokens.Services["spatial"]
	if !ok || svc.Username != "svc" || svc.Expiration != time.Hour {
		t.Errorf("Tokens.Services[spatial] = %+v", svc)
	}
	if cfg.Tokens.Static["planning"] != "abc123" {
		t.Errorf("Tokens.Static = %v", cfg.Tokens.Static)
	}
	if len(cfg.LayerTree.Static) != 1 || cfg.LayerTree.Static[0].ID != 42 {
		t.Errorf("LayerTree.Static = %+v", cfg.LayerTree.Static)
	}
	if cfg.Themes.Defaults || cfg.Themes.Dir != "/etc/parcelmaps/themes" {
		t.Errorf("Themes = %+v", cfg.Themes)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := loadFresh(t, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{Type: "none"},
		Render:  RenderConfig{MaxConcurrentFetches: 4, MaxConcurrentThemes: 3},
		Tokens:  TokensConfig{Store: "memory"},
		Themes:  ThemesConfig{Defaults: true},
		History: HistoryConfig{Enabled: true, Path: "history.db"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server port"},
		{name: "tls without domains", mutate: func(c *Config) { c.TLS.Enabled = true; c.TLS.Email = "ops@example.com" }, wantErr: "no domains"},
		{name: "tls without email", mutate: func(c *Config) { c.TLS.Enabled = true; c.TLS.Domains = []string{"maps.example.com"} }, wantErr: "no email"},
		{name: "metrics port collision", mutate: func(c *Config) { c.Metrics.Port = 8080 }, wantErr: "collides"},
		{name: "metrics disabled ignores port", mutate: func(c *Config) { c.Metrics.Enabled = false; c.Metrics.Port = 8080 }},
		{name: "zero fetches", mutate: func(c *Config) { c.Render.MaxConcurrentFetches = 0 }, wantErr: "max_concurrent_fetches"},
		{name: "zero themes", mutate: func(c *Config) { c.Render.MaxConcurrentThemes = 0 }, wantErr: "max_concurrent_themes"},
		{name: "unknown token store", mutate: func(c *Config) { c.Tokens.Store = "redis" }, wantErr: "unknown token store"},
		{name: "valkey without addr", mutate: func(c *Config) { c.Tokens.Store = "valkey" }, wantErr: "tokens.valkey.addr"},
		{
			name: "services without issuer",
			mutate: func(c *Config) {
				c.Tokens.Services = map[string]CredentialsConfig{"spatial": {Username: "u"}}
			},
			wantErr: "issuer_url",
		},
		{name: "no themes", mutate: func(c *Config) { c.Themes.Defaults = false }, wantErr: "themes.dir"},
		{name: "history without path", mutate: func(c *Config) { c.History.Path = "" }, wantErr: "history path"},
		{name: "events without url", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: "events URL"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "ftp" }, wantErr: "unknown storage type"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Type = "s3"; c.Storage.S3.Region = "ap-southeast-2" }, wantErr: "bucket"},
		{name: "azure without account", mutate: func(c *Config) { c.Storage.Type = "azure"; c.Storage.Azure.Container = "renders" }, wantErr: "account name"},
		{name: "http without url", mutate: func(c *Config) { c.Storage.Type = "http" }, wantErr: "base URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAzureDNSEnabled(t *testing.T) {
	c := AzureDNSConfig{SubscriptionID: "sub"}
	if c.Enabled() {
		t.Error("resource group missing, should be disabled")
	}
	c.ResourceGroupName = "dns"
	if !c.Enabled() {
		t.Error("should be enabled")
	}
}
