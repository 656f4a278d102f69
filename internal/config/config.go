// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	GIS       GISConfig       `mapstructure:"gis"`
	Render    RenderConfig    `mapstructure:"render"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	LayerTree LayerTreeConfig `mapstructure:"layer_tree"`
	Themes    ThemesConfig    `mapstructure:"themes"`
	History   HistoryConfig   `mapstructure:"history"`
	Events    EventsConfig    `mapstructure:"events"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// StorageConfig selects where rendered images are written. An empty type
// disables persistence.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local, none
	LocalPath string      `mapstructure:"local_path"`
	KeyPrefix string      `mapstructure:"key_prefix"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP upload configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// GISConfig holds settings for remote map services.
type GISConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	Referer     string        `mapstructure:"referer"`
	BlankStride int           `mapstructure:"blank_stride"`
	MaxBodySize int64         `mapstructure:"max_body_size"`
	Proxy       ProxyConfig   `mapstructure:"proxy"`
}

// ProxyConfig configures the relay for services that block direct access.
type ProxyConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RenderConfig holds render pipeline limits.
type RenderConfig struct {
	Deadline             time.Duration `mapstructure:"deadline"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	MaxConcurrentThemes  int           `mapstructure:"max_concurrent_themes"`
}

// TokensConfig holds token issuance settings.
type TokensConfig struct {
	IssuerURL        string                       `mapstructure:"issuer_url"`
	RefreshThreshold time.Duration                `mapstructure:"refresh_threshold"`
	RefreshTimeout   time.Duration                `mapstructure:"refresh_timeout"`
	ClearPerSession  bool                         `mapstructure:"clear_per_session"`
	Store            string                       `mapstructure:"store"` // memory, valkey
	Valkey           ValkeyConfig                 `mapstructure:"valkey"`
	Services         map[string]CredentialsConfig `mapstructure:"services"`
	Static           map[string]string            `mapstructure:"static"`
}

// ValkeyConfig holds the shared token cache connection.
type ValkeyConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CredentialsConfig holds the login of one token-protected service.
type CredentialsConfig struct {
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Referer    string        `mapstructure:"referer"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// LayerTreeConfig configures the host platform's layer tree lookup. Without
// a URL the static entries are used.
type LayerTreeConfig struct {
	URL    string             `mapstructure:"url"`
	APIKey string             `mapstructure:"api_key"`
	TTL    time.Duration      `mapstructure:"ttl"`
	Static []LayerEntryConfig `mapstructure:"static"`
}

// LayerEntryConfig is one static layer tree entry. The URL carries the
// service token as a query parameter.
type LayerEntryConfig struct {
	ID    int    `mapstructure:"id"`
	Title string `mapstructure:"title"`
	URL   string `mapstructure:"url"`
}

// ThemesConfig controls where theme definitions come from.
type ThemesConfig struct {
	Dir            string        `mapstructure:"dir"`
	Defaults       bool          `mapstructure:"defaults"`
	Watch          bool          `mapstructure:"watch"`
	Debounce       time.Duration `mapstructure:"debounce"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// HistoryConfig holds render history settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EventsConfig holds render event publishing settings.
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Domains  []string       `mapstructure:"domains"`
	Email    string         `mapstructure:"email"`
	CacheDir string         `mapstructure:"cache_dir"`
	Staging  bool           `mapstructure:"staging"` // Use Let's Encrypt staging
	AzureDNS AzureDNSConfig `mapstructure:"azure_dns"`
}

// AzureDNSConfig enables the DNS-01 challenge through Azure DNS.
type AzureDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group"`
	ClientID          string `mapstructure:"client_id"` // managed identity; empty selects the system identity
}

// Enabled reports whether Azure DNS credentials are configured.
func (c *AzureDNSConfig) Enabled() bool {
	return c.SubscriptionID != "" && c.ResourceGroupName != ""
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 3*time.Minute)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.max_body_bytes", 10<<20)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Storage defaults
	viper.SetDefault("storage.type", "none")
	viper.SetDefault("storage.local_path", "./data/renders")
	viper.SetDefault("storage.key_prefix", "renders")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", time.Minute)

	// GIS defaults
	viper.SetDefault("gis.timeout", 45*time.Second)
	viper.SetDefault("gis.user_agent", "parcelmaps/1.0")
	viper.SetDefault("gis.blank_stride", 10)
	viper.SetDefault("gis.max_body_size", 64<<20)
	viper.SetDefault("gis.proxy.timeout", time.Minute)

	// Render defaults
	viper.SetDefault("render.deadline", 2*time.Minute)
	viper.SetDefault("render.max_concurrent_fetches", 4)
	viper.SetDefault("render.max_concurrent_themes", 3)

	// Token defaults
	viper.SetDefault("tokens.refresh_threshold", 5*time.Minute)
	viper.SetDefault("tokens.refresh_timeout", 30*time.Second)
	viper.SetDefault("tokens.store", "memory")
	viper.SetDefault("tokens.valkey.addr", "localhost:6379")
	viper.SetDefault("tokens.valkey.prefix", "parcelmaps:token:")

	// Layer tree defaults
	viper.SetDefault("layer_tree.ttl", 10*time.Minute)

	// Theme defaults
	viper.SetDefault("themes.defaults", true)
	viper.SetDefault("themes.watch", true)
	viper.SetDefault("themes.debounce", 500*time.Millisecond)
	viper.SetDefault("themes.reload_interval", time.Duration(0))

	// History defaults
	viper.SetDefault("history.enabled", true)
	viper.SetDefault("history.path", "./data/history.db")

	// Event defaults
	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.url", "nats://localhost:4222")
	viper.SetDefault("events.subject_prefix", "parcelmaps.render")

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	viper.SetEnvPrefix("PARCELMAPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/parcelmaps")
	}

	// The config file is optional.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return errors.New("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return errors.New("TLS enabled but no email specified")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics port %d collides with server port", c.Metrics.Port)
	}

	if c.Render.MaxConcurrentFetches < 1 {
		return fmt.Errorf("render.max_concurrent_fetches must be positive, got %d", c.Render.MaxConcurrentFetches)
	}
	if c.Render.MaxConcurrentThemes < 1 {
		return fmt.Errorf("render.max_concurrent_themes must be positive, got %d", c.Render.MaxConcurrentThemes)
	}

	switch c.Tokens.Store {
	case "", "memory":
	case "valkey":
		if c.Tokens.Valkey.Addr == "" {
			return errors.New("valkey token store requires tokens.valkey.addr")
		}
	default:
		return fmt.Errorf("unknown token store: %s", c.Tokens.Store)
	}
	if len(c.Tokens.Services) > 0 && c.Tokens.IssuerURL == "" {
		return errors.New("token services configured but tokens.issuer_url is empty")
	}

	if !c.Themes.Defaults && c.Themes.Dir == "" {
		return errors.New("themes.dir is required when built-in themes are disabled")
	}

	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history path is required")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return errors.New("events URL is required")
	}

	return c.Storage.validate()
}

func (s *StorageConfig) validate() error {
	switch s.Type {
	case "", "none":
		return nil
	case "local":
		if s.LocalPath == "" {
			return errors.New("local storage path is required")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return errors.New("S3 bucket is required")
		}
		if s.S3.Region == "" {
			return errors.New("S3 region is required")
		}
	case "azure":
		if s.Azure.Container == "" {
			return errors.New("azure container is required")
		}
		if s.Azure.AccountName == "" && s.Azure.ConnectionString == "" {
			return errors.New("azure account name or connection string is required")
		}
	case "http":
		if s.HTTP.BaseURL == "" {
			return errors.New("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", s.Type)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
