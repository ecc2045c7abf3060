package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider defaults (Sign in with Apple).
const (
	DefaultKeysURL  = "https://appleid.apple.com/auth/keys"
	DefaultIssuer   = "https://appleid.apple.com"
	DefaultAudience = "https://appleid.apple.com"

	// maxClientSecretTTL mirrors the provider's six-month limit.
	maxClientSecretTTL = 15777000 * time.Second
)

// Config represents the idgate configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	Provider     ProviderConfig     `yaml:"provider"`
	KeySet       KeySetConfig       `yaml:"key_set"`
	Claims       ClaimsConfig       `yaml:"claims"`
	ClientSecret ClientSecretConfig `yaml:"client_secret"`
	Database     DatabaseConfig     `yaml:"database"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Health       HealthConfig       `yaml:"health"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig controls the public API listener.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr      string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig controls the admin HTTP endpoint.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable admin endpoint
	Listen  string `yaml:"listen"`  // Address for admin server (default: "127.0.0.1:9090")
	Token   string `yaml:"token"`   // Bearer token required on /admin/* routes
}

// ProviderConfig describes the identity provider.
type ProviderConfig struct {
	KeysURL string `yaml:"keys_url"`
	Issuer  string `yaml:"issuer"`

	// Audience is the expected aud of identity tokens, usually the app's
	// bundle or services id. Empty disables the audience check.
	Audience string `yaml:"audience"`

	// TokenAudience is the aud written into client secrets.
	TokenAudience string `yaml:"token_audience"`
}

// KeySetConfig controls JWK set caching and fetching.
type KeySetConfig struct {
	TTL          time.Duration        `yaml:"ttl"`
	FetchTimeout time.Duration        `yaml:"fetch_timeout"`
	RefetchRate  float64              `yaml:"refetch_rate"`  // Unknown-kid refetches per second
	RefetchBurst int                  `yaml:"refetch_burst"` // Max refetch burst
	Breaker      CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig controls the breaker in front of the key-set endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Failures before open
	SuccessThreshold int           `yaml:"success_threshold"` // Successes in half-open to close
	Timeout          time.Duration `yaml:"timeout"`           // Time before half-open
	Window           time.Duration `yaml:"window"`            // Failure counting window
}

// ClaimsConfig controls temporal claim validation.
type ClaimsConfig struct {
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// ClientSecretConfig identifies the developer account used to mint client
// secrets. PrivateKeyFile, when set, is read at load time into PrivateKey.
type ClientSecretConfig struct {
	TeamID         string        `yaml:"team_id"`
	KeyID          string        `yaml:"key_id"`
	BundleID       string        `yaml:"bundle_id"`
	PrivateKey     string        `yaml:"private_key"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	TTL            time.Duration `yaml:"ttl"`
}

// Configured reports whether every field needed to mint a secret is set.
func (c ClientSecretConfig) Configured() bool {
	return c.TeamID != "" && c.KeyID != "" && c.BundleID != "" && c.PrivateKey != ""
}

// DatabaseConfig selects the identity store. An empty DSN uses the
// in-memory store.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// KafkaConfig controls identity event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// HealthConfig controls readiness probing; zero values are replaced by defaults.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // Log level: debug, info, warn, error (default: info)
	Format    string `yaml:"format"`     // Log format: json, text (default: json)
	AddSource bool   `yaml:"add_source"` // Include source file:line in logs (default: false)
}

// MetricsConfig controls the Prometheus endpoint on the admin server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Metrics path (default: /metrics)
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9090"
	}

	if c.Provider.KeysURL == "" {
		c.Provider.KeysURL = DefaultKeysURL
	}
	if c.Provider.Issuer == "" {
		c.Provider.Issuer = DefaultIssuer
	}
	if c.Provider.TokenAudience == "" {
		c.Provider.TokenAudience = DefaultAudience
	}

	if c.KeySet.TTL == 0 {
		c.KeySet.TTL = time.Hour
	}
	if c.KeySet.FetchTimeout == 0 {
		c.KeySet.FetchTimeout = 10 * time.Second
	}
	if c.KeySet.RefetchRate == 0 {
		c.KeySet.RefetchRate = 0.1 // one unknown-kid refetch every 10s
	}
	if c.KeySet.RefetchBurst == 0 {
		c.KeySet.RefetchBurst = 3
	}
	if c.KeySet.Breaker.FailureThreshold == 0 {
		c.KeySet.Breaker.FailureThreshold = 5
	}
	if c.KeySet.Breaker.SuccessThreshold == 0 {
		c.KeySet.Breaker.SuccessThreshold = 1
	}
	if c.KeySet.Breaker.Timeout == 0 {
		c.KeySet.Breaker.Timeout = 30 * time.Second
	}
	if c.KeySet.Breaker.Window == 0 {
		c.KeySet.Breaker.Window = 60 * time.Second
	}

	if c.Claims.ClockSkew == 0 {
		c.Claims.ClockSkew = 300 * time.Second
	}

	if c.ClientSecret.TTL == 0 {
		c.ClientSecret.TTL = 180 * 24 * time.Hour
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "identity.events"
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Health.UnhealthyThreshold == 0 {
		c.Health.UnhealthyThreshold = 3
	}
	if c.Health.HealthyThreshold == 0 {
		c.Health.HealthyThreshold = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment before parsing, so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, err
	}

	if f := cfg.ClientSecret.PrivateKeyFile; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		key, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read client_secret.private_key_file: %w", err)
		}
		cfg.ClientSecret.PrivateKey = string(key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen is required")
	}
	if c.Admin.Enabled && c.Admin.Listen == c.Server.ListenAddr {
		return errors.New("admin.listen must differ from server.listen")
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Token) == "" {
		return errors.New("admin.token is required when admin is enabled")
	}

	u, err := url.Parse(c.Provider.KeysURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("provider.keys_url must be an http(s) URL, got %q", c.Provider.KeysURL)
	}

	if c.KeySet.TTL < 0 {
		return errors.New("key_set.ttl must be >= 0")
	}
	if c.KeySet.FetchTimeout < 0 {
		return errors.New("key_set.fetch_timeout must be >= 0")
	}
	if c.KeySet.RefetchRate < 0 || c.KeySet.RefetchBurst < 0 {
		return errors.New("key_set.refetch_rate and key_set.refetch_burst must be >= 0")
	}
	if c.Claims.ClockSkew < 0 {
		return errors.New("claims.clock_skew must be >= 0")
	}

	if c.ClientSecret.TTL < 0 || c.ClientSecret.TTL > maxClientSecretTTL {
		return fmt.Errorf("client_secret.ttl must be in (0, %s]", maxClientSecretTTL)
	}

	for i, b := range c.Kafka.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("kafka.brokers[%d] is empty", i)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	return nil
}

// ReloadableChanged reports whether settings applied on hot reload differ.
// Listeners, storage and brokers are only read at startup.
func ReloadableChanged(old, new *Config) bool {
	return old.Provider.Issuer != new.Provider.Issuer ||
		old.Provider.Audience != new.Provider.Audience ||
		old.Provider.TokenAudience != new.Provider.TokenAudience ||
		old.Claims != new.Claims ||
		old.ClientSecret != new.ClientSecret
}
