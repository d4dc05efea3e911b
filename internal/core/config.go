package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire FlowGuard configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	Store   StoreConfig   `yaml:"store"`
	Shared  SharedConfig  `yaml:"shared"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Alerts  AlertConfig   `yaml:"alerts"`
	Guard   GuardConfig   `yaml:"guard"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Embedded  bool   `yaml:"embedded"`
	DataDir   string `yaml:"data_dir"`
	Port      int    `yaml:"port"`
	ClusterID string `yaml:"cluster_id"`
}

// StoreConfig selects the audit event store.
type StoreConfig struct {
	Driver    string `yaml:"driver"` // "memory" or "sqlite"
	Path      string `yaml:"path"`
	MaxEvents int    `yaml:"max_events"`
}

// SharedConfig points the stateful components at Redis. When Enabled is
// false every component keeps its state in process memory.
type SharedConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig holds the event export stream settings.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AlertConfig holds admin alert channel settings.
type AlertConfig struct {
	EnableConsole bool          `yaml:"enable_console"`
	WebhookURLs   []string      `yaml:"webhook_urls"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// WebhookConfig controls webhook alert retries.
type WebhookConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// RateLimitRule is the fixed-window budget of one category.
type RateLimitRule struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"window" json:"window"`
}

// GuardConfig holds the tunables of the guard components.
type GuardConfig struct {
	RateLimits      map[string]RateLimitRule `yaml:"rate_limits"`
	DefaultLimit    RateLimitRule            `yaml:"default_limit"`
	TokenLifetime   time.Duration            `yaml:"token_lifetime"`
	TokenCapacity   int                      `yaml:"token_capacity"`
	AnomalyWindow   time.Duration            `yaml:"anomaly_window"`
	CleanupInterval time.Duration            `yaml:"cleanup_interval"`
	Recorder        RecorderConfig           `yaml:"recorder"`
}

// RecorderConfig sizes the asynchronous event recorder.
type RecorderConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	Workers          int           `yaml:"workers"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	AlertTimeout     time.Duration `yaml:"alert_timeout"`
	AlertQueueSize   int           `yaml:"alert_queue_size"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerPause     time.Duration `yaml:"breaker_pause"`
}

// CryptoConfig holds the CryptoBox key material.
type CryptoConfig struct {
	Secret      string `yaml:"secret"`
	Salt        string `yaml:"salt"`
	Concurrency int    `yaml:"concurrency"`
	BcryptCost  int    `yaml:"bcrypt_cost"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRateLimits returns the per-category budgets used when none are configured.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"login":        {Max: 5, Window: 15 * time.Minute},
		"registration": {Max: 3, Window: 60 * time.Minute},
		"upload":       {Max: 10, Window: 60 * time.Minute},
		"comment":      {Max: 30, Window: 60 * time.Second},
		"like":         {Max: 100, Window: 60 * time.Second},
		"search":       {Max: 60, Window: 60 * time.Second},
		"api":          {Max: 300, Window: 60 * time.Second},
	}
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of
// the box except for crypto, which needs a secret.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Bus: BusConfig{
			Enabled:   false,
			URL:       "nats://127.0.0.1:4222",
			Embedded:  true,
			DataDir:   "./data/nats",
			Port:      4222,
			ClusterID: "flowguard-cluster",
		},
		Store: StoreConfig{
			Driver:    "memory",
			Path:      "./data/flowguard.db",
			MaxEvents: 100000,
		},
		Shared: SharedConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "flowguard:",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   "flowguard.security-events",
		},
		Alerts: AlertConfig{
			EnableConsole: true,
			Webhook: WebhookConfig{
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Timeout:        10 * time.Second,
			},
		},
		Guard: GuardConfig{
			RateLimits:      DefaultRateLimits(),
			DefaultLimit:    RateLimitRule{Max: 100, Window: 60 * time.Second},
			TokenLifetime:   time.Hour,
			TokenCapacity:   100000,
			AnomalyWindow:   60 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			Recorder: RecorderConfig{
				QueueSize:        4096,
				Workers:          2,
				WriteTimeout:     5 * time.Second,
				AlertTimeout:     2 * time.Minute,
				AlertQueueSize:   256,
				BreakerThreshold: 5,
				BreakerPause:     30 * time.Second,
			},
		},
		Crypto: CryptoConfig{
			Salt:        "flowguard",
			Concurrency: 8,
			BcryptCost:  12,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if len(c.Server.APIKeys) == 0 {
		if envKey := os.Getenv("FLOWGUARD_API_KEY"); envKey != "" {
			c.Server.APIKeys = []string{envKey}
		}
	}
	if secret := os.Getenv("FLOWGUARD_CRYPTO_SECRET"); secret != "" {
		c.Crypto.Secret = secret
	}
	if addr := os.Getenv("FLOWGUARD_REDIS_ADDR"); addr != "" {
		c.Shared.Enabled = true
		c.Shared.Addr = addr
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration. Warnings describe settings that work but
// are probably unintended; errors make the configuration unusable.
func (c *Config) Validate() (warnings []string, errs []error) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(c.Server.APIKeys) == 0 {
		warnings = append(warnings, "server.api_keys is empty: the API is unauthenticated")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite", c.Store.Driver))
	}

	if c.Shared.Enabled && c.Shared.Addr == "" {
		errs = append(errs, fmt.Errorf("shared.addr is required when shared.enabled is set"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka.brokers is required when kafka.enabled is set"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, fmt.Errorf("kafka.topic is required when kafka.enabled is set"))
		}
	}

	for name, rule := range c.Guard.RateLimits {
		if rule.Max <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("guard.rate_limits.%s needs a positive max and window", name))
		}
	}
	if c.Guard.DefaultLimit.Max <= 0 || c.Guard.DefaultLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("guard.default_limit needs a positive max and window"))
	}
	if c.Guard.TokenLifetime <= 0 {
		errs = append(errs, fmt.Errorf("guard.token_lifetime must be positive"))
	}
	if c.Guard.TokenCapacity <= 0 {
		errs = append(errs, fmt.Errorf("guard.token_capacity must be positive"))
	}
	if c.Guard.AnomalyWindow <= 0 {
		errs = append(errs, fmt.Errorf("guard.anomaly_window must be positive"))
	}
	if c.Guard.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("guard.cleanup_interval must be positive"))
	}

	if c.Crypto.Secret == "" {
		warnings = append(warnings, "crypto.secret is empty: encryption is disabled (set FLOWGUARD_CRYPTO_SECRET)")
	} else if len(c.Crypto.Secret) < 16 {
		warnings = append(warnings, "crypto.secret is shorter than 16 characters")
	}

	switch c.LogLevel() {
	case "debug", "info", "warn", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("logging.level %q is unknown, using info", c.Logging.Level))
	}
	return warnings, errs
}

// RuleFor returns the rate limit rule of category, or the default rule.
func (c *Config) RuleFor(category string) RateLimitRule {
	if rule, ok := c.Guard.RateLimits[category]; ok {
		return rule
	}
	return c.Guard.DefaultLimit
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
