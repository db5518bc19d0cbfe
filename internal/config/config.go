// Package config provides YAML-based configuration loading for Roundtable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "roundtable.yaml"

// Environment variables holding secrets. Secrets never live in the YAML file.
const (
	EnvAnthropicKey   = "ANTHROPIC_API_KEY"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvSlackWebhook   = "SLACK_WEBHOOK_URL"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
	EnvDatabaseDSN    = "DATABASE_DSN"
)

// Config is the top-level Roundtable configuration, loaded from roundtable.yaml.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Provider      ProviderConfig      `yaml:"provider"`
	Database      DatabaseConfig      `yaml:"database"`
	Retention     RetentionConfig     `yaml:"retention"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Metrics         *bool         `yaml:"metrics"`
}

// CollaborationConfig tunes the session orchestrator.
type CollaborationConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	MinQueryLength        int           `yaml:"min_query_length"`
	MaxQueryLength        int           `yaml:"max_query_length"`
	RoleTimeout           time.Duration `yaml:"role_timeout"`
	MaxRetries            *int          `yaml:"max_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff       time.Duration `yaml:"max_retry_backoff"`
	StoreCapacity         int           `yaml:"store_capacity"`
	SessionTTL            time.Duration `yaml:"session_ttl"`
	Realtime              *bool         `yaml:"realtime"`
}

// ProviderConfig selects the AI analysis provider.
type ProviderConfig struct {
	Name             string        `yaml:"name"` // anthropic, openai or heuristic
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	MaxTokens        int           `yaml:"max_tokens"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`

	// APIKey is read from the environment only.
	APIKey string `yaml:"-"`
}

// DatabaseConfig configures the optional session archive. An empty driver
// disables persistence.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // sqlite, mysql or postgres
	DSN         string `yaml:"dsn"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Name        string `yaml:"name"`
	AutoMigrate *bool  `yaml:"auto_migrate"`
}

// RetentionConfig controls archive pruning.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// NotificationsConfig holds chat webhook targets. URLs may also come from
// the environment, which takes precedence.
type NotificationsConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Load reads a YAML config file from path and returns a validated Config.
// Secrets are taken from the environment, after loading a .env file next to
// the working directory when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadDotEnv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	return Parse(nil)
}

// Parse unmarshals YAML bytes into a validated Config. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv copies secrets from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	switch strings.ToLower(c.Provider.Name) {
	case "anthropic":
		c.Provider.APIKey = getenv(EnvAnthropicKey)
	case "openai":
		c.Provider.APIKey = getenv(EnvOpenAIKey)
	case "":
		// Pick the provider whose key is present.
		if key := getenv(EnvAnthropicKey); key != "" {
			c.Provider.Name, c.Provider.APIKey = "anthropic", key
		} else if key := getenv(EnvOpenAIKey); key != "" {
			c.Provider.Name, c.Provider.APIKey = "openai", key
		}
	}
	if v := getenv(EnvSlackWebhook); v != "" {
		c.Notifications.SlackWebhookURL = v
	}
	if v := getenv(EnvDiscordWebhook); v != "" {
		c.Notifications.DiscordWebhookURL = v
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.Metrics == nil {
		c.Server.Metrics = ptr(true)
	}

	cc := &c.Collaboration
	if cc.MaxConcurrentSessions == 0 {
		cc.MaxConcurrentSessions = 10
	}
	if cc.MinQueryLength == 0 {
		cc.MinQueryLength = 10
	}
	if cc.MaxQueryLength == 0 {
		cc.MaxQueryLength = 5000
	}
	if cc.RoleTimeout == 0 {
		cc.RoleTimeout = 30 * time.Second
	}
	if cc.MaxRetries == nil {
		cc.MaxRetries = ptr(2)
	}
	if cc.RetryBackoff == 0 {
		cc.RetryBackoff = 500 * time.Millisecond
	}
	if cc.MaxRetryBackoff == 0 {
		cc.MaxRetryBackoff = 5 * time.Second
	}
	if cc.StoreCapacity == 0 {
		cc.StoreCapacity = 1000
	}
	if cc.SessionTTL == 0 {
		cc.SessionTTL = 24 * time.Hour
	}
	if cc.Realtime == nil {
		cc.Realtime = ptr(true)
	}

	p := &c.Provider
	p.Name = strings.ToLower(p.Name)
	if p.Name == "" {
		p.Name = "heuristic"
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 1500
	}
	if p.RatePerSecond == 0 {
		p.RatePerSecond = 5
	}
	if p.Burst == 0 {
		p.Burst = 5
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.OpenTimeout == 0 {
		p.OpenTimeout = 30 * time.Second
	}

	d := &c.Database
	d.Driver = strings.ToLower(d.Driver)
	if d.Driver == "mysql" {
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		if d.Port == 0 {
			d.Port = 3306
		}
		if d.User == "" {
			d.User = "root"
		}
		if d.Name == "" {
			d.Name = "roundtable"
		}
	}
	if d.Driver == "sqlite" && d.DSN == "" {
		d.DSN = "roundtable.db"
	}
	if d.AutoMigrate == nil {
		d.AutoMigrate = ptr(true)
	}

	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "0 * * * *"
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 168 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	cc := c.Collaboration
	if cc.MaxConcurrentSessions < 0 {
		errs = append(errs, "collaboration.max_concurrent_sessions must be positive")
	}
	if cc.MinQueryLength < 0 {
		errs = append(errs, "collaboration.min_query_length must be positive")
	}
	if cc.MaxQueryLength < cc.MinQueryLength {
		errs = append(errs, "collaboration.max_query_length must be at least min_query_length")
	}
	if cc.RoleTimeout < 0 {
		errs = append(errs, "collaboration.role_timeout must be positive")
	}
	if *cc.MaxRetries < 0 {
		errs = append(errs, "collaboration.max_retries must not be negative")
	}
	if cc.StoreCapacity < cc.MaxConcurrentSessions {
		errs = append(errs, "collaboration.store_capacity must be at least max_concurrent_sessions")
	}
	if cc.MaxRetryBackoff < cc.RetryBackoff {
		errs = append(errs, "collaboration.max_retry_backoff must be at least retry_backoff")
	}

	switch c.Provider.Name {
	case "anthropic", "openai":
		if c.Provider.APIKey == "" {
			errs = append(errs, fmt.Sprintf("provider %s requires %s", c.Provider.Name, c.keyEnv()))
		}
	case "heuristic":
	default:
		errs = append(errs, fmt.Sprintf("provider.name %q is not one of anthropic, openai, heuristic", c.Provider.Name))
	}
	if c.Provider.RatePerSecond < 0 {
		errs = append(errs, "provider.rate_per_second must not be negative")
	}

	switch c.Database.Driver {
	case "", "sqlite", "mysql":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Sprintf("database.dsn (or %s) is required for postgres", EnvDatabaseDSN))
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	if c.Retention.Enabled && c.Database.Driver == "" {
		errs = append(errs, "retention.enabled requires a database")
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, "retention.max_age must be positive")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) keyEnv() string {
	if c.Provider.Name == "openai" {
		return EnvOpenAIKey
	}
	return EnvAnthropicKey
}

// PersistenceEnabled reports whether an archive is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.Database.Driver != ""
}

func ptr[T any](v T) *T { return &v }
