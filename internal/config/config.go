package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML configuration file.
const FileEnv = "REALMKEEPER_CONFIG"

// Storage backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Filter        FilterConfig        `yaml:"filter"`
	Claim         ClaimConfig         `yaml:"claim"`
	Grant         GrantConfig         `yaml:"grant"`
	Announce      AnnounceConfig      `yaml:"announce"`
}

// RateLimitConfig holds per-caller rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTELEnabled    bool   `yaml:"otel_enabled"`
	OTELEndpoint   string `yaml:"otel_endpoint"`
	OTELInsecure   bool   `yaml:"otel_insecure"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// StorageConfig selects and tunes the snapshot backend
type StorageConfig struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	SaveInterval  time.Duration `yaml:"save_interval"`
	BackupCount   int           `yaml:"backup_count"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// FilterConfig sizes new membership filters
type FilterConfig struct {
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	InitialCapacity   int     `yaml:"initial_capacity"`
}

// ClaimConfig bounds the claim protocol
type ClaimConfig struct {
	GrantTimeout time.Duration `yaml:"grant_timeout"`
}

// GrantConfig configures the entitlement webhook
type GrantConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	WebhookToken    string        `yaml:"webhook_token"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// AnnounceConfig configures claim announcements
type AnnounceConfig struct {
	AMQPURL  string        `yaml:"amqp_url"`
	Exchange string        `yaml:"exchange"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "realmkeeper",
			Database:     "realmkeeper",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			ServiceName:    "realmkeeper",
			ServiceVersion: "0.1.0",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			IdleTTL:           10 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:       BackendFile,
			Dir:           "data",
			SaveInterval:  60 * time.Second,
			BackupCount:   3,
			SweepInterval: time.Minute,
		},
		Filter: FilterConfig{
			FalsePositiveRate: 0.001,
			InitialCapacity:   1000,
		},
		Claim: ClaimConfig{
			GrantTimeout: 10 * time.Second,
		},
		Grant: GrantConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Announce: AnnounceConfig{
			Exchange: "realmkeeper.announcements",
			Timeout:  5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by REALMKEEPER_CONFIG and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = parseDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = parseDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = parseDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = parseDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = parseInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = parseInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Observability.LogLevel = getEnv("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.OTELEnabled = parseBool("OTEL_ENABLED", c.Observability.OTELEnabled)
	c.Observability.OTELEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OTELEndpoint)
	c.Observability.OTELInsecure = parseBool("OTEL_EXPORTER_OTLP_INSECURE", c.Observability.OTELInsecure)
	c.Observability.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Observability.ServiceName)
	c.Observability.ServiceVersion = getEnv("OTEL_SERVICE_VERSION", c.Observability.ServiceVersion)

	c.RateLimit.RequestsPerSecond = parseFloat("RATELIMIT_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = parseInt("RATELIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.IdleTTL = parseDuration("RATELIMIT_IDLE_TTL", c.RateLimit.IdleTTL)

	c.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("AUTH_JWT_ISSUER", c.Auth.Issuer)

	c.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", c.Storage.Backend))
	c.Storage.Dir = getEnv("STORAGE_DIR", c.Storage.Dir)
	c.Storage.SaveInterval = parseDuration("STORAGE_SAVE_INTERVAL", c.Storage.SaveInterval)
	c.Storage.BackupCount = parseInt("STORAGE_BACKUP_COUNT", c.Storage.BackupCount)
	c.Storage.SweepInterval = parseDuration("STORAGE_SWEEP_INTERVAL", c.Storage.SweepInterval)

	c.Filter.FalsePositiveRate = parseFloat("FILTER_FALSE_POSITIVE_RATE", c.Filter.FalsePositiveRate)
	c.Filter.InitialCapacity = parseInt("FILTER_INITIAL_CAPACITY", c.Filter.InitialCapacity)

	c.Claim.GrantTimeout = parseDuration("CLAIM_GRANT_TIMEOUT", c.Claim.GrantTimeout)

	c.Grant.WebhookURL = getEnv("GRANT_WEBHOOK_URL", c.Grant.WebhookURL)
	c.Grant.WebhookToken = getEnv("GRANT_WEBHOOK_TOKEN", c.Grant.WebhookToken)
	c.Grant.InitialInterval = parseDuration("GRANT_RETRY_INITIAL_INTERVAL", c.Grant.InitialInterval)
	c.Grant.MaxInterval = parseDuration("GRANT_RETRY_MAX_INTERVAL", c.Grant.MaxInterval)

	c.Announce.AMQPURL = getEnv("ANNOUNCE_AMQP_URL", c.Announce.AMQPURL)
	c.Announce.Exchange = getEnv("ANNOUNCE_EXCHANGE", c.Announce.Exchange)
	c.Announce.Timeout = parseDuration("ANNOUNCE_TIMEOUT", c.Announce.Timeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("STORAGE_DIR is required for the file backend"))
		}
	case BackendPostgres:
		if c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, errors.New("DATABASE_URL or DB_PASSWORD is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.Storage.SaveInterval <= 0 {
		errs = append(errs, errors.New("STORAGE_SAVE_INTERVAL must be positive"))
	}
	if c.Storage.BackupCount < 0 {
		errs = append(errs, errors.New("STORAGE_BACKUP_COUNT must not be negative"))
	}
	if c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1 {
		errs = append(errs, errors.New("FILTER_FALSE_POSITIVE_RATE must be in (0, 1)"))
	}
	if c.Filter.InitialCapacity <= 0 {
		errs = append(errs, errors.New("FILTER_INITIAL_CAPACITY must be positive"))
	}
	if c.Claim.GrantTimeout <= 0 {
		errs = append(errs, errors.New("CLAIM_GRANT_TIMEOUT must be positive"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("RATELIMIT_RPS and RATELIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
