package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Audit         AuditConfig         `yaml:"audit"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// AuthConfig holds session token verification settings
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	CookieName string        `yaml:"cookie_name"`
}

// AuditConfig tunes the write path, exports and risk heuristic
type AuditConfig struct {
	Async            bool          `yaml:"async"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`

	// Exports per client IP per minute
	ExportRateLimit int `yaml:"export_rate_limit"`

	// Risk heuristic
	BusinessHourStart int   `yaml:"business_hour_start"`
	BusinessHourEnd   int   `yaml:"business_hour_end"`
	UnusualMinVolume  int64 `yaml:"unusual_min_volume"`
	UnusualFactor     int64 `yaml:"unusual_factor"`
}

// ArchiveConfig controls the daily S3 export job
type ArchiveConfig struct {
	Schedule string `yaml:"schedule"`
	Prefix   string `yaml:"prefix"`
	Format   string `yaml:"format"`
}

// DashboardConfig controls the stats poller
type DashboardConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TimeRange    string        `yaml:"time_range"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel     observability.LogLevel `yaml:"-"`
	LogLevelName string                 `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			CookieName: "auth-token",
		},
		Audit: AuditConfig{
			WriteTimeout:      5 * time.Second,
			RetryBackoff:      100 * time.Millisecond,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			ExportRateLimit:   10,
			BusinessHourStart: 6,
			BusinessHourEnd:   22,
			UnusualMinVolume:  20,
			UnusualFactor:     3,
		},
		Archive: ArchiveConfig{
			Schedule: "15 0 * * *",
			Prefix:   "audit-logs",
			Format:   "csv",
		},
		Dashboard: DashboardConfig{
			BaseURL:      "http://localhost:8080",
			PollInterval: 60 * time.Second,
			TimeRange:    "24h",
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			LogLevelName:       "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "sisiago",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds configuration from defaults, an optional YAML file
// (SISIAGO_CONFIG_FILE), a .env file and SISIAGO_* environment variables,
// in increasing order of precedence, and validates it for the API server.
func LoadConfig() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Load builds configuration like LoadConfig without validating it. Tools
// that need only part of it check what they use.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("SISIAGO_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.Observability.LogLevel = observability.ParseLogLevel(c.Observability.LogLevelName)
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("SISIAGO_HOST", s.Host)
	s.Port = getEnv("SISIAGO_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("SISIAGO_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("SISIAGO_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("SISIAGO_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SISIAGO_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("SISIAGO_HEALTH_PORT", s.HealthPort)

	st := &c.Storage
	st.PostgresURL = getEnv("SISIAGO_POSTGRES_URL", getEnv("DATABASE_URL", st.PostgresURL))
	st.PostgresReplicaURLs = getEnv("SISIAGO_POSTGRES_REPLICA_URLS", st.PostgresReplicaURLs)
	st.PostgresMaxConns = getEnvInt("SISIAGO_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("SISIAGO_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("SISIAGO_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.RedisURL = getEnv("SISIAGO_REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("SISIAGO_REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("SISIAGO_REDIS_DB", st.RedisDB)
	st.RedisMaxRetries = getEnvInt("SISIAGO_REDIS_MAX_RETRIES", st.RedisMaxRetries)
	st.RedisPoolSize = getEnvInt("SISIAGO_REDIS_POOL_SIZE", st.RedisPoolSize)
	st.S3Endpoint = getEnv("SISIAGO_S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("SISIAGO_S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("SISIAGO_S3_BUCKET", st.S3Bucket)
	st.S3AccessKey = getEnv("SISIAGO_S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("SISIAGO_S3_SECRET_KEY", st.S3SecretKey)
	st.S3UsePathStyle = getEnvBool("SISIAGO_S3_USE_PATH_STYLE", st.S3UsePathStyle)
	st.UserCacheSize = getEnvInt("SISIAGO_USER_CACHE_SIZE", st.UserCacheSize)
	st.UserCacheTTL = getEnvDuration("SISIAGO_USER_CACHE_TTL", st.UserCacheTTL)

	a := &c.Auth
	a.JWTSecret = getEnv("SISIAGO_JWT_SECRET", getEnv("JWT_SECRET", a.JWTSecret))
	a.TokenTTL = getEnvDuration("SISIAGO_TOKEN_TTL", a.TokenTTL)
	a.CookieName = getEnv("SISIAGO_AUTH_COOKIE", a.CookieName)

	au := &c.Audit
	au.Async = getEnvBool("SISIAGO_AUDIT_ASYNC", au.Async)
	au.WriteTimeout = getEnvDuration("SISIAGO_AUDIT_WRITE_TIMEOUT", au.WriteTimeout)
	au.RetryAttempts = getEnvInt("SISIAGO_AUDIT_RETRY_ATTEMPTS", au.RetryAttempts)
	au.RetryBackoff = getEnvDuration("SISIAGO_AUDIT_RETRY_BACKOFF", au.RetryBackoff)
	au.BreakerThreshold = uint32(getEnvInt("SISIAGO_AUDIT_BREAKER_THRESHOLD", int(au.BreakerThreshold)))
	au.BreakerCooldown = getEnvDuration("SISIAGO_AUDIT_BREAKER_COOLDOWN", au.BreakerCooldown)
	au.ExportRateLimit = getEnvInt("SISIAGO_AUDIT_EXPORT_RATE_LIMIT", au.ExportRateLimit)
	au.BusinessHourStart = getEnvInt("SISIAGO_AUDIT_BUSINESS_HOUR_START", au.BusinessHourStart)
	au.BusinessHourEnd = getEnvInt("SISIAGO_AUDIT_BUSINESS_HOUR_END", au.BusinessHourEnd)
	au.UnusualMinVolume = getEnvInt64("SISIAGO_AUDIT_UNUSUAL_MIN_VOLUME", au.UnusualMinVolume)
	au.UnusualFactor = getEnvInt64("SISIAGO_AUDIT_UNUSUAL_FACTOR", au.UnusualFactor)

	ar := &c.Archive
	ar.Schedule = getEnv("SISIAGO_ARCHIVE_SCHEDULE", ar.Schedule)
	ar.Prefix = getEnv("SISIAGO_ARCHIVE_PREFIX", ar.Prefix)
	ar.Format = getEnv("SISIAGO_ARCHIVE_FORMAT", ar.Format)

	d := &c.Dashboard
	d.BaseURL = getEnv("SISIAGO_DASHBOARD_BASE_URL", d.BaseURL)
	d.PollInterval = getEnvDuration("SISIAGO_DASHBOARD_POLL_INTERVAL", d.PollInterval)
	d.TimeRange = getEnv("SISIAGO_DASHBOARD_TIME_RANGE", d.TimeRange)

	o := &c.Observability
	o.LogLevelName = getEnv("SISIAGO_LOG_LEVEL", o.LogLevelName)
	o.LogLevel = observability.ParseLogLevel(strings.ToLower(o.LogLevelName))
	o.MetricsEnabled = getEnvBool("SISIAGO_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("SISIAGO_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("SISIAGO_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("SISIAGO_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("SISIAGO_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("SISIAGO_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("SISIAGO_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}

	au := c.Audit
	if au.WriteTimeout <= 0 {
		return fmt.Errorf("audit write timeout must be positive")
	}
	if au.RetryAttempts < 0 {
		return fmt.Errorf("audit retry attempts must not be negative")
	}
	if au.BusinessHourStart < 0 || au.BusinessHourStart > 23 ||
		au.BusinessHourEnd < 1 || au.BusinessHourEnd > 24 ||
		au.BusinessHourStart >= au.BusinessHourEnd {
		return fmt.Errorf("invalid business hours %d-%d", au.BusinessHourStart, au.BusinessHourEnd)
	}
	if au.UnusualFactor < 1 {
		return fmt.Errorf("unusual factor must be at least 1")
	}
	if au.ExportRateLimit < 0 {
		return fmt.Errorf("export rate limit must not be negative")
	}

	switch c.Archive.Format {
	case "csv", "json", "ndjson":
	default:
		return fmt.Errorf("invalid archive format: %s (must be csv, json or ndjson)", c.Archive.Format)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
