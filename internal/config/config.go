package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Session       SessionConfig
	Security      SecurityConfig
	RBAC          RBACConfig
	ProviderCache ProviderCacheConfig
	ClientRetry   RetryConfig
	Breaker       BreakerConfig
	RateLimit     RateLimitConfig
	Features      FeatureConfig
	Replication   ReplicationConfig
	Observability ObservabilityConfig
	Sentry        SentryConfig
	Bootstrap     BootstrapConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	PublicURL      string // external issuer base, no trailing slash
	BaseDomain     string // apex used for subdomain tenant resolution
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StorageConfig selects the key-value storage driver
type StorageConfig struct {
	Driver        string // memory, redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// SessionConfig holds session management configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite string
	CookieSecret   string // hex, 32 bytes
	Lifetime       time.Duration
	SlidingWindow  time.Duration
	MaxAccounts    int
}

// SecurityConfig holds key material and token lifetimes
type SecurityConfig struct {
	EncryptionKey     string // hex, 32 bytes
	SigningAlg        string // RS256, ES256
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	AuthCodeTTL       time.Duration
	ClientSecretGrace time.Duration
}

// RBACConfig holds role and permission evaluation settings
type RBACConfig struct {
	MaxPermissionsInToken int
	CacheTTL              time.Duration
}

// ProviderCacheConfig holds the provider registry cache settings
type ProviderCacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// RetryConfig holds retry settings for the client registry adapter
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold float64
	MinimumRequests  int
	WindowSize       int
	Cooldown         time.Duration
	SuccessThreshold int
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	// LoginRequests tightens the credential endpoints on top of the
	// global allowance
	LoginRequests int
	LoginWindow   time.Duration
}

// FeatureConfig gates optional protocol endpoints
type FeatureConfig struct {
	Introspection bool
	Revocation    bool
}

// ReplicationConfig holds cross-region settings
type ReplicationConfig struct {
	Enabled      bool
	Region       string
	AuditRegions []string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	TracingEnabled bool
	MetricsEnabled bool
	ServiceName    string
	ServiceVersion string
}

// SentryConfig holds error reporting configuration
type SentryConfig struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
}

// BootstrapConfig controls first-run seeding
type BootstrapConfig struct {
	DefaultTenant    bool
	DefaultProviders bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	port := getEnv("SERVER_PORT", "8080")

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:"+port), "/"),
			BaseDomain:     getEnv("BASE_DOMAIN", ""),
			ReadTimeout:    parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:   parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:    parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			RequestTimeout: parseDuration("REQUEST_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "openauth"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "openauth"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Storage: StorageConfig{
			Driver:        getEnv("STORAGE_DRIVER", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       parseInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			CookieName:     getEnv("SESSION_COOKIE_NAME", "__session"),
			CookieDomain:   getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookieSecure:   parseBool("SESSION_COOKIE_SECURE", true),
			CookieSameSite: getEnv("SESSION_SAME_SITE", "lax"),
			CookieSecret:   getEnv("SESSION_COOKIE_SECRET", ""),
			Lifetime:       parseDuration("SESSION_LIFETIME", "168h"),
			SlidingWindow:  parseDuration("SESSION_SLIDING_WINDOW", "24h"),
			MaxAccounts:    parseInt("SESSION_MAX_ACCOUNTS", 3),
		},
		Security: SecurityConfig{
			EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
			SigningAlg:        getEnv("SIGNING_ALG", "RS256"),
			AccessTokenTTL:    parseDuration("ACCESS_TOKEN_TTL", "1h"),
			RefreshTokenTTL:   parseDuration("REFRESH_TOKEN_TTL", "720h"),
			AuthCodeTTL:       parseDuration("AUTH_CODE_TTL", "10m"),
			ClientSecretGrace: parseDuration("CLIENT_SECRET_GRACE", "24h"),
		},
		RBAC: RBACConfig{
			MaxPermissionsInToken: parseInt("RBAC_MAX_PERMISSIONS_IN_TOKEN", 50),
			CacheTTL:              parseDuration("RBAC_CACHE_TTL", "60s"),
		},
		ProviderCache: ProviderCacheConfig{
			TTL:     parseDuration("PROVIDER_CACHE_TTL", "60s"),
			MaxSize: parseInt("PROVIDER_CACHE_MAX_SIZE", 500),
		},
		ClientRetry: RetryConfig{
			MaxAttempts:  parseInt("CLIENT_RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: parseDuration("CLIENT_RETRY_INITIAL_DELAY", "100ms"),
			MaxDelay:     parseDuration("CLIENT_RETRY_MAX_DELAY", "2s"),
			Multiplier:   parseFloat("CLIENT_RETRY_MULTIPLIER", 2.0),
		},
		Breaker: BreakerConfig{
			FailureThreshold: parseFloat("BREAKER_FAILURE_THRESHOLD", 0.5),
			MinimumRequests:  parseInt("BREAKER_MINIMUM_REQUESTS", 3),
			WindowSize:       parseInt("BREAKER_WINDOW_SIZE", 10),
			Cooldown:         parseDuration("BREAKER_COOLDOWN", "1s"),
			SuccessThreshold: parseInt("BREAKER_SUCCESS_THRESHOLD", 2),
		},
		RateLimit: RateLimitConfig{
			Enabled:       parseBool("RATE_LIMIT_ENABLED", true),
			Requests:      parseInt("RATE_LIMIT_REQUESTS", 60),
			Window:        parseDuration("RATE_LIMIT_WINDOW", "1m"),
			LoginRequests: parseInt("LOGIN_RATE_LIMIT", 10),
			LoginWindow:   parseDuration("LOGIN_RATE_WINDOW", "1m"),
		},
		Features: FeatureConfig{
			Introspection: parseBool("FEATURE_INTROSPECTION", true),
			Revocation:    parseBool("FEATURE_REVOCATION", true),
		},
		Replication: ReplicationConfig{
			Enabled:      parseBool("REPLICATION_ENABLED", false),
			Region:       getEnv("REGION_NAME", "local"),
			AuditRegions: parseList("AUDIT_REGIONS"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			TracingEnabled: parseBool("TRACING_ENABLED", false),
			MetricsEnabled: parseBool("METRICS_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "openauth"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Sentry: SentryConfig{
			DSN:              getEnv("SENTRY_DSN", ""),
			Environment:      getEnv("SENTRY_ENVIRONMENT", "development"),
			TracesSampleRate: parseFloat("SENTRY_TRACES_SAMPLE_RATE", 0),
		},
		Bootstrap: BootstrapConfig{
			DefaultTenant:    parseBool("BOOTSTRAP_DEFAULT_TENANT", true),
			DefaultProviders: parseBool("BOOTSTRAP_DEFAULT_PROVIDERS", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if err := requireHexKey("ENCRYPTION_KEY", c.Security.EncryptionKey); err != nil {
		return err
	}
	if err := requireHexKey("SESSION_COOKIE_SECRET", c.Session.CookieSecret); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be memory or redis, got %q", c.Storage.Driver)
	}
	switch c.Security.SigningAlg {
	case "RS256", "ES256":
	default:
		return fmt.Errorf("SIGNING_ALG must be RS256 or ES256, got %q", c.Security.SigningAlg)
	}
	if t := c.Breaker.FailureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be in (0, 1], got %v", t)
	}
	if c.Session.MaxAccounts < 1 {
		return fmt.Errorf("SESSION_MAX_ACCOUNTS must be at least 1, got %d", c.Session.MaxAccounts)
	}
	return nil
}

func requireHexKey(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("%s must be 64 hex characters (32 bytes)", name)
	}
	return nil
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

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
