package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Redis     RedisConfig
	Log       LogConfig
	Identity  IdentityConfig
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Gateway   GatewayConfig
	Webhook   WebhookConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name  string
	Env   string
	Debug bool
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string

	// Sampling configuration for high-traffic production environments
	SamplingEnabled   bool
	SamplingThreshold int
	SamplingRate      float64
	ErrorSamplingRate float64
}

// IdentityConfig holds upstream identity-service configuration.
type IdentityConfig struct {
	BaseURL             string
	JWKSURL             string
	Issuer              string
	Audience            string
	RequestTimeout      time.Duration
	JWKSRefreshInterval time.Duration
}

// RateLimitConfig holds rate-limit engine configuration.
type RateLimitConfig struct {
	Enabled bool

	// FailureBlockDuration is how long an IP stays blocked after the
	// failure threshold is crossed.
	FailureBlockDuration time.Duration

	// Overrides replaces the built-in policy for a limit type.
	// Keyed by limit type name (ENDPOINT, USER, IP, OTP, LOGIN,
	// TOKEN_REFRESH, INVALID_JWT).
	Overrides map[string]LimitOverride
}

// LimitOverride overrides max requests and window for one limit type.
type LimitOverride struct {
	MaxRequests int
	Window      time.Duration
}

// ProxyConfig holds upstream forwarding configuration.
type ProxyConfig struct {
	UpstreamURL string

	// TrustForwardedHeaders controls whether X-Forwarded-For from the
	// client is trusted for the real client IP. Enable only behind a
	// trusted load balancer.
	TrustForwardedHeaders bool
}

// GatewayConfig holds pipeline configuration.
type GatewayConfig struct {
	// PublicPaths are "host|pattern" entries; host "*" matches any
	// virtual host, pattern supports path globs ("/api/v1/public/*").
	PublicPaths []string

	SuperAdminRole string

	// RefreshLockLease bounds how long a refresh lock is held.
	RefreshLockLease time.Duration

	// RefreshCookie controls the refresh_token response cookie.
	RefreshCookieMaxAge time.Duration

	// PermissionHashTTL bounds staleness of the per-user hash cache.
	PermissionHashTTL time.Duration

	// TenantConfigTTL bounds staleness of cached tenant configuration.
	TenantConfigTTL time.Duration
}

// WebhookConfig guards the cache-invalidation webhook endpoints.
type WebhookConfig struct {
	RatePerSecond float64
	Burst         int
}

// limitTypeNames are the limit types an override may target.
var limitTypeNames = []string{
	"ENDPOINT", "USER", "IP", "OTP", "LOGIN", "TOKEN_REFRESH", "INVALID_JWT",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name:  getEnv("APP_NAME", "gateway"),
			Env:   getEnv("APP_ENV", "development"),
			Debug: getEnvBool("APP_DEBUG", false),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodySize:     getEnvInt64("SERVER_MAX_BODY_SIZE", 1<<20),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:             getEnv("LOG_LEVEL", "info"),
			Format:            getEnv("LOG_FORMAT", "json"),
			SamplingEnabled:   getEnvBool("LOG_SAMPLING_ENABLED", false),
			SamplingThreshold: getEnvInt("LOG_SAMPLING_THRESHOLD", 100),
			SamplingRate:      getEnvFloat("LOG_SAMPLING_RATE", 0.1),
			ErrorSamplingRate: getEnvFloat("LOG_ERROR_SAMPLING_RATE", 1.0),
		},
		Identity: IdentityConfig{
			BaseURL:             getEnv("IDENTITY_BASE_URL", "http://localhost:8081"),
			JWKSURL:             getEnv("IDENTITY_JWKS_URL", ""),
			Issuer:              getEnv("IDENTITY_ISSUER", ""),
			Audience:            getEnv("IDENTITY_AUDIENCE", ""),
			RequestTimeout:      getEnvDuration("IDENTITY_REQUEST_TIMEOUT", 5*time.Second),
			JWKSRefreshInterval: getEnvDuration("IDENTITY_JWKS_REFRESH_INTERVAL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:              getEnvBool("RATELIMIT_ENABLED", true),
			FailureBlockDuration: getEnvDuration("RATELIMIT_FAILURE_BLOCK_DURATION", 30*time.Minute),
			Overrides:            loadLimitOverrides(),
		},
		Proxy: ProxyConfig{
			UpstreamURL:           getEnv("PROXY_UPSTREAM_URL", "http://localhost:9000"),
			TrustForwardedHeaders: getEnvBool("PROXY_TRUST_FORWARDED_HEADERS", false),
		},
		Gateway: GatewayConfig{
			PublicPaths:         getEnvSlice("GATEWAY_PUBLIC_PATHS", []string{"*|/health", "*|/metrics"}),
			SuperAdminRole:      getEnv("GATEWAY_SUPER_ADMIN_ROLE", "super_admin"),
			RefreshLockLease:    getEnvDuration("GATEWAY_REFRESH_LOCK_LEASE", 10*time.Second),
			RefreshCookieMaxAge: getEnvDuration("GATEWAY_REFRESH_COOKIE_MAX_AGE", 7*24*time.Hour),
			PermissionHashTTL:   getEnvDuration("GATEWAY_PERMISSION_HASH_TTL", 5*time.Minute),
			TenantConfigTTL:     getEnvDuration("GATEWAY_TENANT_CONFIG_TTL", 10*time.Minute),
		},
		Webhook: WebhookConfig{
			RatePerSecond: getEnvFloat("WEBHOOK_RATE_PER_SECOND", 10),
			Burst:         getEnvInt("WEBHOOK_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadLimitOverrides reads RATELIMIT_<TYPE>_MAX / RATELIMIT_<TYPE>_WINDOW
// pairs for each known limit type. Both must be set for the override to
// take effect.
func loadLimitOverrides() map[string]LimitOverride {
	overrides := make(map[string]LimitOverride)
	for _, name := range limitTypeNames {
		maxKey := "RATELIMIT_" + name + "_MAX"
		windowKey := "RATELIMIT_" + name + "_WINDOW"
		maxVal := getEnvInt(maxKey, 0)
		windowVal := getEnvDuration(windowKey, 0)
		if maxVal > 0 && windowVal > 0 {
			overrides[name] = LimitOverride{MaxRequests: maxVal, Window: windowVal}
		}
	}
	return overrides
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if _, err := url.Parse(c.Proxy.UpstreamURL); err != nil || c.Proxy.UpstreamURL == "" {
		return fmt.Errorf("invalid PROXY_UPSTREAM_URL: %q", c.Proxy.UpstreamURL)
	}
	if c.Identity.BaseURL == "" {
		return fmt.Errorf("IDENTITY_BASE_URL is required")
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	for _, entry := range c.Gateway.PublicPaths {
		if !strings.Contains(entry, "|") {
			return fmt.Errorf("invalid public path entry %q (want host|pattern)", entry)
		}
	}
	if c.App.Env == EnvProduction {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}
	if c.Log.SamplingRate < 0 || c.Log.SamplingRate > 1 {
		return fmt.Errorf("LOG_SAMPLING_RATE must be in [0,1]")
	}
	return nil
}

func (c *Config) validateProduction() error {
	if c.Identity.JWKSURL == "" {
		return fmt.Errorf("IDENTITY_JWKS_URL is required in production")
	}
	if c.App.Debug {
		return fmt.Errorf("APP_DEBUG must be disabled in production")
	}
	if c.Redis.TLSSkipVerify {
		return fmt.Errorf("REDIS_TLS_SKIP_VERIFY must be disabled in production")
	}
	return nil
}

// Addr returns the host:port address for Redis.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the host:port address for Redis.
func (c *Config) RedisAddr() string {
	return c.Redis.Addr()
}

// ServerAddr returns the host:port address for the HTTP server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, p := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
