package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Tenancy modes
const (
	TenancyModeSingle = "single"
	TenancyModeMulti  = "multi"
)

// Config holds all application configuration. It is built once at startup
// and passed by reference into component constructors; nothing reads
// environment variables after Load returns.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Tenancy       TenancyConfig
	JWT           JWTConfig
	Security      SecurityConfig
	MFA           MFAConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TrustProxyHeaders makes the server take client addresses from
	// X-Forwarded-For / X-Real-IP. Enable only behind a proxy that
	// overwrites those headers; otherwise clients forge their address.
	TrustProxyHeaders bool
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

// RedisConfig holds the shared fast-store configuration. Throttle counters,
// remembered devices, MFA replay guards and the refresh rotation list all
// live here so cross-request state survives individual node restarts.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TenancyConfig selects single- or multi-tenant operation
type TenancyConfig struct {
	Mode         string // single or multi
	DefaultOrgID string // required in single mode
}

// JWTConfig holds token signing material and lifetimes. Key material may be
// inline PEM or a file path; inline wins when both are set.
type JWTConfig struct {
	PrivateKey        string
	PrivateKeyPath    string
	PublicKey         string
	PublicKeyPath     string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	ChallengeTokenTTL time.Duration
}

// SecurityConfig holds password hashing and lockout policy
type SecurityConfig struct {
	Argon2Memory       uint32
	Argon2Iterations   uint32
	Argon2Parallelism  uint8
	Argon2SaltLength   uint32
	Argon2KeyLength    uint32
	LoginAttemptLimit  int
	LoginLockoutWindow time.Duration
	StoreTimeout       time.Duration
}

// MFAConfig holds TOTP and MFA policy configuration. MasterSecret encrypts
// stored TOTP secrets at rest; PreviousMasterSecret keeps decryption working
// during a master-secret rotation window.
type MFAConfig struct {
	Issuer               string
	Digits               int
	PeriodSeconds        int
	SkewSteps            int
	RetryLimit           int
	CountFailuresToLock  bool
	MasterSecret         string
	PreviousMasterSecret string
	KDFSalt              string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds transport-level rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),

			TrustProxyHeaders: parseBool("TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "sole"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "sole"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       parseInt("REDIS_DB", 0),
		},
		Tenancy: TenancyConfig{
			Mode:         getEnv("TENANCY_MODE", TenancyModeSingle),
			DefaultOrgID: getEnv("DEFAULT_ORG_ID", "default"),
		},
		JWT: JWTConfig{
			PrivateKey:        getEnv("JWT_PRIVATE_KEY", ""),
			PrivateKeyPath:    getEnv("JWT_PRIVATE_KEY_PATH", ""),
			PublicKey:         getEnv("JWT_PUBLIC_KEY", ""),
			PublicKeyPath:     getEnv("JWT_PUBLIC_KEY_PATH", ""),
			AccessTokenTTL:    parseDuration("ACCESS_TOKEN_TTL", "15m"),
			RefreshTokenTTL:   parseDuration("REFRESH_TOKEN_TTL", "168h"),
			ChallengeTokenTTL: parseDuration("CHALLENGE_TOKEN_TTL", "5m"),
		},
		Security: SecurityConfig{
			Argon2Memory:       uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:   uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism:  uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:   uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:    uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			LoginAttemptLimit:  parseInt("LOGIN_ATTEMPT_LIMIT", 5),
			LoginLockoutWindow: parseDuration("LOGIN_LOCKOUT_WINDOW", "15m"),
			StoreTimeout:       parseDuration("STORE_TIMEOUT", "2s"),
		},
		MFA: MFAConfig{
			Issuer:               getEnv("MFA_ISSUER", "sole-backend"),
			Digits:               parseInt("MFA_DIGITS", 6),
			PeriodSeconds:        parseInt("MFA_PERIOD_SECONDS", 30),
			SkewSteps:            parseInt("MFA_SKEW_STEPS", 1),
			RetryLimit:           parseInt("MFA_RETRY_LIMIT", 5),
			CountFailuresToLock:  parseBool("MFA_COUNT_FAILURES_TO_LOCKOUT", false),
			MasterSecret:         getEnv("MFA_MASTER_SECRET", ""),
			PreviousMasterSecret: getEnv("MFA_PREVIOUS_MASTER_SECRET", ""),
			KDFSalt:              getEnv("MFA_KDF_SALT", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "sole-backend"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration. Broken signing or encryption
// material must fail startup, never surface per-request.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Tenancy.Mode != TenancyModeSingle && c.Tenancy.Mode != TenancyModeMulti {
		return fmt.Errorf("TENANCY_MODE must be %q or %q, got %q", TenancyModeSingle, TenancyModeMulti, c.Tenancy.Mode)
	}
	if c.Tenancy.Mode == TenancyModeSingle && c.Tenancy.DefaultOrgID == "" {
		return fmt.Errorf("DEFAULT_ORG_ID is required in single-tenant mode")
	}
	if c.JWT.PrivateKey == "" && c.JWT.PrivateKeyPath == "" {
		return fmt.Errorf("JWT_PRIVATE_KEY or JWT_PRIVATE_KEY_PATH is required")
	}
	if c.JWT.PublicKey == "" && c.JWT.PublicKeyPath == "" {
		return fmt.Errorf("JWT_PUBLIC_KEY or JWT_PUBLIC_KEY_PATH is required")
	}
	if c.MFA.MasterSecret == "" {
		return fmt.Errorf("MFA_MASTER_SECRET is required")
	}
	if c.MFA.KDFSalt == "" {
		return fmt.Errorf("MFA_KDF_SALT is required")
	}
	if c.Security.LoginAttemptLimit < 1 {
		return fmt.Errorf("LOGIN_ATTEMPT_LIMIT must be at least 1")
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

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
