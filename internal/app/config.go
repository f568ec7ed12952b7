package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fieldcrm/internal/auth"
	"fieldcrm/internal/ratelimit"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Env       string
	Port      string
	LogLevel  string
	SentryDSN string

	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration
	DBConnIdleTime time.Duration
	RunMigrations  bool

	JWTSecret       string
	TokenTTL        time.Duration
	CSRFSecret      string
	SignedURLSecret string
	CookieSecure    bool

	StoreBackend      string
	RedisURL          string
	RateLimitFailOpen bool
	LoginPolicy       ratelimit.Policy
	SignupPolicy      ratelimit.Policy
	APIPolicy         ratelimit.Policy
	Lockout           auth.LockoutConfig

	AdminEmail       string
	AdminPassword    string
	CronSecret       string
	CleanupBatchSize int
	CloudinaryURL    string

	// Warnings are logged once the logger exists.
	Warnings []string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Env:       envOrDefault("APP_ENV", "development"),
		Port:      envOrDefault("PORT", "8080"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		SentryDSN: strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		DBMaxOpenConns: envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns: envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:  EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		TokenTTL:        envMinutesOrDefault("TOKEN_TTL_MINUTES", int(auth.DefaultTokenTTL/time.Minute)),
		SignedURLSecret: strings.TrimSpace(os.Getenv("SIGNED_URL_SECRET")),

		StoreBackend:      strings.ToLower(envOrDefault("STORE_BACKEND", StoreMemory)),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		RateLimitFailOpen: EnvBoolOrDefault("RATE_LIMIT_FAIL_OPEN", false),
		LoginPolicy:       envPolicy(ratelimit.LoginPolicy, "RATE_LOGIN"),
		SignupPolicy:      envPolicy(ratelimit.SignupPolicy, "RATE_SIGNUP"),
		APIPolicy:         envPolicy(ratelimit.APIPolicy, "RATE_API"),
		Lockout: auth.LockoutConfig{
			MaxAttempts:  envIntOrDefault("LOCKOUT_MAX_ATTEMPTS", auth.DefaultMaxFailedAttempts),
			LockDuration: envMinutesOrDefault("LOCKOUT_DURATION_MINUTES", int(auth.DefaultLockDuration/time.Minute)),
			Retention:    envMinutesOrDefault("LOCKOUT_RETENTION_MINUTES", int(auth.DefaultLockoutRetention/time.Minute)),
		},

		AdminEmail:       strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:    os.Getenv("ADMIN_PASSWORD"),
		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupBatchSize: envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
		CloudinaryURL:    strings.TrimSpace(os.Getenv("CLOUDINARY_URL")),
	}
	cfg.CookieSecure = EnvBoolOrDefault("COOKIE_SECURE", cfg.Env != "development")

	var err error
	if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret, err = mustEnv("JWT_SECRET"); err != nil {
		return Config{}, err
	}

	cfg.CSRFSecret = strings.TrimSpace(os.Getenv("CSRF_SECRET"))
	if cfg.CSRFSecret == "" {
		cfg.CSRFSecret = cfg.JWTSecret
		cfg.Warnings = append(cfg.Warnings, "CSRF_SECRET is not set; reusing JWT_SECRET")
	}

	switch cfg.StoreBackend {
	case StoreMemory:
		cfg.Warnings = append(cfg.Warnings, "memory store keeps guard state per instance")
	case StoreRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("missing required env: REDIS_URL")
		}
	case StorePostgres:
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if cfg.RateLimitFailOpen {
		cfg.Warnings = append(cfg.Warnings, "RATE_LIMIT_FAIL_OPEN is enabled; rate limits are skipped while the store is down")
	}

	return cfg, nil
}

func envPolicy(base ratelimit.Policy, prefix string) ratelimit.Policy {
	base.Max = envIntOrDefault(prefix+"_MAX", base.Max)
	base.Window = envSecondsOrDefault(prefix+"_WINDOW_SECONDS", int(base.Window/time.Second))
	return base
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
