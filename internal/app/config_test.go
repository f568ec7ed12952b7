package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/fieldcrm")
	t.Setenv("JWT_SECRET", "jwt-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.False(t, cfg.RateLimitFailOpen)
	assert.False(t, cfg.CookieSecure, "development cookies are not secure by default")

	assert.Equal(t, 10, cfg.LoginPolicy.Max)
	assert.Equal(t, 15*time.Minute, cfg.LoginPolicy.Window)
	assert.Equal(t, 3, cfg.SignupPolicy.Max)
	assert.Equal(t, time.Hour, cfg.SignupPolicy.Window)
	assert.Equal(t, 100, cfg.APIPolicy.Max)
	assert.Equal(t, time.Minute, cfg.APIPolicy.Window)

	assert.Equal(t, 5, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Lockout.LockDuration)
	assert.Equal(t, time.Hour, cfg.Lockout.Retention)

	assert.Equal(t, "jwt-secret", cfg.CSRFSecret)
	assert.Contains(t, cfg.Warnings, "CSRF_SECRET is not set; reusing JWT_SECRET")
	assert.Empty(t, cfg.SignedURLSecret)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("CSRF_SECRET", "csrf-secret")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LOGIN_MAX", "7")
	t.Setenv("RATE_API_WINDOW_SECONDS", "30")
	t.Setenv("RATE_SIGNUP_MAX", "not-a-number")
	t.Setenv("LOCKOUT_DURATION_MINUTES", "-4")
	t.Setenv("RATE_LIMIT_FAIL_OPEN", "yes")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, "csrf-secret", cfg.CSRFSecret)
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.Equal(t, 7, cfg.LoginPolicy.Max)
	assert.Equal(t, "login", cfg.LoginPolicy.Name)
	assert.Equal(t, 30*time.Second, cfg.APIPolicy.Window)
	assert.Equal(t, 3, cfg.SignupPolicy.Max, "invalid values fall back to defaults")
	assert.Equal(t, 30*time.Minute, cfg.Lockout.LockDuration)
	assert.True(t, cfg.RateLimitFailOpen)
	assert.NotContains(t, cfg.Warnings, "CSRF_SECRET is not set; reusing JWT_SECRET")
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/fieldcrm")
		t.Setenv("JWT_SECRET", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("redis without url", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("STORE_BACKEND", "redis")
		t.Setenv("REDIS_URL", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "REDIS_URL")
	})

	t.Run("unknown backend", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("STORE_BACKEND", "memcached")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG", "off")
	assert.False(t, EnvBoolOrDefault("FLAG", true))
	t.Setenv("FLAG", "maybe")
	assert.True(t, EnvBoolOrDefault("FLAG", true))
	t.Setenv("FLAG", "1")
	assert.True(t, EnvBoolOrDefault("FLAG", false))
}
