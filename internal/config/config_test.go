package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func isolate(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "APP_ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "JWT_SECRET",
		"OTP_DEV_MODE", "CHALLENGE_TTL", "REVALIDATION_WINDOW", "AUTH_RATE_LIMIT_MAX", "AUTH_RATE_LIMIT_WINDOW",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "missing.yaml"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 15*time.Minute, cfg.RegistrationTokenTTL)
	assert.Equal(t, 60*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, 5*time.Minute, cfg.OTPTTL)
	assert.Equal(t, 720*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 42*time.Hour, cfg.RevalidationWindow)
	assert.Equal(t, Bucket{Max: 30, Window: time.Minute}, cfg.AuthRateLimit)
	assert.Equal(t, Bucket{Max: 10, Window: 10 * time.Minute}, cfg.RecoveryRateLimit)
	assert.Equal(t, Bucket{Max: 120, Window: time.Minute}, cfg.ProviderRateLimit)
}

func TestLoad_RequiresSecrets(t *testing.T) {
	isolate(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("STORE_DRIVER", "memory")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "short")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoad_DevModeForbiddenInProduction(t *testing.T) {
	isolate(t)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("OTP_DEV_MODE", "true")
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTP_DEV_MODE")
}

func TestLoad_FileThenEnvPriority(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
store:
  driver: memory
auth:
  challenge_ttl: 30s
  revalidation_window: 24h
rate_limits:
  auth:
    max: 5
    window: 2m
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("REVALIDATION_WINDOW", "12h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.ChallengeTTL)
	assert.Equal(t, 12*time.Hour, cfg.RevalidationWindow, "env overrides file")
	assert.Equal(t, Bucket{Max: 5, Window: 2 * time.Minute}, cfg.AuthRateLimit)
}

func TestLoad_DotEnvCanNameConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9100\"\nstore:\n  driver: memory\n"), 0o600))
	require.NoError(t, os.WriteFile(".env", []byte("CONFIG_FILE="+path+"\nJWT_SECRET="+testSecret+"\n"), 0o600))

	// isolate set these to empty; godotenv only fills variables that are absent.
	require.NoError(t, os.Unsetenv("CONFIG_FILE"))
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
}

func TestLoad_RejectsUnknownBucket(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limits:\n  bogus:\n    max: 1\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", testSecret)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}
