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
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Bucket is one rate-limit bucket: at most Max requests per Window
type Bucket struct {
	Max    int
	Window time.Duration
}

// Config holds the application configuration
type Config struct {
	Port        string
	AppEnv      string
	LogLevel    string
	StoreDriver string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	OTPDevMode  bool

	AccessTokenTTL       time.Duration
	RegistrationTokenTTL time.Duration
	ChallengeTTL         time.Duration
	OTPTTL               time.Duration
	RefreshTokenTTL      time.Duration
	RevalidationWindow   time.Duration
	WebhookTimeout       time.Duration

	AuthRateLimit     Bucket
	RecoveryRateLimit Bucket
	ProviderRateLimit Bucket
}

// configFile mirrors config.yaml; every key is optional.
type configFile struct {
	Server struct {
		Port     string `yaml:"port"`
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"store"`
	Auth struct {
		OTPDevMode           *bool         `yaml:"otp_dev_mode"`
		AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
		RegistrationTokenTTL time.Duration `yaml:"registration_token_ttl"`
		ChallengeTTL         time.Duration `yaml:"challenge_ttl"`
		OTPTTL               time.Duration `yaml:"otp_ttl"`
		RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
		RevalidationWindow   time.Duration `yaml:"revalidation_window"`
	} `yaml:"auth"`
	Webhook struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"webhook"`
	RateLimits map[string]struct {
		Max    int           `yaml:"max"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rate_limits"`
}

// Defaults returns the configuration used before any file or environment is read.
func Defaults() Config {
	return Config{
		Port:                 "8080",
		AppEnv:               "development",
		LogLevel:             "info",
		StoreDriver:          StorePostgres,
		AccessTokenTTL:       15 * time.Minute,
		RegistrationTokenTTL: 15 * time.Minute,
		ChallengeTTL:         60 * time.Second,
		OTPTTL:               5 * time.Minute,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		RevalidationWindow:   42 * time.Hour,
		WebhookTimeout:       5 * time.Second,
		AuthRateLimit:        Bucket{Max: 30, Window: time.Minute},
		RecoveryRateLimit:    Bucket{Max: 10, Window: 10 * time.Minute},
		ProviderRateLimit:    Bucket{Max: 120, Window: time.Minute},
	}
}

// Load resolves configuration in priority order: defaults -> YAML file -> .env -> environment.
// The YAML path comes from CONFIG_FILE (default config.yaml); a missing file is not an error.
func Load() (*Config, error) {
	cfg := Defaults()

	// godotenv never overrides variables already set in the process environment.
	// It runs first so .env may name CONFIG_FILE; env values still win over the file.
	_ = godotenv.Load(".env")

	path := envOrDefault("CONFIG_FILE", "config.yaml")
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	c.Port = orString(f.Server.Port, c.Port)
	c.AppEnv = orString(f.Server.Env, c.AppEnv)
	c.LogLevel = orString(f.Server.LogLevel, c.LogLevel)
	c.StoreDriver = orString(f.Store.Driver, c.StoreDriver)
	c.DatabaseURL = orString(f.Store.DatabaseURL, c.DatabaseURL)
	c.RedisURL = orString(f.Store.RedisURL, c.RedisURL)
	if f.Auth.OTPDevMode != nil {
		c.OTPDevMode = *f.Auth.OTPDevMode
	}
	c.AccessTokenTTL = orDuration(f.Auth.AccessTokenTTL, c.AccessTokenTTL)
	c.RegistrationTokenTTL = orDuration(f.Auth.RegistrationTokenTTL, c.RegistrationTokenTTL)
	c.ChallengeTTL = orDuration(f.Auth.ChallengeTTL, c.ChallengeTTL)
	c.OTPTTL = orDuration(f.Auth.OTPTTL, c.OTPTTL)
	c.RefreshTokenTTL = orDuration(f.Auth.RefreshTokenTTL, c.RefreshTokenTTL)
	c.RevalidationWindow = orDuration(f.Auth.RevalidationWindow, c.RevalidationWindow)
	c.WebhookTimeout = orDuration(f.Webhook.Timeout, c.WebhookTimeout)

	for name, b := range f.RateLimits {
		var target *Bucket
		switch name {
		case "auth":
			target = &c.AuthRateLimit
		case "recovery":
			target = &c.RecoveryRateLimit
		case "provider":
			target = &c.ProviderRateLimit
		default:
			return fmt.Errorf("parse config file: unknown rate limit bucket %q", name)
		}
		if b.Max > 0 {
			target.Max = b.Max
		}
		target.Window = orDuration(b.Window, target.Window)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOrDefault("PORT", c.Port)
	c.AppEnv = envOrDefault("APP_ENV", c.AppEnv)
	c.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", c.LogLevel))
	c.StoreDriver = strings.ToLower(envOrDefault("STORE_DRIVER", c.StoreDriver))
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.JWTSecret = envOrDefault("JWT_SECRET", c.JWTSecret)
	c.OTPDevMode = envBool("OTP_DEV_MODE", c.OTPDevMode)

	c.AccessTokenTTL = envDuration("ACCESS_TOKEN_TTL", c.AccessTokenTTL)
	c.RegistrationTokenTTL = envDuration("REGISTRATION_TOKEN_TTL", c.RegistrationTokenTTL)
	c.ChallengeTTL = envDuration("CHALLENGE_TTL", c.ChallengeTTL)
	c.OTPTTL = envDuration("OTP_TTL", c.OTPTTL)
	c.RefreshTokenTTL = envDuration("REFRESH_TOKEN_TTL", c.RefreshTokenTTL)
	c.RevalidationWindow = envDuration("REVALIDATION_WINDOW", c.RevalidationWindow)
	c.WebhookTimeout = envDuration("WEBHOOK_TIMEOUT", c.WebhookTimeout)

	c.AuthRateLimit = envBucket("AUTH_RATE_LIMIT", c.AuthRateLimit)
	c.RecoveryRateLimit = envBucket("RECOVERY_RATE_LIMIT", c.RecoveryRateLimit)
	c.ProviderRateLimit = envBucket("PROVIDER_RATE_LIMIT", c.ProviderRateLimit)
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}

	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if c.OTPDevMode && c.IsProduction() {
		return errors.New("OTP_DEV_MODE must not be enabled when APP_ENV=production")
	}

	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":       c.AccessTokenTTL,
		"REGISTRATION_TOKEN_TTL": c.RegistrationTokenTTL,
		"CHALLENGE_TTL":          c.ChallengeTTL,
		"OTP_TTL":                c.OTPTTL,
		"REFRESH_TOKEN_TTL":      c.RefreshTokenTTL,
		"REVALIDATION_WINDOW":    c.RevalidationWindow,
		"WEBHOOK_TIMEOUT":        c.WebhookTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, b := range map[string]Bucket{
		"AUTH_RATE_LIMIT":     c.AuthRateLimit,
		"RECOVERY_RATE_LIMIT": c.RecoveryRateLimit,
		"PROVIDER_RATE_LIMIT": c.ProviderRateLimit,
	} {
		if b.Max <= 0 || b.Window <= 0 {
			return fmt.Errorf("%s_MAX and %s_WINDOW must be positive", name, name)
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envDuration accepts Go duration strings ("90s", "42h").
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func envBucket(prefix string, fallback Bucket) Bucket {
	return Bucket{
		Max:    envInt(prefix+"_MAX", fallback.Max),
		Window: envDuration(prefix+"_WINDOW", fallback.Window),
	}
}
