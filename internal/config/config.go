package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "WalletLedger"
	defaultAppEnv         = "development"
	defaultPort           = "3000"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLockTimeout    = 5 * time.Second
	defaultBalanceTTL     = 30 * time.Second
	defaultAssetTypeID    = 1
	defaultSystemSeed     = 1_000_000
	defaultRatePerMinute  = 120
	defaultEventStream    = "stream:ledger"
	defaultEventStreamLen = 100_000
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName   string
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	DBMaxConns  int32
	RedisURL    string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LockTimeout    time.Duration
	BalanceTTL     time.Duration

	DefaultAssetTypeID    int64
	SystemWalletSeed      int64
	RequireIdempotencyKey bool
	RateLimitPerMinute    int

	EventStream       string
	EventStreamMaxLen int64
}

// Load reads an optional .env file, then populates a Config from the environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		EventStream: getEnv("EVENT_STREAM", defaultEventStream),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = durationEnv("LOCK_TIMEOUT", defaultLockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BalanceTTL, err = durationEnv("BALANCE_CACHE_TTL", defaultBalanceTTL); err != nil {
		return Config{}, err
	}
	if cfg.DefaultAssetTypeID, err = intEnv("DEFAULT_ASSET_TYPE_ID", defaultAssetTypeID); err != nil {
		return Config{}, err
	}
	if cfg.SystemWalletSeed, err = intEnv("SYSTEM_WALLET_SEED", defaultSystemSeed); err != nil {
		return Config{}, err
	}
	if cfg.EventStreamMaxLen, err = intEnv("EVENT_STREAM_MAXLEN", defaultEventStreamLen); err != nil {
		return Config{}, err
	}
	rate, err := intEnv("RATE_LIMIT_PER_MINUTE", defaultRatePerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerMinute = int(rate)
	maxConns, err := intEnv("DB_MAX_CONNS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.DBMaxConns = int32(maxConns)

	if v := os.Getenv("REQUIRE_IDEMPOTENCY_KEY"); v != "" {
		cfg.RequireIdempotencyKey, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REQUIRE_IDEMPOTENCY_KEY: %w", err)
		}
	}

	if cfg.DefaultAssetTypeID <= 0 {
		return Config{}, fmt.Errorf("DEFAULT_ASSET_TYPE_ID must be positive")
	}
	if cfg.SystemWalletSeed < 0 {
		return Config{}, fmt.Errorf("SYSTEM_WALLET_SEED must not be negative")
	}
	if cfg.LockTimeout <= 0 {
		return Config{}, fmt.Errorf("LOCK_TIMEOUT must be positive")
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the in-memory fallbacks are allowed.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads KEY_SECONDS as whole seconds, falling back to KEY as a Go duration.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
