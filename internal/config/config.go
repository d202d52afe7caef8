package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/nfcpay/cardledger/internal/money"
)

const (
	defaultAppName             = "CardLedger"
	defaultAppEnv              = "development"
	defaultPort                = "8080"
	defaultLogLevel            = "info"
	defaultShutdownDelay       = 10 * time.Second
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultLockTimeout         = 2 * time.Second
	defaultLedgerTimezone      = "Africa/Brazzaville"
	defaultCurrency            = "XAF"
	defaultDailyLimit          = 500_000
	defaultLowBalanceThreshold = 1_000
	defaultKafkaTopic          = "card-ledger-events"
	defaultPINMaxFailures      = 3

	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	lockTimeoutMillisEnvVar = "CARD_LOCK_TIMEOUT_MS"
	lockTimeoutDurEnvVar    = "CARD_LOCK_TIMEOUT"
	pinWindowSecondsEnvVar  = "PIN_ATTEMPT_WINDOW_SECONDS"
	pinWindowDurationEnvVar = "PIN_ATTEMPT_WINDOW"
	lockBackendLocal        = "local"
	lockBackendRedis        = "redis"
	environmentDevelopment  = "development"
	environmentTest         = "test"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	LedgerLocation     *time.Location
	DefaultCurrency    string
	DefaultDailyLimit  int64
	MaxTopUpAmount     int64
	AllowInactiveTopUp bool
	RequirePurchasePIN bool

	CardLockBackend  string
	CardLockTimeout  time.Duration
	PINMaxFailures   int
	PINAttemptWindow time.Duration

	MobileMoneySecret   string
	KafkaBrokers        []string
	KafkaTopic          string
	LowBalanceThreshold int64
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory is read first if present;
// variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		ShutdownPeriod:    defaultShutdownDelay,
		IdempotencyTTL:    defaultIdempotencyTTL,
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
		CardLockBackend:   strings.ToLower(getEnv("CARD_LOCK_BACKEND", "")),
		CardLockTimeout:   defaultLockTimeout,
		PINAttemptWindow:  15 * time.Minute,
		MobileMoneySecret: os.Getenv("MOBILE_MONEY_SECRET"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", defaultKafkaTopic),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, time.Second, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, time.Second, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.CardLockTimeout, err = durationEnv(lockTimeoutMillisEnvVar, time.Millisecond, lockTimeoutDurEnvVar, cfg.CardLockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PINAttemptWindow, err = durationEnv(pinWindowSecondsEnvVar, time.Second, pinWindowDurationEnvVar, cfg.PINAttemptWindow); err != nil {
		return Config{}, err
	}

	tz := getEnv("LEDGER_TIMEZONE", defaultLedgerTimezone)
	if cfg.LedgerLocation, err = time.LoadLocation(tz); err != nil {
		return Config{}, fmt.Errorf("invalid LEDGER_TIMEZONE: %w", err)
	}

	if !money.ValidCurrency(cfg.DefaultCurrency) {
		return Config{}, fmt.Errorf("invalid DEFAULT_CURRENCY %q", cfg.DefaultCurrency)
	}
	if cfg.DefaultDailyLimit, err = int64Env("DEFAULT_DAILY_LIMIT", defaultDailyLimit); err != nil {
		return Config{}, err
	}
	if cfg.MaxTopUpAmount, err = int64Env("MAX_TOPUP_AMOUNT", 0); err != nil {
		return Config{}, err
	}
	if cfg.LowBalanceThreshold, err = int64Env("LOW_BALANCE_THRESHOLD", defaultLowBalanceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AllowInactiveTopUp, err = boolEnv("ALLOW_INACTIVE_TOPUP", true); err != nil {
		return Config{}, err
	}
	if cfg.RequirePurchasePIN, err = boolEnv("REQUIRE_PURCHASE_PIN", false); err != nil {
		return Config{}, err
	}
	maxFailures, err := int64Env("PIN_MAX_FAILURES", defaultPINMaxFailures)
	if err != nil {
		return Config{}, err
	}
	cfg.PINMaxFailures = int(maxFailures)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	switch cfg.CardLockBackend {
	case "":
		cfg.CardLockBackend = lockBackendLocal
		if cfg.RedisURL != "" {
			cfg.CardLockBackend = lockBackendRedis
		}
	case lockBackendLocal:
	case lockBackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("CARD_LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return Config{}, fmt.Errorf("invalid CARD_LOCK_BACKEND %q", cfg.CardLockBackend)
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.MobileMoneySecret == "" {
			return Config{}, fmt.Errorf("MOBILE_MONEY_SECRET must be set")
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == environmentDevelopment || c.AppEnv == environmentTest
}

// UsesRedisLocks reports whether card locks are taken in Redis.
func (c Config) UsesRedisLocks() bool {
	return c.CardLockBackend == lockBackendRedis
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

// durationEnv reads countKey as an integer number of unit, falling back to
// durKey as a Go duration string.
func durationEnv(countKey string, unit time.Duration, durKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(countKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", countKey, err)
		}
		return time.Duration(n) * unit, nil
	}
	if v := os.Getenv(durKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func int64Env(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
