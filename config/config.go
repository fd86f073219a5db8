// Package config loads server configuration from .env, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port int

	StoreDriver string // memory, sqlite or postgres
	SQLitePath  string
	DatabaseURL string

	RedisAddrs    []string
	RedisPassword string
	CacheTTL      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	WebhookSecret   string
	WebhookProvider string

	ReconcileInterval time.Duration
	CoinUSDRate       decimal.Decimal

	AdminToken     string
	AdminJWTSecret string

	LogLevel string
}

// Load reads envFiles (missing files are ignored), then the environment,
// then args.
func Load(args []string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("PORT: %w", err)
	}
	cacheTTL, err := time.ParseDuration(getEnv("CACHE_TTL", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("CACHE_TTL: %w", err)
	}
	reconcileInterval, err := time.ParseDuration(getEnv("RECONCILE_INTERVAL", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("RECONCILE_INTERVAL: %w", err)
	}

	cfg := Config{
		Port:              port,
		StoreDriver:       getEnv("STORE_DRIVER", "sqlite"),
		SQLitePath:        getEnv("SQLITE_PATH", "wallet.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisAddrs:        parseCSVEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		CacheTTL:          cacheTTL,
		KafkaBrokers:      parseCSVEnv("KAFKA_BROKERS", ""),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "wallet-events"),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),
		WebhookProvider:   getEnv("WEBHOOK_PROVIDER", "stripe"),
		ReconcileInterval: reconcileInterval,
		AdminToken:        getEnv("ADMIN_TOKEN", ""),
		AdminJWTSecret:    getEnv("ADMIN_JWT_SECRET", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	rate := getEnv("COIN_USD_RATE", "0.01")
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "storage driver: memory, sqlite or postgres")
	fs.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "reconciliation sweep interval (0 disables)")
	fs.StringVar(&rate, "coin-usd-rate", rate, "payout value of one coin in USD")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.CoinUSDRate, err = decimal.NewFromString(rate); err != nil {
		return Config{}, fmt.Errorf("COIN_USD_RATE: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if !c.CoinUSDRate.IsPositive() {
		return fmt.Errorf("COIN_USD_RATE must be positive, got %s", c.CoinUSDRate)
	}
	return nil
}

// NewLogger builds a production JSON logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseCSVEnv(key, fallback string) []string {
	val := getEnv(key, fallback)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
