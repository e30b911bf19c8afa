package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreREST     = "rest"
	StoreMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Accounts
	AccountStore           string // postgres, redis, rest or memory; default: postgres
	SupabaseURL            string
	SupabaseServiceRoleKey string

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	ReplicateAPIToken string

	// Admin
	AdminIDs map[int64]bool

	// Ledger
	StoreTimeout      time.Duration // default: 10s
	LedgerCASAttempts int           // default: 3
	PricingFile       string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info

	// Rate Limiting
	GenerationsPerMinute int // per user, default: 10

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		AccountStore:           strings.ToLower(getEnv("ACCOUNT_STORE", StorePostgres)),
		SupabaseURL:            strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		PostgresDSN:            os.Getenv("POSTGRES_DSN"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		ReplicateAPIToken:      os.Getenv("REPLICATE_API_TOKEN"),
		PricingFile:            os.Getenv("PRICING_FILE"),
		OTELExporterType:       getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:   getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		RunSeed:                os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.StoreTimeout, err = time.ParseDuration(getEnv("STORE_TIMEOUT", "10s")); err != nil || cfg.StoreTimeout <= 0 {
		return nil, fmt.Errorf("invalid STORE_TIMEOUT: %q", os.Getenv("STORE_TIMEOUT"))
	}
	if cfg.LedgerCASAttempts, err = positiveInt("LEDGER_CAS_ATTEMPTS", "3"); err != nil {
		return nil, err
	}
	if cfg.GenerationsPerMinute, err = positiveInt("GENERATIONS_PER_MINUTE", "10"); err != nil {
		return nil, err
	}
	if cfg.AdminIDs, err = parseIDs(os.Getenv("ADMIN_IDS")); err != nil {
		return nil, fmt.Errorf("invalid ADMIN_IDS: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.ReplicateAPIToken == "" {
		return nil, fmt.Errorf("REPLICATE_API_TOKEN is required")
	}
	switch cfg.AccountStore {
	case StorePostgres, StoreRedis, StoreMemory:
	case StoreREST:
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
			return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for ACCOUNT_STORE=rest")
		}
	default:
		return nil, fmt.Errorf("invalid ACCOUNT_STORE: %q", cfg.AccountStore)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func positiveInt(key, fallback string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, os.Getenv(key))
	}
	return n, nil
}

func parseIDs(s string) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, nil
}
