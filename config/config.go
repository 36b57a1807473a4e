package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Backend
	Region          string // default: us-east-1
	BedrockEndpoint string // optional override, mainly for local stacks

	// Metering
	GlobalMaxTokensPerCall int     // per-call output token ceiling, default: 1024
	MonthlyLimit           float64 // USD ceiling per identity per month, default: 10.0

	// Ledger store
	StoreBackend      string // "postgres", "redis" or "memory"
	PostgresDSN       string
	RedisAddr         string
	MonthlyUsageTable string // default: bedrock_monthly_usage
	TransactionsTable string // default: bedrock_transactions

	// Models
	AllowedModels []string              // empty: every priced model is allowed
	ModelRates    map[string][2]float64 // modelId -> [input rate, output rate] per token

	// Identity
	STSEndpoint   string // optional override, mainly for tests
	JWKSURL       string
	TokenIssuer   string
	TokenAudience string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Region:               getEnv("REGION", "us-east-1"),
		BedrockEndpoint:      os.Getenv("BEDROCK_ENDPOINT"),
		StoreBackend:         getEnv("STORE_BACKEND", "memory"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		MonthlyUsageTable:    getEnv("MONTHLY_USAGE_TABLE", "bedrock_monthly_usage"),
		TransactionsTable:    getEnv("TRANSACTIONS_TABLE", "bedrock_transactions"),
		STSEndpoint:          os.Getenv("STS_ENDPOINT"),
		JWKSURL:              os.Getenv("JWKS_URL"),
		TokenIssuer:          os.Getenv("TOKEN_ISSUER"),
		TokenAudience:        os.Getenv("TOKEN_AUDIENCE"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	maxTokensStr := getEnv("GLOBAL_MAX_TOKENS_PER_CALL", "1024")
	maxTokens, err := strconv.Atoi(maxTokensStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GLOBAL_MAX_TOKENS_PER_CALL: %w", err)
	}
	cfg.GlobalMaxTokensPerCall = maxTokens

	limitStr := getEnv("MONTHLY_LIMIT", "10.0")
	limit, err := strconv.ParseFloat(limitStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MONTHLY_LIMIT: %w", err)
	}
	cfg.MonthlyLimit = limit

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if models := os.Getenv("ALLOWED_MODELS"); models != "" {
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.AllowedModels = append(cfg.AllowedModels, m)
			}
		}
	}

	if rates := os.Getenv("MODEL_RATES"); rates != "" {
		if err := json.Unmarshal([]byte(rates), &cfg.ModelRates); err != nil {
			return nil, fmt.Errorf("invalid MODEL_RATES: %w", err)
		}
	}

	// Validation
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want postgres, redis or memory)", cfg.StoreBackend)
	}
	if cfg.GlobalMaxTokensPerCall <= 0 {
		return nil, fmt.Errorf("GLOBAL_MAX_TOKENS_PER_CALL must be positive")
	}
	if cfg.MonthlyLimit <= 0 {
		return nil, fmt.Errorf("MONTHLY_LIMIT must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
