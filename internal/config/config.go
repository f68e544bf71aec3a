// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all settings for the server and the reconciliation worker.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string

	HTTPPort    string
	MetricsPort string // empty → /metrics served on the API port

	DatabaseURL     string // empty → in-memory store
	RedisURL        string // empty → no balance cache
	BalanceCacheTTL time.Duration

	KafkaBrokers             []string // empty → log-only reconciliation, no event publishing
	TopicBetPlaced           string
	TopicReferralRewarded    string
	TopicReconciliation      string
	TopicReconciliationDLQ   string // empty → failed items are only logged
	ReconciliationConsumerID string

	DefaultCurrency string
	OpeningBalance  decimal.Decimal

	TxLogRetryAttempts int
	TxLogRetryDelay    time.Duration
	WagerTimeout       time.Duration
}

// Load reads the environment. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", "local"),
		ServiceName: getEnv("SERVICE_NAME", "ledger-engine"),

		HTTPPort:    getEnv("HTTP_PORT", getEnv("PORT", "8080")),
		MetricsPort: getEnv("METRICS_PORT", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		TopicBetPlaced:           getEnv("KAFKA_TOPIC_BET_PLACED", "bet_placed"),
		TopicReferralRewarded:    getEnv("KAFKA_TOPIC_REFERRAL_REWARDED", "referral_rewarded"),
		TopicReconciliation:      getEnv("KAFKA_TOPIC_RECONCILIATION", "ledger_reconciliation"),
		TopicReconciliationDLQ:   getEnv("KAFKA_TOPIC_RECONCILIATION_DLQ", "ledger_reconciliation_dlq"),
		ReconciliationConsumerID: getEnv("KAFKA_GROUP_ID", "reconcile-worker"),

		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "coins"),
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.OpeningBalance, err = decimal.NewFromString(getEnv("OPENING_BALANCE", "1000")); err != nil {
		return nil, fmt.Errorf("OPENING_BALANCE: %w", err)
	}
	if cfg.OpeningBalance.IsNegative() {
		return nil, fmt.Errorf("OPENING_BALANCE must not be negative")
	}
	if cfg.BalanceCacheTTL, err = time.ParseDuration(getEnv("BALANCE_CACHE_TTL", "30s")); err != nil {
		return nil, fmt.Errorf("BALANCE_CACHE_TTL: %w", err)
	}
	if cfg.TxLogRetryAttempts, err = strconv.Atoi(getEnv("TX_LOG_RETRY_ATTEMPTS", "3")); err != nil {
		return nil, fmt.Errorf("TX_LOG_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.TxLogRetryAttempts < 1 {
		cfg.TxLogRetryAttempts = 1
	}
	if cfg.TxLogRetryDelay, err = time.ParseDuration(getEnv("TX_LOG_RETRY_DELAY", "50ms")); err != nil {
		return nil, fmt.Errorf("TX_LOG_RETRY_DELAY: %w", err)
	}
	if cfg.WagerTimeout, err = time.ParseDuration(getEnv("WAGER_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("WAGER_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// getEnv returns the environment value or the default.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
