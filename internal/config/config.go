/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	paypalSandboxURL = "https://api-m.sandbox.paypal.com"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	paypalTimeout, err := getEnvDuration("PAYPAL_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pendingOrderTTL, err := getEnvDuration("PENDING_ORDER_TTL", time.Hour)
	if err != nil {
		return nil, err
	}

	readTimeout, err := getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	writeTimeout, err := getEnvDuration("SERVER_WRITE_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, err
	}

	shutdownTimeout, err := getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	feePct, err := getEnvDecimal("PLATFORM_FEE_PERCENTAGE", decimal.NewFromInt(15))
	if err != nil {
		return nil, err
	}

	minBudget, err := getEnvDecimal("MINIMUM_PROJECT_BUDGET", decimal.NewFromInt(20))
	if err != nil {
		return nil, err
	}

	minWithdrawal, err := getEnvDecimal("MIN_WITHDRAWAL_CREDITS", decimal.NewFromInt(500))
	if err != nil {
		return nil, err
	}

	maxWithdrawal, err := getEnvDecimal("MAX_WITHDRAWAL_CREDITS", decimal.NewFromInt(1_000_000))
	if err != nil {
		return nil, err
	}

	creditsPerUSD, err := getEnvDecimal("CREDITS_PER_USD", decimal.NewFromInt(1))
	if err != nil {
		return nil, err
	}

	frontendURL := strings.TrimRight(getEnvString("FRONTEND_URL", "http://localhost:3000"), "/")

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "escrow.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		PayPal: models.PayPalConfig{
			BaseURL:          strings.TrimRight(getEnvString("PAYPAL_BASE_URL", paypalSandboxURL), "/"),
			ClientId:         os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret:     os.Getenv("PAYPAL_CLIENT_SECRET"),
			WebhookId:        os.Getenv("PAYPAL_WEBHOOK_ID"),
			PlatformFeeEmail: os.Getenv("PLATFORM_FEE_PAYPAL_EMAIL"),
			FrontendURL:      frontendURL,
			RequestTimeout:   paypalTimeout,
			CertHosts:        getEnvList("PAYPAL_CERT_HOSTS", []string{"api.paypal.com", "api.sandbox.paypal.com", "api-m.paypal.com", "api-m.sandbox.paypal.com"}),
			CertSubjects:     getEnvList("PAYPAL_CERT_SUBJECTS", []string{"messageverificationcerts.paypal.com", "messageverificationcerts.sandbox.paypal.com"}),
		},
		Escrow: models.EscrowConfig{
			PolicyFile:            os.Getenv("ESCROW_POLICY_FILE"),
			Currency:              getEnvString("ESCROW_CURRENCY", "USD"),
			PlatformFeePercentage: feePct,
			MinimumBudget:         minBudget,
			MinWithdrawalCredits:  minWithdrawal,
			MaxWithdrawalCredits:  maxWithdrawal,
			CreditsPerUSD:         creditsPerUSD,
			PendingOrderTTL:       pendingOrderTTL,
			FeeSettlementBackend:  getEnvString("FEE_SETTLEMENT_BACKEND", "paypal"),
			JournalBackend:        getEnvString("JOURNAL_BACKEND", "sqlite"),
		},
		Server: models.ServerConfig{
			Addr:            getEnvString("SERVER_ADDR", ":8080"),
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
		Auth: models.AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    os.Getenv("JWT_ISSUER"),
		},
		Scheduler: models.SchedulerConfig{
			Enabled:                getEnvBool("SCHEDULER_ENABLED", true),
			PendingOrderSweep:      getEnvString("PENDING_ORDER_SWEEP_SCHEDULE", "@every 5m"),
			FeeRetrySchedule:       getEnvString("FEE_RETRY_SCHEDULE", "@every 30m"),
			ReconciliationSchedule: getEnvString("RECONCILIATION_SCHEDULE", "0 3 * * *"),
		},
		Events: models.EventsConfig{
			AMQPURL:  os.Getenv("RABBITMQ_URL"),
			Exchange: getEnvString("EVENTS_EXCHANGE", "escrow.events"),
		},
		Formance: models.FormanceConfig{
			StackURL:     os.Getenv("FORMANCE_STACK_URL"),
			ClientID:     os.Getenv("FORMANCE_CLIENT_ID"),
			ClientSecret: os.Getenv("FORMANCE_CLIENT_SECRET"),
			LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "bounty-escrow"),
		},
		Prime: models.PrimeConfig{
			AccessKey:       os.Getenv("PRIME_ACCESS_KEY"),
			Passphrase:      os.Getenv("PRIME_PASSPHRASE"),
			SigningKey:      os.Getenv("PRIME_SIGNING_KEY"),
			PortfolioId:     os.Getenv("PRIME_PORTFOLIO_ID"),
			WalletId:        os.Getenv("PRIME_FEE_WALLET_ID"),
			TreasuryAddress: os.Getenv("PRIME_TREASURY_ADDRESS"),
			Asset:           getEnvString("PRIME_FEE_ASSET", "USDC"),
		},
	}

	if cfg.Escrow.PolicyFile != "" {
		if err := ApplyEscrowPolicy(cfg.Escrow.PolicyFile, &cfg.Escrow); err != nil {
			return nil, err
		}
	}

	if err := validateEscrow(cfg.Escrow); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateEscrow(cfg models.EscrowConfig) error {
	hundred := decimal.NewFromInt(100)
	if cfg.PlatformFeePercentage.IsNegative() || cfg.PlatformFeePercentage.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("platform fee percentage must be in [0, 100), got %s", cfg.PlatformFeePercentage)
	}
	if !cfg.MinimumBudget.IsPositive() {
		return fmt.Errorf("minimum project budget must be positive, got %s", cfg.MinimumBudget)
	}
	if cfg.MinWithdrawalCredits.GreaterThan(cfg.MaxWithdrawalCredits) {
		return fmt.Errorf("minimum withdrawal %s exceeds maximum %s", cfg.MinWithdrawalCredits, cfg.MaxWithdrawalCredits)
	}
	if !cfg.CreditsPerUSD.IsPositive() {
		return fmt.Errorf("credits per USD must be positive, got %s", cfg.CreditsPerUSD)
	}
	if cfg.PendingOrderTTL <= 0 {
		return fmt.Errorf("pending order TTL must be positive, got %v", cfg.PendingOrderTTL)
	}
	switch cfg.FeeSettlementBackend {
	case "paypal", "prime":
	default:
		return fmt.Errorf("unknown FEE_SETTLEMENT_BACKEND %q", cfg.FeeSettlementBackend)
	}
	switch cfg.JournalBackend {
	case "sqlite", "formance":
	default:
		return fmt.Errorf("unknown JOURNAL_BACKEND %q", cfg.JournalBackend)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
