package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig
	PayPal    PayPalConfig
	Escrow    EscrowConfig
	Server    ServerConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Events    EventsConfig
	Formance  FormanceConfig
	Prime     PrimeConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// PayPalConfig holds payment gateway credentials and endpoints
type PayPalConfig struct {
	BaseURL          string
	ClientId         string
	ClientSecret     string
	WebhookId        string
	PlatformFeeEmail string
	FrontendURL      string
	RequestTimeout   time.Duration
	// CertHosts restricts where webhook signing certificates may be fetched from.
	CertHosts []string
	// CertSubjects are the names a webhook signing certificate must be issued to.
	CertSubjects []string
}

// EscrowConfig holds the money rules for funding and withdrawals
type EscrowConfig struct {
	PolicyFile            string
	Currency              string
	PlatformFeePercentage decimal.Decimal
	MinimumBudget         decimal.Decimal
	MinWithdrawalCredits  decimal.Decimal
	MaxWithdrawalCredits  decimal.Decimal
	CreditsPerUSD         decimal.Decimal
	PendingOrderTTL       time.Duration
	FeeSettlementBackend  string // "paypal" or "prime"
	JournalBackend        string // "sqlite" or "formance"
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// SchedulerConfig holds cron expressions for background sweeps
type SchedulerConfig struct {
	Enabled                bool
	PendingOrderSweep      string
	FeeRetrySchedule       string
	ReconciliationSchedule string
}

// EventsConfig holds the message broker connection
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// PrimeConfig holds Coinbase Prime treasury settings
type PrimeConfig struct {
	AccessKey       string
	Passphrase      string
	SigningKey      string
	PortfolioId     string
	WalletId        string
	TreasuryAddress string
	Asset           string
}
