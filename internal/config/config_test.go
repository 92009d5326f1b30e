package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Escrow.PlatformFeePercentage.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected fee percentage 15, got %s", cfg.Escrow.PlatformFeePercentage)
	}
	if !cfg.Escrow.MinimumBudget.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected minimum budget 20, got %s", cfg.Escrow.MinimumBudget)
	}
	if !cfg.Escrow.MinWithdrawalCredits.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected minimum withdrawal 500, got %s", cfg.Escrow.MinWithdrawalCredits)
	}
	if cfg.Escrow.PendingOrderTTL != time.Hour {
		t.Errorf("Expected pending order TTL 1h, got %v", cfg.Escrow.PendingOrderTTL)
	}
	if cfg.Database.Path != "escrow.db" {
		t.Errorf("Expected database path escrow.db, got %s", cfg.Database.Path)
	}
	if len(cfg.PayPal.CertSubjects) != 2 || cfg.PayPal.CertSubjects[0] != "messageverificationcerts.paypal.com" {
		t.Errorf("Unexpected webhook cert subjects %v", cfg.PayPal.CertSubjects)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("PENDING_ORDER_TTL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}

func TestLoad_InvalidFeePercentage(t *testing.T) {
	t.Setenv("PLATFORM_FEE_PERCENTAGE", "120")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for fee percentage above 100")
	}
}

func TestLoad_UnknownFeeBackend(t *testing.T) {
	t.Setenv("FEE_SETTLEMENT_BACKEND", "stripe")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown fee settlement backend")
	}
}

func TestLoad_EscrowPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	policy := `platform_fee_percentage: "10"
minimum_budget: "50"
pending_order_ttl: 30m
withdrawals:
  min_credits: "100"
  max_credits: "5000"
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	t.Setenv("ESCROW_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Escrow.PlatformFeePercentage.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected fee percentage 10, got %s", cfg.Escrow.PlatformFeePercentage)
	}
	if !cfg.Escrow.MinimumBudget.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected minimum budget 50, got %s", cfg.Escrow.MinimumBudget)
	}
	if !cfg.Escrow.MaxWithdrawalCredits.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected max withdrawal 5000, got %s", cfg.Escrow.MaxWithdrawalCredits)
	}
	if cfg.Escrow.PendingOrderTTL != 30*time.Minute {
		t.Errorf("Expected pending order TTL 30m, got %v", cfg.Escrow.PendingOrderTTL)
	}
	// Untouched by the policy file
	if !cfg.Escrow.CreditsPerUSD.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected credits per USD 1, got %s", cfg.Escrow.CreditsPerUSD)
	}
}

func TestLoad_EscrowPolicyFileInvalidDecimal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("minimum_budget: lots\n"), 0o600); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	t.Setenv("ESCROW_POLICY_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid minimum_budget")
	}
}
