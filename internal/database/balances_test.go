package database

import (
	"context"
	"errors"
	"testing"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestCreateUser_DuplicateEmail(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	createTestUser(t, service, "tester@example.com", models.RoleTester)

	_, err := service.CreateUser(context.Background(), store.CreateUserParams{
		Name: "Other", Email: "tester@example.com", Role: models.RoleTester,
	})
	if err == nil {
		t.Fatal("Expected error for duplicate email")
	}
}

func TestGetUserById_NotFound(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := service.GetUserById(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreditAndDebitUserBalance(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	tester := createTestUser(t, service, "tester@example.com", models.RoleTester)

	user, err := service.CreditUserBalance(ctx, store.BalanceChangeParams{
		UserId:          tester.Id,
		Amount:          decimal.NewFromInt(100),
		TransactionType: models.TxTypeBugReward,
		ExternalId:      "bug_reward:r1",
		CountAsAcquired: true,
		CountAsEarnings: true,
	})
	if err != nil {
		t.Fatalf("CreditUserBalance failed: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100, got %s", user.Balance)
	}
	if !user.TotalEarnings.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected earnings 100, got %s", user.TotalEarnings)
	}
	if !user.TotalCreditsAcquired.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected acquired 100, got %s", user.TotalCreditsAcquired)
	}

	user, err = service.DebitUserBalance(ctx, store.BalanceChangeParams{
		UserId:          tester.Id,
		Amount:          decimal.RequireFromString("30.50"),
		TransactionType: models.TxTypeWithdrawal,
	})
	if err != nil {
		t.Fatalf("DebitUserBalance failed: %v", err)
	}
	if !user.Balance.Equal(decimal.RequireFromString("69.50")) {
		t.Errorf("Expected balance 69.50, got %s", user.Balance)
	}
	if !user.TotalEarnings.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected debit to leave earnings at 100, got %s", user.TotalEarnings)
	}

	history, err := service.GetTransactionHistory(ctx, tester.Id, 10, 0)
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(history))
	}

	report, err := service.ReconcileUserBalance(ctx, tester.Id)
	if err != nil {
		t.Fatalf("ReconcileUserBalance failed: %v", err)
	}
	if !report.Balanced() {
		t.Errorf("Expected balanced user account, difference %s", report.Difference)
	}
}

func TestDebitUserBalance_Errors(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	tester := createTestUser(t, service, "tester@example.com", models.RoleTester)
	if _, err := service.CreditUserBalance(ctx, store.BalanceChangeParams{
		UserId: tester.Id, Amount: decimal.NewFromInt(10), TransactionType: models.TxTypeBugReward,
	}); err != nil {
		t.Fatalf("CreditUserBalance failed: %v", err)
	}

	tests := []struct {
		name     string
		params   store.BalanceChangeParams
		expected error
	}{
		{
			name:     "insufficient funds",
			params:   store.BalanceChangeParams{UserId: tester.Id, Amount: decimal.NewFromInt(11), TransactionType: models.TxTypeWithdrawal},
			expected: store.ErrInsufficientFunds,
		},
		{
			name:     "unknown user",
			params:   store.BalanceChangeParams{UserId: "missing", Amount: decimal.NewFromInt(1), TransactionType: models.TxTypeWithdrawal},
			expected: store.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.DebitUserBalance(ctx, tt.params)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	user, err := service.GetUserById(ctx, tester.Id)
	if err != nil {
		t.Fatalf("GetUserById failed: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected failed debits to leave balance 10, got %s", user.Balance)
	}
}

func TestCreditUserBalance_DuplicateExternalId(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	tester := createTestUser(t, service, "tester@example.com", models.RoleTester)
	params := store.BalanceChangeParams{
		UserId:          tester.Id,
		Amount:          decimal.NewFromInt(25),
		TransactionType: models.TxTypeBugReward,
		ExternalId:      "bug_reward:r1",
	}

	if _, err := service.CreditUserBalance(ctx, params); err != nil {
		t.Fatalf("First credit failed: %v", err)
	}
	if _, err := service.CreditUserBalance(ctx, params); !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Errorf("Expected ErrDuplicateTransaction, got %v", err)
	}

	user, _ := service.GetUserById(ctx, tester.Id)
	if !user.Balance.Equal(decimal.NewFromInt(25)) {
		t.Errorf("Expected balance 25 after duplicate credit, got %s", user.Balance)
	}
}

func TestAdjustUserBalance(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	tester := createTestUser(t, service, "tester@example.com", models.RoleTester)
	if _, err := service.CreditUserBalance(ctx, store.BalanceChangeParams{
		UserId: tester.Id, Amount: decimal.NewFromInt(50), TransactionType: models.TxTypeBugReward, CountAsAcquired: true,
	}); err != nil {
		t.Fatalf("CreditUserBalance failed: %v", err)
	}

	user, err := service.AdjustUserBalance(ctx, tester.Id, decimal.NewFromInt(80), "goodwill")
	if err != nil {
		t.Fatalf("AdjustUserBalance up failed: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Expected balance 80, got %s", user.Balance)
	}
	if !user.TotalCreditsAcquired.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Expected acquired 80, got %s", user.TotalCreditsAcquired)
	}

	user, err = service.AdjustUserBalance(ctx, tester.Id, decimal.NewFromInt(20), "clawback")
	if err != nil {
		t.Fatalf("AdjustUserBalance down failed: %v", err)
	}
	if !user.TotalCreditsAcquired.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Expected acquired to stay 80, got %s", user.TotalCreditsAcquired)
	}

	corrections, err := service.GetAccountBalance(ctx, models.AccountCorrections)
	if err != nil {
		t.Fatalf("GetAccountBalance failed: %v", err)
	}
	// 30 granted then 60 taken back
	if !corrections.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected corrections balance 30, got %s", corrections)
	}

	report, err := service.ReconcileUserBalance(ctx, tester.Id)
	if err != nil {
		t.Fatalf("ReconcileUserBalance failed: %v", err)
	}
	if !report.Balanced() {
		t.Errorf("Expected balanced user account, difference %s", report.Difference)
	}

	if _, err := service.AdjustUserBalance(ctx, tester.Id, decimal.NewFromInt(-1), "bad"); err == nil {
		t.Error("Expected error for negative balance")
	}
}
