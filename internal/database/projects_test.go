package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestMaterializeProject_Idempotent(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	dev := createTestUser(t, service, "dev@example.com", models.RoleDeveloper)
	project := createTestProject(t, service, dev.Id, "ORDER-1")

	if !project.RemainingBounty.Equal(decimal.NewFromInt(85)) {
		t.Errorf("Expected remaining bounty 85, got %s", project.RemainingBounty)
	}
	if project.FeeStatus != models.FeeStatusUncollected {
		t.Errorf("Expected fee status %s, got %s", models.FeeStatusUncollected, project.FeeStatus)
	}
	if project.Details.BugRewards.Critical.String() != "30" {
		t.Errorf("Expected critical reward 30, got %s", project.Details.BugRewards.Critical)
	}

	again, created, err := service.MaterializeProject(ctx, store.MaterializeProjectParams{
		PostedBy:              dev.Id,
		TotalBudget:           decimal.NewFromInt(100),
		PlatformFeePercentage: decimal.NewFromInt(15),
		PlatformFee:           decimal.NewFromInt(15),
		TotalBounty:           decimal.NewFromInt(85),
		PaypalOrderId:         "ORDER-1",
	})
	if err != nil {
		t.Fatalf("Second MaterializeProject failed: %v", err)
	}
	if created {
		t.Error("Expected second materialization to find the existing project")
	}
	if again.Id != project.Id {
		t.Errorf("Expected project %s, got %s", project.Id, again.Id)
	}

	projects, err := service.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 1 {
		t.Errorf("Expected 1 project, got %d", len(projects))
	}

	escrow, err := service.GetAccountBalance(ctx, models.ProjectEscrowAccount(project.Id))
	if err != nil {
		t.Fatalf("GetAccountBalance failed: %v", err)
	}
	if !escrow.Equal(decimal.NewFromInt(85)) {
		t.Errorf("Expected escrow journal balance 85, got %s", escrow)
	}
	fees, _ := service.GetAccountBalance(ctx, models.AccountPlatformFees)
	if !fees.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected platform fee balance 15, got %s", fees)
	}
}

func TestMaterializeProject_RejectsUnbalancedSplit(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	_, _, err := service.MaterializeProject(context.Background(), store.MaterializeProjectParams{
		PostedBy:      "dev",
		TotalBudget:   decimal.NewFromInt(100),
		PlatformFee:   decimal.NewFromInt(15),
		TotalBounty:   decimal.NewFromInt(80),
		PaypalOrderId: "ORDER-BAD",
	})
	if err == nil {
		t.Error("Expected error when fee plus bounty differs from budget")
	}
}

func TestProjectBounty_DebitAndCredit(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	dev := createTestUser(t, service, "dev@example.com", models.RoleDeveloper)
	project := createTestProject(t, service, dev.Id, "ORDER-1")

	updated, err := service.DebitProjectBounty(ctx, store.BountyChangeParams{
		ProjectId: project.Id, Amount: decimal.NewFromInt(30), TransactionType: models.TxTypeBugReward,
	})
	if err != nil {
		t.Fatalf("DebitProjectBounty failed: %v", err)
	}
	if !updated.RemainingBounty.Equal(decimal.NewFromInt(55)) {
		t.Errorf("Expected remaining bounty 55, got %s", updated.RemainingBounty)
	}

	tests := []struct {
		name     string
		debit    bool
		amount   int64
		expected error
	}{
		{"debit beyond remaining", true, 60, store.ErrInsufficientBounty},
		{"credit beyond total", false, 31, store.ErrBountyOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := store.BountyChangeParams{ProjectId: project.Id, Amount: decimal.NewFromInt(tt.amount), TransactionType: models.TxTypeRewardReversal}
			var err error
			if tt.debit {
				_, err = service.DebitProjectBounty(ctx, params)
			} else {
				_, err = service.CreditProjectBounty(ctx, params)
			}
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	updated, err = service.CreditProjectBounty(ctx, store.BountyChangeParams{
		ProjectId: project.Id, Amount: decimal.NewFromInt(30), TransactionType: models.TxTypeRewardReversal,
	})
	if err != nil {
		t.Fatalf("CreditProjectBounty failed: %v", err)
	}
	if !updated.RemainingBounty.Equal(updated.TotalBounty) {
		t.Errorf("Expected remaining bounty back at %s, got %s", updated.TotalBounty, updated.RemainingBounty)
	}

	if _, err := service.DebitProjectBounty(ctx, store.BountyChangeParams{
		ProjectId: "missing", Amount: decimal.NewFromInt(1), TransactionType: models.TxTypeBugReward,
	}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	clearing, _ := service.GetAccountBalance(ctx, models.AccountRewardClearing)
	if !clearing.IsZero() {
		t.Errorf("Expected clearing account to net to zero, got %s", clearing)
	}

	txns, err := service.GetProjectTransactions(ctx, project.Id)
	if err != nil {
		t.Fatalf("GetProjectTransactions failed: %v", err)
	}
	// funding, fee, debit, credit
	if len(txns) != 4 {
		t.Errorf("Expected 4 project transactions, got %d", len(txns))
	}
}

func TestClaimProjectFee(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	dev := createTestUser(t, service, "dev@example.com", models.RoleDeveloper)
	project := createTestProject(t, service, dev.Id, "ORDER-1")

	pending, err := service.ListProjectsWithUncollectedFee(ctx, 10)
	if err != nil {
		t.Fatalf("ListProjectsWithUncollectedFee failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 project with uncollected fee, got %d", len(pending))
	}

	claimed, err := service.ClaimProjectFee(ctx, project.Id)
	if err != nil {
		t.Fatalf("ClaimProjectFee failed: %v", err)
	}
	if claimed.FeeStatus != models.FeeStatusSending {
		t.Errorf("Expected fee status %s, got %s", models.FeeStatusSending, claimed.FeeStatus)
	}

	if _, err := service.ClaimProjectFee(ctx, project.Id); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition on second claim, got %v", err)
	}

	if err := service.UpdateProjectFee(ctx, store.UpdateProjectFeeParams{
		ProjectId: project.Id, Status: models.FeeStatusFailed, FailureReason: "RECEIVER_UNREGISTERED",
	}); err != nil {
		t.Fatalf("UpdateProjectFee failed: %v", err)
	}

	// a failed fee may be claimed again
	if _, err := service.ClaimProjectFee(ctx, project.Id); err != nil {
		t.Fatalf("ClaimProjectFee after failure failed: %v", err)
	}
	if err := service.UpdateProjectFee(ctx, store.UpdateProjectFeeParams{
		ProjectId: project.Id, Status: models.FeeStatusCollected, PayoutId: "BATCH-1",
	}); err != nil {
		t.Fatalf("UpdateProjectFee failed: %v", err)
	}

	pending, _ = service.ListProjectsWithUncollectedFee(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Expected no uncollected fees, got %d", len(pending))
	}
}

func TestSetProjectPaymentStatus(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	dev := createTestUser(t, service, "dev@example.com", models.RoleDeveloper)
	createTestProject(t, service, dev.Id, "ORDER-1")

	project, err := service.SetProjectPaymentStatus(ctx, "ORDER-1", models.PaymentStatusRefunded, "")
	if err != nil {
		t.Fatalf("SetProjectPaymentStatus failed: %v", err)
	}
	if project.PaymentStatus != models.PaymentStatusRefunded {
		t.Errorf("Expected payment status %s, got %s", models.PaymentStatusRefunded, project.PaymentStatus)
	}
	if project.PaypalPaymentId != "CAPTURE-ORDER-1" {
		t.Errorf("Expected payment id to be kept, got %s", project.PaypalPaymentId)
	}

	if _, err := service.SetProjectPaymentStatus(ctx, "ORDER-X", models.PaymentStatusPaid, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	project, err = service.ResetProjectPayment(ctx, "ORDER-1")
	if err != nil {
		t.Fatalf("ResetProjectPayment failed: %v", err)
	}
	if project.PaymentStatus != models.PaymentStatusPending || project.PaypalPaymentId != "" {
		t.Errorf("Expected pending with cleared payment id, got %s/%q", project.PaymentStatus, project.PaypalPaymentId)
	}
	if _, err := service.ResetProjectPayment(ctx, "ORDER-X"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReconcileProjectBounty_Repair(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	dev := createTestUser(t, service, "dev@example.com", models.RoleDeveloper)
	tester := createTestUser(t, service, "tester@example.com", models.RoleTester)
	project := createTestProject(t, service, dev.Id, "ORDER-1")

	report, err := service.CreateBugReport(ctx, store.CreateBugReportParams{
		ProjectId: project.Id, SubmittedBy: tester.Id, Title: "XSS", Severity: models.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("CreateBugReport failed: %v", err)
	}

	// approve the report without moving the bounty, as a crash between writes would
	reward := decimal.NewFromInt(30)
	if _, err := service.TransitionBugReport(ctx, store.TransitionBugReportParams{
		Id: report.Id, Action: "approve", From: []string{models.ReportStatusPending}, To: models.ReportStatusApproved,
		RewardAmount: &reward, RewardStatus: models.RewardStatusApproved, ApprovedBy: "admin",
	}); err != nil {
		t.Fatalf("TransitionBugReport failed: %v", err)
	}

	result, err := service.ReconcileProjectBounty(ctx, project.Id, false)
	if err != nil {
		t.Fatalf("ReconcileProjectBounty failed: %v", err)
	}
	if result.Balanced() {
		t.Fatal("Expected mismatch before repair")
	}
	if !result.Difference.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected difference 30, got %s", result.Difference)
	}

	if _, err := service.ReconcileProjectBounty(ctx, project.Id, true); err != nil {
		t.Fatalf("ReconcileProjectBounty repair failed: %v", err)
	}

	repaired, _ := service.GetProject(ctx, project.Id)
	if !repaired.RemainingBounty.Equal(decimal.NewFromInt(55)) {
		t.Errorf("Expected repaired remaining bounty 55, got %s", repaired.RemainingBounty)
	}

	result, err = service.ReconcileProjectBounty(ctx, project.Id, false)
	if err != nil {
		t.Fatalf("ReconcileProjectBounty after repair failed: %v", err)
	}
	if !result.Balanced() {
		t.Errorf("Expected balanced project after repair, difference %s", result.Difference)
	}
}

func TestPendingOrders(t *testing.T) {
	service, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()
	orders := []*models.PendingOrder{
		{OrderId: "LIVE", UserId: "dev", Total: decimal.NewFromInt(100), FeePct: decimal.NewFromInt(15), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			Details: models.ProjectDetails{Name: "Live"}},
		{OrderId: "STALE", UserId: "dev", Total: decimal.NewFromInt(50), FeePct: decimal.NewFromInt(15), CreatedAt: now, ExpiresAt: now.Add(-time.Minute)},
	}
	for _, order := range orders {
		if err := service.CreatePendingOrder(ctx, order); err != nil {
			t.Fatalf("CreatePendingOrder failed: %v", err)
		}
	}

	live, err := service.GetPendingOrder(ctx, "LIVE")
	if err != nil {
		t.Fatalf("GetPendingOrder failed: %v", err)
	}
	if live.Details.Name != "Live" || !live.Total.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Unexpected pending order: %+v", live)
	}

	if _, err := service.GetPendingOrder(ctx, "STALE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected expired order to be ErrNotFound, got %v", err)
	}

	purged, err := service.PurgeExpiredPendingOrders(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredPendingOrders failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged order, got %d", purged)
	}

	if err := service.DeletePendingOrder(ctx, "LIVE"); err != nil {
		t.Fatalf("DeletePendingOrder failed: %v", err)
	}
	if _, err := service.GetPendingOrder(ctx, "LIVE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected deleted order to be ErrNotFound, got %v", err)
	}
}
