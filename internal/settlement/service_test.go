package settlement

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bounty-escrow-go/internal/database"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
)

type testEnv struct {
	service *Service
	ledger  *database.Service
	admin   context.Context
	dev     *models.User
	tester  *models.User
	project *models.Project
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupTestEnvWith(t, models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
}

func setupTestEnvWith(t *testing.T, cfg models.DatabaseConfig) *testEnv {
	t.Helper()
	ctx := context.Background()

	ledger, err := database.NewService(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(ledger.Close)

	users := map[string]*models.User{}
	for _, role := range []string{models.RoleAdmin, models.RoleDeveloper, models.RoleTester} {
		user, err := ledger.CreateUser(ctx, store.CreateUserParams{Name: role, Email: role + "@example.com", Role: role})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		users[role] = user
	}

	project, _, err := ledger.MaterializeProject(ctx, store.MaterializeProjectParams{
		PostedBy: users[models.RoleDeveloper].Id,
		Details: models.ProjectDetails{
			Name:        "Checkout",
			ProjectLink: "https://example.com",
			BugRewards: models.BugRewards{
				Critical: decimal.NewFromInt(30),
				Major:    decimal.NewFromInt(15),
				Minor:    decimal.NewFromInt(5),
			},
		},
		TotalBudget:           decimal.NewFromInt(100),
		PlatformFeePercentage: decimal.NewFromInt(15),
		PlatformFee:           decimal.NewFromInt(15),
		TotalBounty:           decimal.NewFromInt(85),
		PaypalOrderId:         "ORDER-1",
		PaypalPaymentId:       "CAP-1",
	})
	if err != nil {
		t.Fatalf("MaterializeProject failed: %v", err)
	}

	admin := users[models.RoleAdmin]
	return &testEnv{
		service: NewService(ledger, nil),
		ledger:  ledger,
		admin:   models.WithActor(ctx, models.Actor{UserId: admin.Id, Role: admin.Role}),
		dev:     users[models.RoleDeveloper],
		tester:  users[models.RoleTester],
		project: project,
	}
}

func (e *testEnv) report(t *testing.T, severity string) *models.BugReport {
	t.Helper()
	report, err := e.ledger.CreateBugReport(context.Background(), store.CreateBugReportParams{
		ProjectId:   e.project.Id,
		SubmittedBy: e.tester.Id,
		Title:       severity + " bug",
		Severity:    severity,
	})
	if err != nil {
		t.Fatalf("CreateBugReport failed: %v", err)
	}
	return report
}

// interruptingStore cancels the caller's context once a bounty debit commits
// and fails the first failTransitions report transitions.
type interruptingStore struct {
	store.LedgerStore
	cancel          context.CancelFunc
	failTransitions int
}

func (s *interruptingStore) DebitProjectBounty(ctx context.Context, params store.BountyChangeParams) (*models.Project, error) {
	project, err := s.LedgerStore.DebitProjectBounty(ctx, params)
	if err == nil && s.cancel != nil {
		s.cancel()
	}
	return project, err
}

func (s *interruptingStore) DebitUserBalance(ctx context.Context, params store.BalanceChangeParams) (*models.User, error) {
	user, err := s.LedgerStore.DebitUserBalance(ctx, params)
	if err == nil && s.cancel != nil {
		s.cancel()
	}
	return user, err
}

func (s *interruptingStore) TransitionBugReport(ctx context.Context, params store.TransitionBugReportParams) (*models.BugReport, error) {
	if s.failTransitions > 0 {
		s.failTransitions--
		return nil, errors.New("database is locked")
	}
	return s.LedgerStore.TransitionBugReport(ctx, params)
}

func (e *testEnv) settle(t *testing.T, reportId string, action Action, amount string) *models.SettlementResult {
	t.Helper()
	params := SettleRewardParams{ReportId: reportId, Action: action}
	if amount != "" {
		d := decimal.RequireFromString(amount)
		params.Amount = &d
	}
	result, err := e.service.SettleReward(e.admin, params)
	if err != nil {
		t.Fatalf("SettleReward(%s) failed: %v", action, err)
	}
	return result
}

func (e *testEnv) assertBalances(t *testing.T, remaining, balance string) {
	t.Helper()
	ctx := context.Background()
	project, err := e.ledger.GetProject(ctx, e.project.Id)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if !project.RemainingBounty.Equal(decimal.RequireFromString(remaining)) {
		t.Errorf("Expected remaining bounty %s, got %s", remaining, project.RemainingBounty)
	}
	tester, err := e.ledger.GetUserById(ctx, e.tester.Id)
	if err != nil {
		t.Fatalf("GetUserById failed: %v", err)
	}
	if !tester.Balance.Equal(decimal.RequireFromString(balance)) {
		t.Errorf("Expected tester balance %s, got %s", balance, tester.Balance)
	}
}

func TestApprove_SeverityDefault(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)

	result := env.settle(t, report.Id, ActionApprove, "")

	if result.Status != models.ReportStatusApproved || !result.RewardAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected approved with reward 30, got %s/%s", result.Status, result.RewardAmount)
	}
	if !result.RemainingBounty.Equal(decimal.NewFromInt(55)) {
		t.Errorf("Expected remaining bounty 55, got %s", result.RemainingBounty)
	}
	env.assertBalances(t, "55", "30")

	tester, _ := env.ledger.GetUserById(context.Background(), env.tester.Id)
	if !tester.TotalEarnings.Equal(decimal.NewFromInt(30)) || !tester.TotalCreditsAcquired.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected earnings and acquired 30, got %s/%s", tester.TotalEarnings, tester.TotalCreditsAcquired)
	}

	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: report.Id, Action: ActionApprove})
	var stateErr *store.StateError
	if !errors.As(err, &stateErr) || stateErr.Current != models.ReportStatusApproved {
		t.Errorf("Expected StateError with current status approved, got %v", err)
	}
	env.assertBalances(t, "55", "30")
}

func TestApprove_SeverityOverrideAndExplicitAmount(t *testing.T) {
	env := setupTestEnv(t)
	minor := env.report(t, models.SeverityMinor)
	major := env.report(t, models.SeverityMajor)

	_, err := env.service.SettleReward(env.admin, SettleRewardParams{
		ReportId: minor.Id,
		Action:   ActionApprove,
		Severity: models.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("Approve with override failed: %v", err)
	}
	approved, _ := env.ledger.GetBugReport(context.Background(), minor.Id)
	if approved.Severity != models.SeverityCritical || !approved.RewardAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected critical/30, got %s/%s", approved.Severity, approved.RewardAmount)
	}

	env.settle(t, major.Id, ActionApprove, "12.50")
	env.assertBalances(t, "42.5", "42.5")
}

func TestApprove_InsufficientBounty(t *testing.T) {
	env := setupTestEnv(t)
	first := env.report(t, models.SeverityCritical)
	second := env.report(t, models.SeverityCritical)

	env.settle(t, first.Id, ActionApprove, "75")
	env.assertBalances(t, "10", "75")

	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: second.Id, Action: ActionApprove})
	if !errors.Is(err, store.ErrInsufficientBounty) {
		t.Fatalf("Expected ErrInsufficientBounty, got %v", err)
	}
	if !strings.Contains(err.Error(), "remaining bounty 10") {
		t.Errorf("Expected remaining bounty in error, got %v", err)
	}
	env.assertBalances(t, "10", "75")

	report, _ := env.ledger.GetBugReport(context.Background(), second.Id)
	if report.Status != models.ReportStatusPending {
		t.Errorf("Expected report to stay pending, got %s", report.Status)
	}
}

func TestRejectResolveReopen(t *testing.T) {
	env := setupTestEnv(t)
	rejected := env.report(t, models.SeverityMinor)
	resolved := env.report(t, models.SeverityCritical)

	env.settle(t, rejected.Id, ActionReject, "")
	if _, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: rejected.Id, Action: ActionResolve}); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition resolving a rejected report, got %v", err)
	}

	env.settle(t, resolved.Id, ActionApprove, "")
	env.settle(t, resolved.Id, ActionResolve, "")
	env.assertBalances(t, "55", "30")

	if _, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: rejected.Id, Action: ActionReopen}); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition reopening a rejected report, got %v", err)
	}

	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: resolved.Id, Action: ActionReopen, Notes: "regression"})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	report, _ := env.ledger.GetBugReport(context.Background(), resolved.Id)
	if report.Status != models.ReportStatusApproved {
		t.Errorf("Expected approved after reopen, got %s", report.Status)
	}
	if !strings.HasSuffix(report.AdminNotes, "Reopened by admin: regression") {
		t.Errorf("Expected reopen note, got %q", report.AdminNotes)
	}
	env.assertBalances(t, "55", "30")
}

func TestUpdateReward(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)
	env.settle(t, report.Id, ActionApprove, "")

	result := env.settle(t, report.Id, ActionUpdateReward, "40")
	if !result.RewardAmount.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Expected reward 40, got %s", result.RewardAmount)
	}
	env.assertBalances(t, "45", "40")

	env.settle(t, report.Id, ActionUpdateReward, "25")
	env.assertBalances(t, "60", "25")

	updated, _ := env.ledger.GetBugReport(context.Background(), report.Id)
	if !strings.Contains(updated.AdminNotes, "Reward updated from $40.00 to $25.00 by admin") {
		t.Errorf("Expected update note, got %q", updated.AdminNotes)
	}

	amount := decimal.NewFromInt(100)
	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: report.Id, Action: ActionUpdateReward, Amount: &amount})
	if !errors.Is(err, store.ErrInsufficientBounty) {
		t.Errorf("Expected ErrInsufficientBounty, got %v", err)
	}
	env.assertBalances(t, "60", "25")

	pending := env.report(t, models.SeverityMinor)
	if _, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: pending.Id, Action: ActionUpdateReward, Amount: &amount}); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Errorf("Expected ErrInvalidStateTransition on pending report, got %v", err)
	}
}

func TestUpdateReward_DecreaseNeedsTesterBalance(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)
	env.settle(t, report.Id, ActionApprove, "")

	if _, err := env.ledger.AdjustUserBalance(context.Background(), env.tester.Id, decimal.NewFromInt(5), "spent"); err != nil {
		t.Fatalf("AdjustUserBalance failed: %v", err)
	}

	amount := decimal.NewFromInt(10)
	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: report.Id, Action: ActionUpdateReward, Amount: &amount})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	env.assertBalances(t, "55", "5")
}

func TestDeleteReport(t *testing.T) {
	env := setupTestEnv(t)
	approved := env.report(t, models.SeverityCritical)
	pending := env.report(t, models.SeverityMinor)
	env.settle(t, approved.Id, ActionApprove, "")
	env.assertBalances(t, "55", "30")

	result, err := env.service.DeleteReport(env.admin, DeleteReportParams{ReportId: approved.Id})
	if err != nil {
		t.Fatalf("DeleteReport failed: %v", err)
	}
	if !result.RemainingBounty.Equal(decimal.NewFromInt(85)) {
		t.Errorf("Expected remaining bounty 85, got %s", result.RemainingBounty)
	}
	env.assertBalances(t, "85", "0")

	if _, err := env.ledger.GetBugReport(context.Background(), approved.Id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected report to be deleted, got %v", err)
	}
	reports, _ := env.ledger.ListBugReportsByProject(context.Background(), env.project.Id)
	if len(reports) != 1 || reports[0].Id != pending.Id {
		t.Errorf("Expected only the pending report to remain, got %d", len(reports))
	}

	if _, err := env.service.DeleteReport(env.admin, DeleteReportParams{ReportId: pending.Id}); err != nil {
		t.Fatalf("DeleteReport of pending report failed: %v", err)
	}
	env.assertBalances(t, "85", "0")
}

func TestConservationLaw(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	a := env.report(t, models.SeverityCritical)
	b := env.report(t, models.SeverityMajor)
	c := env.report(t, models.SeverityMinor)

	env.settle(t, a.Id, ActionApprove, "")
	env.settle(t, b.Id, ActionApprove, "20")
	env.settle(t, c.Id, ActionApprove, "")
	env.settle(t, a.Id, ActionUpdateReward, "40")
	env.settle(t, b.Id, ActionUpdateReward, "10")
	env.settle(t, c.Id, ActionResolve, "")
	env.settle(t, c.Id, ActionReopen, "")
	if _, err := env.service.DeleteReport(env.admin, DeleteReportParams{ReportId: a.Id}); err != nil {
		t.Fatalf("DeleteReport failed: %v", err)
	}

	project, _ := env.ledger.GetProject(ctx, env.project.Id)
	reports, _ := env.ledger.ListBugReportsByProject(ctx, env.project.Id)
	approvedSum := decimal.Zero
	for _, r := range reports {
		if r.RewardStatus == models.RewardStatusApproved {
			approvedSum = approvedSum.Add(r.RewardAmount)
		}
	}
	released := project.TotalBounty.Sub(project.RemainingBounty)
	if !released.Equal(approvedSum) {
		t.Errorf("Expected released bounty %s to equal approved rewards %s", released, approvedSum)
	}
	env.assertBalances(t, "70", "15")

	report, err := env.ledger.ReconcileProjectBounty(ctx, env.project.Id, false)
	if err != nil {
		t.Fatalf("ReconcileProjectBounty failed: %v", err)
	}
	if !report.Balanced() {
		t.Errorf("Expected balanced project, got %+v", report)
	}
	clearing, _ := env.ledger.GetAccountBalance(ctx, models.AccountRewardClearing)
	if !clearing.IsZero() {
		t.Errorf("Expected reward clearing account to net to zero, got %s", clearing)
	}
}

func TestApprove_CallerGoneAfterRelease(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)

	ctx, cancel := context.WithCancel(env.admin)
	defer cancel()
	env.service.store = &interruptingStore{LedgerStore: env.ledger, cancel: cancel}

	result, err := env.service.SettleReward(ctx, SettleRewardParams{ReportId: report.Id, Action: ActionApprove})
	if err != nil {
		t.Fatalf("Approve must finish after the caller leaves, got %v", err)
	}
	if result.Status != models.ReportStatusApproved {
		t.Errorf("Expected approved, got %s", result.Status)
	}
	env.assertBalances(t, "55", "30")
}

func TestApprove_RetryAfterReturnedToEscrow(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)
	env.service.store = &interruptingStore{LedgerStore: env.ledger, failTransitions: 1}

	_, err := env.service.SettleReward(env.admin, SettleRewardParams{ReportId: report.Id, Action: ActionApprove})
	if err == nil {
		t.Fatal("Expected the failed transition to surface")
	}
	env.assertBalances(t, "85", "0")

	result := env.settle(t, report.Id, ActionApprove, "")
	if result.Status != models.ReportStatusApproved || !result.RewardAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected retried approval of 30, got %+v", result)
	}
	env.assertBalances(t, "55", "30")

	ledgerReport, err := env.ledger.ReconcileProjectBounty(context.Background(), env.project.Id, false)
	if err != nil {
		t.Fatalf("ReconcileProjectBounty failed: %v", err)
	}
	if !ledgerReport.Balanced() {
		t.Errorf("Expected balanced project, got %+v", ledgerReport)
	}
}

func TestUpdateReward_CallerGoneAfterClawback(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityCritical)
	env.settle(t, report.Id, ActionApprove, "")

	ctx, cancel := context.WithCancel(env.admin)
	defer cancel()
	env.service.store = &interruptingStore{LedgerStore: env.ledger, cancel: cancel}

	d := decimal.NewFromInt(10)
	if _, err := env.service.SettleReward(ctx, SettleRewardParams{ReportId: report.Id, Action: ActionUpdateReward, Amount: &d}); err != nil {
		t.Fatalf("Decrease must finish after the caller leaves, got %v", err)
	}
	env.assertBalances(t, "75", "10")
}

func TestDeleteReport_CallerGoneAfterReversal(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityMajor)
	env.settle(t, report.Id, ActionApprove, "")

	ctx, cancel := context.WithCancel(env.admin)
	defer cancel()
	env.service.store = &interruptingStore{LedgerStore: env.ledger, cancel: cancel}

	if _, err := env.service.DeleteReport(ctx, DeleteReportParams{ReportId: report.Id}); err != nil {
		t.Fatalf("Delete must finish after the caller leaves, got %v", err)
	}
	if _, err := env.ledger.GetBugReport(context.Background(), report.Id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected report to be deleted, got %v", err)
	}
	env.assertBalances(t, "85", "0")
}

func TestApprove_ConcurrentConservation(t *testing.T) {
	env := setupTestEnvWith(t, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "escrow.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 8,
		PingTimeout:  time.Second,
	})
	ctx := context.Background()

	const reports = 8
	testers := make([]*models.User, reports)
	ids := make([]string, reports)
	for i := 0; i < reports; i++ {
		tester, err := env.ledger.CreateUser(ctx, store.CreateUserParams{
			Name:  fmt.Sprintf("tester %d", i),
			Email: fmt.Sprintf("tester%d@example.com", i),
			Role:  models.RoleTester,
		})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		report, err := env.ledger.CreateBugReport(ctx, store.CreateBugReportParams{
			ProjectId:   env.project.Id,
			SubmittedBy: tester.Id,
			Title:       "critical bug",
			Severity:    models.SeverityCritical,
		})
		if err != nil {
			t.Fatalf("CreateBugReport failed: %v", err)
		}
		testers[i], ids[i] = tester, report.Id
	}

	var wg sync.WaitGroup
	errs := make([]error, reports)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.SettleReward(env.admin, SettleRewardParams{ReportId: ids[i], Action: ActionApprove})
		}(i)
	}
	wg.Wait()

	approved := 0
	for i, err := range errs {
		switch {
		case err == nil:
			approved++
		case errors.Is(err, store.ErrInsufficientBounty):
		default:
			t.Errorf("Approve %d failed unexpectedly: %v", i, err)
		}
	}
	if approved != 2 {
		t.Errorf("Expected exactly 2 approvals out of a bounty of 85, got %d", approved)
	}

	project, err := env.ledger.GetProject(ctx, env.project.Id)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if project.RemainingBounty.IsNegative() {
		t.Fatalf("Remaining bounty went negative: %s", project.RemainingBounty)
	}
	credited := decimal.Zero
	for _, tester := range testers {
		user, err := env.ledger.GetUserById(ctx, tester.Id)
		if err != nil {
			t.Fatalf("GetUserById failed: %v", err)
		}
		credited = credited.Add(user.Balance)
	}
	if total := project.RemainingBounty.Add(credited); !total.Equal(project.TotalBounty) {
		t.Errorf("Expected remaining %s + credited %s to equal %s", project.RemainingBounty, credited, project.TotalBounty)
	}
	if !credited.Equal(decimal.NewFromInt(int64(30 * approved))) {
		t.Errorf("Expected %d x 30 credited, got %s", approved, credited)
	}
}

func TestSettleReward_Authorization(t *testing.T) {
	env := setupTestEnv(t)
	report := env.report(t, models.SeverityMinor)
	ctx := context.Background()

	testerCtx := models.WithActor(ctx, models.Actor{UserId: env.tester.Id, Role: models.RoleTester})
	if _, err := env.service.SettleReward(testerCtx, SettleRewardParams{ReportId: report.Id, Action: ActionApprove}); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for tester, got %v", err)
	}

	other, err := env.ledger.CreateUser(ctx, store.CreateUserParams{Name: "other", Email: "other@example.com", Role: models.RoleDeveloper})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	otherCtx := models.WithActor(ctx, models.Actor{UserId: other.Id, Role: other.Role})
	if _, err := env.service.SettleReward(otherCtx, SettleRewardParams{ReportId: report.Id, Action: ActionApprove}); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for another developer, got %v", err)
	}

	ownerCtx := models.WithActor(ctx, models.Actor{UserId: env.dev.Id, Role: models.RoleDeveloper})
	if _, err := env.service.SettleReward(ownerCtx, SettleRewardParams{ReportId: report.Id, Action: ActionApprove}); err != nil {
		t.Errorf("Expected project owner to approve, got %v", err)
	}
}

func TestParseAction(t *testing.T) {
	for _, raw := range []string{"approve", "reject", "resolve", "reopen", "update-reward"} {
		if _, err := ParseAction(raw); err != nil {
			t.Errorf("ParseAction(%s) failed: %v", raw, err)
		}
	}
	if _, err := ParseAction("refund"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
	if _, err := setupTestEnv(t).service.SettleReward(context.Background(), SettleRewardParams{Action: "pay"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("Expected ErrValidation before any lookup, got %v", err)
	}
}
