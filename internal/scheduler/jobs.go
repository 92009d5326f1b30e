package scheduler

import (
	"context"
	"errors"
	"time"

	"bounty-escrow-go/internal/escrow"
	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	feeRetryBatch = 50
	jobTimeout    = 5 * time.Minute
)

// FeeRetrier retries platform fee transfers that have not been collected.
type FeeRetrier interface {
	RetryUncollectedFees(ctx context.Context, limit int) (int, error)
}

// MirrorComparer checks an external journal mirror against a local balance.
type MirrorComparer interface {
	Compare(ctx context.Context, account string, local decimal.Decimal) (*models.ReconciliationReport, error)
}

// Summary is the outcome of one reconciliation pass.
type Summary struct {
	Projects   int
	Users      int
	Mismatches []models.ReconciliationReport
	Errors     int
}

// Jobs holds the background sweeps run by the scheduler. Each job builds its
// own bounded context.
type Jobs struct {
	store  store.LedgerStore
	fees   FeeRetrier
	mirror MirrorComparer
	events *events.Emitter
	now    func() time.Time
}

func NewJobs(ledger store.LedgerStore, fees FeeRetrier, mirror MirrorComparer, emitter *events.Emitter) *Jobs {
	return &Jobs{store: ledger, fees: fees, mirror: mirror, events: emitter, now: time.Now}
}

// PurgeExpiredPendingOrders drops pending orders whose TTL has passed.
func (j *Jobs) PurgeExpiredPendingOrders() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	purged, err := j.store.PurgeExpiredPendingOrders(ctx, j.now())
	if err != nil {
		zap.L().Error("Pending order sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		zap.L().Info("Expired pending orders purged", zap.Int64("count", purged))
	}
}

// RetryUncollectedFees retries failed or never-attempted fee transfers.
func (j *Jobs) RetryUncollectedFees() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	collected, err := j.fees.RetryUncollectedFees(ctx, feeRetryBatch)
	if errors.Is(err, escrow.ErrFeeSettlementDisabled) {
		zap.L().Debug("Fee retry skipped, no fee settlement configured")
		return
	}
	if err != nil {
		zap.L().Error("Fee retry failed", zap.Error(err))
		return
	}
	if collected > 0 {
		zap.L().Info("Uncollected fees settled", zap.Int("count", collected))
	}
}

// ReconcileLedger is the cron entry point for Reconcile.
func (j *Jobs) ReconcileLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.Reconcile(ctx)
	if err != nil {
		zap.L().Error("Ledger reconciliation failed", zap.Error(err))
		return
	}
	zap.L().Info("Ledger reconciliation finished",
		zap.Int("projects", summary.Projects),
		zap.Int("users", summary.Users),
		zap.Int("mismatches", len(summary.Mismatches)),
		zap.Int("errors", summary.Errors))
}

// Reconcile checks every project's remaining bounty and every user's balance
// against the journal, and the journal against the mirror when one is set.
// Mismatches are reported, never repaired.
func (j *Jobs) Reconcile(ctx context.Context) (*Summary, error) {
	projects, err := j.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	users, err := j.store.GetUsers(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Projects: len(projects), Users: len(users)}

	for _, project := range projects {
		report, err := j.store.ReconcileProjectBounty(ctx, project.Id, false)
		if err != nil {
			summary.Errors++
			zap.L().Warn("Project reconciliation error", zap.String("project_id", project.Id), zap.Error(err))
			continue
		}
		if !report.Balanced() {
			summary.Mismatches = append(summary.Mismatches, *report)
			j.events.Emit(ctx, events.BountyMismatch, events.Event{
				ProjectId: project.Id,
				Amount:    report.Difference.StringFixed(2),
				Reason:    "stored " + report.Stored.StringFixed(2) + ", expected " + report.Expected.StringFixed(2),
			})
		}
		j.compareMirror(ctx, summary, models.ProjectEscrowAccount(project.Id))
	}

	for _, user := range users {
		report, err := j.store.ReconcileUserBalance(ctx, user.Id)
		if err != nil {
			summary.Errors++
			zap.L().Warn("User reconciliation error", zap.String("user_id", user.Id), zap.Error(err))
			continue
		}
		if !report.Balanced() {
			summary.Mismatches = append(summary.Mismatches, *report)
			j.events.Emit(ctx, events.BalanceMismatch, events.Event{
				UserId: user.Id,
				Amount: report.Difference.StringFixed(2),
				Reason: "stored " + report.Stored.StringFixed(2) + ", journal " + report.Expected.StringFixed(2),
			})
		}
		j.compareMirror(ctx, summary, models.UserAccount(user.Id))
	}

	return summary, nil
}

func (j *Jobs) compareMirror(ctx context.Context, summary *Summary, account string) {
	if j.mirror == nil {
		return
	}
	local, err := j.store.GetAccountBalance(ctx, account)
	if err != nil {
		summary.Errors++
		zap.L().Warn("Journal balance lookup failed", zap.String("account", account), zap.Error(err))
		return
	}
	report, err := j.mirror.Compare(ctx, account, local)
	if err != nil {
		summary.Errors++
		zap.L().Warn("Mirror comparison failed", zap.String("account", account), zap.Error(err))
		return
	}
	if !report.Balanced() {
		summary.Mismatches = append(summary.Mismatches, *report)
	}
}
