package escrow

import (
	"context"
	"errors"
	"fmt"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/store"

	"go.uber.org/zap"
)

// Payouts sends single-recipient provider payouts.
type Payouts interface {
	SendPayout(ctx context.Context, request models.PayoutRequest) (*models.Payout, error)
}

// PayPalFeeSettler pays the platform fee out to the platform's PayPal account.
type PayPalFeeSettler struct {
	payouts   Payouts
	recipient string
	currency  string
}

func NewPayPalFeeSettler(payouts Payouts, recipient, currency string) *PayPalFeeSettler {
	return &PayPalFeeSettler{payouts: payouts, recipient: recipient, currency: currency}
}

// FeeBatchId is the sender batch id of a project's fee payout. PayPal rejects
// a reused sender_batch_id, so it is fixed per order.
func FeeBatchId(project *models.Project) string {
	return "PLATFORM_FEE_" + project.PaypalOrderId
}

func (f *PayPalFeeSettler) SettleFee(ctx context.Context, project *models.Project) (string, error) {
	payout, err := f.payouts.SendPayout(ctx, models.PayoutRequest{
		SenderBatchId: FeeBatchId(project),
		SenderItemId:  "FEE_" + project.Id,
		Recipient:     f.recipient,
		Amount:        project.PlatformFee,
		Currency:      f.currency,
		Note:          fmt.Sprintf("Platform fee for project %s", project.Details.Name),
		EmailSubject:  "Platform fee received",
		EmailMessage:  fmt.Sprintf("Platform fee of %s %s from project funding", project.PlatformFee.StringFixed(2), f.currency),
	})
	if err != nil {
		return "", err
	}
	return payout.BatchId, nil
}

// collectFee makes one attempt at moving the platform fee out of escrow. The
// project is never rolled back: a failure is recorded on it for the retry job.
func (s *Service) collectFee(ctx context.Context, project *models.Project) (*models.Project, error) {
	if project.PlatformFee.IsZero() || project.FeeStatus == models.FeeStatusCollected {
		return project, nil
	}
	if s.fees == nil {
		zap.L().Warn("Platform fee left uncollected, no fee settlement configured",
			zap.String("project_id", project.Id),
			zap.String("platform_fee", project.PlatformFee.String()))
		return project, ErrFeeSettlementDisabled
	}

	claimed, err := s.store.ClaimProjectFee(ctx, project.Id)
	if err != nil {
		return project, err
	}

	payoutId, err := s.fees.SettleFee(ctx, claimed)

	// The transfer may have gone out; its outcome must be recorded even if
	// the caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if errors.Is(err, paypal.ErrUnknownOutcome) {
		return s.feeOutcomeUnknown(ctx, project, err)
	}
	if err != nil {
		reason := paypal.FailureReason(err)
		if updateErr := s.store.UpdateProjectFee(ctx, store.UpdateProjectFeeParams{
			ProjectId:     project.Id,
			Status:        models.FeeStatusFailed,
			FailureReason: reason,
		}); updateErr != nil {
			zap.L().Error("Failed to record platform fee failure",
				zap.String("project_id", project.Id),
				zap.Error(updateErr))
		}

		zap.L().Error("Platform fee transfer failed",
			zap.String("project_id", project.Id),
			zap.String("order_id", project.PaypalOrderId),
			zap.String("platform_fee", project.PlatformFee.String()),
			zap.String("reason", reason),
			zap.Error(err))
		s.events.Emit(ctx, events.FeeFailed, events.Event{
			ProjectId: project.Id,
			OrderId:   project.PaypalOrderId,
			Amount:    project.PlatformFee.StringFixed(2),
			Reason:    reason,
		})
		return s.refresh(ctx, project), fmt.Errorf("%w: platform fee for project %s: %w", store.ErrPartialFailure, project.Id, err)
	}

	if err := s.store.UpdateProjectFee(ctx, store.UpdateProjectFeeParams{
		ProjectId: project.Id,
		Status:    models.FeeStatusCollected,
		PayoutId:  payoutId,
	}); err != nil {
		// The transfer went out; leaving the fee in "sending" keeps it away from the retry job.
		zap.L().Error("Platform fee sent but not recorded",
			zap.String("project_id", project.Id),
			zap.String("payout_id", payoutId),
			zap.Error(err))
		return s.refresh(ctx, project), err
	}

	zap.L().Info("Platform fee collected",
		zap.String("project_id", project.Id),
		zap.String("payout_id", payoutId),
		zap.String("platform_fee", project.PlatformFee.String()))
	s.events.Emit(ctx, events.FeeCollected, events.Event{
		ProjectId: project.Id,
		OrderId:   project.PaypalOrderId,
		Amount:    project.PlatformFee.StringFixed(2),
		Reference: payoutId,
	})
	return s.refresh(ctx, project), nil
}

// feeOutcomeUnknown keeps the fee in "sending" so the retry job never sends a
// second payout; an admin settles it once the provider side is known.
func (s *Service) feeOutcomeUnknown(ctx context.Context, project *models.Project, payoutErr error) (*models.Project, error) {
	reason := "outcome unknown: " + payoutErr.Error()
	if err := s.store.UpdateProjectFee(ctx, store.UpdateProjectFeeParams{
		ProjectId:     project.Id,
		Status:        models.FeeStatusSending,
		FailureReason: reason,
	}); err != nil {
		zap.L().Error("Failed to record unknown platform fee outcome",
			zap.String("project_id", project.Id),
			zap.Error(err))
	}

	zap.L().Error("Platform fee outcome unknown, left in sending",
		zap.String("project_id", project.Id),
		zap.String("order_id", project.PaypalOrderId),
		zap.String("platform_fee", project.PlatformFee.String()),
		zap.Error(payoutErr))
	s.events.Emit(ctx, events.FeeFailed, events.Event{
		ProjectId: project.Id,
		OrderId:   project.PaypalOrderId,
		Amount:    project.PlatformFee.StringFixed(2),
		Reason:    reason,
	})
	return s.refresh(ctx, project), fmt.Errorf("%w: platform fee for project %s: %w", store.ErrPartialFailure, project.Id, payoutErr)
}

func (s *Service) refresh(ctx context.Context, project *models.Project) *models.Project {
	updated, err := s.store.GetProject(ctx, project.Id)
	if err != nil {
		return project
	}
	return updated
}

// RetryUncollectedFees retries the fee transfer for up to limit paid projects
// whose fee is uncollected or failed, and returns how many were collected.
func (s *Service) RetryUncollectedFees(ctx context.Context, limit int) (int, error) {
	if s.fees == nil {
		return 0, ErrFeeSettlementDisabled
	}

	projects, err := s.store.ListProjectsWithUncollectedFee(ctx, limit)
	if err != nil {
		return 0, err
	}

	collected := 0
	for i := range projects {
		if _, err := s.collectFee(ctx, &projects[i]); err != nil {
			if !errors.Is(err, store.ErrPartialFailure) {
				zap.L().Warn("Fee retry skipped project",
					zap.String("project_id", projects[i].Id),
					zap.Error(err))
			}
			continue
		}
		collected++
	}

	if len(projects) > 0 {
		zap.L().Info("Fee retry finished",
			zap.Int("attempted", len(projects)),
			zap.Int("collected", collected))
	}
	return collected, nil
}
