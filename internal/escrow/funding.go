package escrow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var projectLinkPattern = regexp.MustCompile(`^https?://`)

var hundred = decimal.NewFromInt(100)

type CreateFundingOrderParams struct {
	Details     models.ProjectDetails
	TotalBudget decimal.Decimal
}

type CaptureFundingOrderParams struct {
	OrderId string
}

// SplitBudget returns the platform fee and the bounty pool for a budget. The
// fee is rounded to cents and the bounty takes the remainder, so the two always
// add up to the budget.
func SplitBudget(budget, feePct decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fee := budget.Mul(feePct).Div(hundred).Round(2)
	return fee, budget.Round(2).Sub(fee)
}

func (s *Service) validateFunding(params CreateFundingOrderParams) error {
	details := params.Details
	if strings.TrimSpace(details.Name) == "" {
		return fmt.Errorf("%w: project name is required", store.ErrValidation)
	}
	if !projectLinkPattern.MatchString(details.ProjectLink) {
		return fmt.Errorf("%w: project link must start with http:// or https://", store.ErrValidation)
	}
	if params.TotalBudget.LessThan(s.cfg.MinimumBudget) {
		return fmt.Errorf("%w: minimum budget is %s %s, got %s",
			store.ErrValidation, s.cfg.MinimumBudget.StringFixed(2), s.cfg.Currency, params.TotalBudget.StringFixed(2))
	}
	if !params.TotalBudget.Equal(params.TotalBudget.Round(2)) {
		return fmt.Errorf("%w: budget %s has more than two decimal places", store.ErrValidation, params.TotalBudget)
	}
	rewards := details.BugRewards
	for _, r := range []decimal.Decimal{rewards.Critical, rewards.Major, rewards.Minor} {
		if r.IsNegative() {
			return fmt.Errorf("%w: bug rewards cannot be negative", store.ErrValidation)
		}
	}
	return nil
}

// CreateFundingOrder opens a provider order for a new project budget. The
// project payload is kept as a pending order until the payment is captured;
// nothing is persisted if the provider rejects the order.
func (s *Service) CreateFundingOrder(ctx context.Context, params CreateFundingOrderParams) (*models.FundingOrderResult, error) {
	user, err := store.Requester(ctx, s.store, models.RoleDeveloper)
	if err != nil {
		return nil, err
	}

	if err := s.validateFunding(params); err != nil {
		zap.L().Warn("Funding request rejected", zap.String("user_id", user.Id), zap.Error(err))
		return nil, err
	}

	budget := params.TotalBudget.Round(2)
	fee, bounty := SplitBudget(budget, s.cfg.PlatformFeePercentage)

	order, err := s.gateway.CreateOrder(ctx, paypal.CreateOrderParams{
		Amount:      budget,
		Currency:    s.cfg.Currency,
		ReferenceId: "bounty_" + uuid.New().String(),
		CustomId:    user.Id,
		Description: "Bug bounty funding for " + params.Details.Name,
		ItemName:    "Bug Bounty Project: " + params.Details.Name,
		BrandName:   "Bug Bounty Platform",
		ReturnURL:   s.frontendURL + "/payment-success",
		CancelURL:   s.frontendURL + "/payment-cancelled",
	})
	if err != nil {
		zap.L().Error("Failed to create funding order",
			zap.String("user_id", user.Id),
			zap.String("total_budget", budget.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create funding order: %w", err)
	}

	now := s.now().UTC()
	pending := &models.PendingOrder{
		OrderId:   order.Id,
		UserId:    user.Id,
		Details:   params.Details,
		Total:     budget,
		FeePct:    s.cfg.PlatformFeePercentage,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.PendingOrderTTL),
	}
	if err := s.store.CreatePendingOrder(ctx, pending); err != nil {
		return nil, err
	}

	zap.L().Info("Funding order created",
		zap.String("order_id", order.Id),
		zap.String("user_id", user.Id),
		zap.String("total_budget", budget.String()),
		zap.String("platform_fee", fee.String()),
		zap.String("bounty_pool", bounty.String()))

	return &models.FundingOrderResult{
		OrderId:     order.Id,
		ApproveURL:  order.ApproveURL,
		TotalBudget: budget,
		PlatformFee: fee,
		BountyPool:  bounty,
		ExpiresAt:   pending.ExpiresAt,
	}, nil
}

// CaptureFundingOrder captures a payer-approved order and materializes its
// project. A retried call for an order that already produced a project returns
// that project without touching the provider again.
func (s *Service) CaptureFundingOrder(ctx context.Context, params CaptureFundingOrderParams) (*models.CaptureResult, error) {
	user, err := store.Requester(ctx, s.store, models.RoleDeveloper)
	if err != nil {
		return nil, err
	}
	if params.OrderId == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrValidation)
	}

	existing, err := s.store.GetProjectByOrderId(ctx, params.OrderId)
	if err == nil {
		zap.L().Info("Order already captured",
			zap.String("order_id", params.OrderId),
			zap.String("project_id", existing.Id))
		return &models.CaptureResult{
			Project:          existing,
			CaptureId:        existing.PaypalPaymentId,
			AlreadyProcessed: true,
			FeeCollected:     existing.FeeStatus == models.FeeStatusCollected,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Only the developer who opened the order may capture it. An order with no
	// pending record is still captured so the gap is detected below.
	owned, err := s.store.GetPendingOrder(ctx, params.OrderId)
	switch {
	case err == nil && owned.UserId != user.Id:
		zap.L().Warn("Capture attempted by non-owner",
			zap.String("order_id", params.OrderId),
			zap.String("user_id", user.Id),
			zap.String("owner_id", owned.UserId))
		return nil, fmt.Errorf("%w: order %s belongs to another user", store.ErrForbidden, params.OrderId)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	capture, err := s.gateway.CaptureOrder(ctx, params.OrderId)
	if err != nil {
		if errors.Is(err, paypal.ErrUnknownOutcome) {
			zap.L().Warn("Capture outcome unknown, retry will check for an existing project",
				zap.String("order_id", params.OrderId),
				zap.Error(err))
		}
		return nil, err
	}
	if capture.Status != paypal.OrderStatusCompleted {
		zap.L().Warn("Capture not completed",
			zap.String("order_id", params.OrderId),
			zap.String("status", capture.Status))
		return nil, fmt.Errorf("%w: order %s has status %s", ErrCaptureNotCompleted, params.OrderId, capture.Status)
	}

	// The money has moved. From here the ledger is written even if the caller
	// has gone away, and any failure is a reconciliation gap.
	ctx = context.WithoutCancel(ctx)

	pending, err := s.store.GetPendingOrder(ctx, params.OrderId)
	if errors.Is(err, store.ErrNotFound) {
		s.reportGap(ctx, params.OrderId, capture, "captured payment has no pending order")
		return nil, fmt.Errorf("%w: order %s was captured (capture %s) but has no pending order",
			store.ErrReconciliationGap, params.OrderId, capture.CaptureId)
	}
	if err != nil {
		s.reportGap(ctx, params.OrderId, capture, "pending order lookup failed: "+err.Error())
		return nil, fmt.Errorf("%w: order %s: %w", store.ErrReconciliationGap, params.OrderId, err)
	}

	fee, bounty := SplitBudget(pending.Total, pending.FeePct)
	project, created, err := s.store.MaterializeProject(ctx, store.MaterializeProjectParams{
		PostedBy:              pending.UserId,
		Details:               pending.Details,
		TotalBudget:           pending.Total,
		PlatformFeePercentage: pending.FeePct,
		PlatformFee:           fee,
		TotalBounty:           bounty,
		PaypalOrderId:         params.OrderId,
		PaypalPaymentId:       capture.CaptureId,
	})
	if err != nil {
		s.reportGap(ctx, params.OrderId, capture, "captured payment could not be materialized: "+err.Error())
		return nil, fmt.Errorf("%w: order %s: %w", store.ErrReconciliationGap, params.OrderId, err)
	}

	if err := s.store.DeletePendingOrder(ctx, params.OrderId); err != nil {
		zap.L().Warn("Failed to delete consumed pending order",
			zap.String("order_id", params.OrderId),
			zap.Error(err))
	}

	result := &models.CaptureResult{
		Project:          project,
		CaptureId:        capture.CaptureId,
		AlreadyProcessed: !created,
		FeeCollected:     project.FeeStatus == models.FeeStatusCollected,
	}
	if !created {
		return result, nil
	}

	s.events.Emit(ctx, events.ProjectFunded, events.Event{
		OrderId:   params.OrderId,
		ProjectId: project.Id,
		UserId:    project.PostedBy,
		Amount:    project.TotalBudget.StringFixed(2),
		Reference: capture.CaptureId,
	})

	updated, feeErr := s.collectFee(ctx, project)
	result.Project = updated
	result.FeeCollected = updated.FeeStatus == models.FeeStatusCollected
	if feeErr != nil {
		result.FeeError = feeErr.Error()
	}
	return result, nil
}

func (s *Service) reportGap(ctx context.Context, orderId string, capture *models.Capture, reason string) {
	zap.L().Error("Reconciliation gap: payment captured without a ledger entry",
		zap.String("order_id", orderId),
		zap.String("capture_id", capture.CaptureId),
		zap.String("capture_status", capture.Status),
		zap.String("reason", reason),
		zap.ByteString("provider_response", capture.Raw))
	s.events.Emit(ctx, events.ReconciliationGap, events.Event{
		OrderId:   orderId,
		Reference: capture.CaptureId,
		Reason:    reason,
	})
}

// PaymentHistory lists the funded projects of the calling developer.
func (s *Service) PaymentHistory(ctx context.Context) ([]models.PaymentRecord, error) {
	user, err := store.Requester(ctx, s.store, models.RoleDeveloper)
	if err != nil {
		return nil, err
	}

	projects, err := s.store.ListProjectsByUser(ctx, user.Id)
	if err != nil {
		return nil, err
	}

	records := make([]models.PaymentRecord, 0, len(projects))
	for _, p := range projects {
		records = append(records, models.PaymentRecord{
			ProjectId:     p.Id,
			Name:          p.Details.Name,
			TotalBudget:   p.TotalBudget,
			PlatformFee:   p.PlatformFee,
			TotalBounty:   p.TotalBounty,
			PaymentStatus: p.PaymentStatus,
			PaidAt:        p.CreatedAt,
		})
	}
	return records, nil
}
