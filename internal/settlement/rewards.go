package settlement

import (
	"context"
	"fmt"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Service) approve(ctx context.Context, actor *models.User, report *models.BugReport, project *models.Project, params SettleRewardParams) (*models.SettlementResult, error) {
	if report.Status != models.ReportStatusPending {
		return nil, &store.StateError{Entity: "bug report", Id: report.Id, Current: report.Status, Action: string(ActionApprove)}
	}

	severity := report.Severity
	if params.Severity != "" {
		switch params.Severity {
		case models.SeverityCritical, models.SeverityMajor, models.SeverityMinor:
			severity = params.Severity
		default:
			return nil, fmt.Errorf("%w: unknown severity %q", store.ErrValidation, params.Severity)
		}
	}

	amount := project.Details.BugRewards.ForSeverity(severity)
	if params.Amount != nil {
		amount = *params.Amount
	}
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(project.RemainingBounty) {
		zap.L().Warn("Reward exceeds remaining bounty",
			zap.String("report_id", report.Id),
			zap.String("reward", amount.String()),
			zap.String("remaining_bounty", project.RemainingBounty.String()))
		return nil, fmt.Errorf("%w: remaining bounty %s, reward %s", store.ErrInsufficientBounty, project.RemainingBounty, amount)
	}

	if amount.IsPositive() {
		// Each attempt gets its own release id: an attempt that was returned
		// to escrow must not block the next one. The report transition below
		// is what makes approval happen once.
		if _, err := s.store.DebitProjectBounty(ctx, store.BountyChangeParams{
			ProjectId:       project.Id,
			Amount:          amount,
			TransactionType: models.TxTypeBugReward,
			Reference:       report.Id,
			ExternalId:      "bounty_release:" + report.Id + ":" + uuid.NewString(),
		}); err != nil {
			return nil, err
		}
		// Funds have left escrow; finish or compensate even if the caller is gone.
		ctx = context.WithoutCancel(ctx)
	}

	rewardStatus := models.RewardStatusApproved
	if amount.IsZero() {
		rewardStatus = models.RewardStatusPending
	}
	override := ""
	if severity != report.Severity {
		override = severity
	}
	approved, err := s.store.TransitionBugReport(ctx, store.TransitionBugReportParams{
		Id:           report.Id,
		Action:       string(ActionApprove),
		From:         []string{models.ReportStatusPending},
		To:           models.ReportStatusApproved,
		Severity:     override,
		RewardAmount: &amount,
		RewardStatus: rewardStatus,
		ApprovedBy:   actor.Id,
		AdminNotes:   notesPtr(params.Notes),
	})
	if err != nil {
		if amount.IsPositive() {
			s.returnToEscrow(ctx, project.Id, report.Id, amount)
		}
		return nil, err
	}

	if amount.IsPositive() {
		if _, err := s.store.CreditUserBalance(ctx, store.BalanceChangeParams{
			UserId:          report.SubmittedBy,
			Amount:          amount,
			TransactionType: models.TxTypeBugReward,
			ProjectId:       project.Id,
			Reference:       report.Id,
			ExternalId:      "bug_reward:" + report.Id,
			CountAsAcquired: true,
			CountAsEarnings: true,
		}); err != nil {
			return s.result(ctx, approved, "Reward approved but tester balance not credited"),
				s.partialFailure(ctx, approved, amount, "credit tester balance", err)
		}
	}

	s.events.Emit(ctx, events.RewardSettled, events.Event{
		ProjectId: project.Id,
		ReportId:  report.Id,
		UserId:    report.SubmittedBy,
		Amount:    amount.StringFixed(2),
		Reason:    string(ActionApprove),
	})
	return s.result(ctx, approved, fmt.Sprintf("Reward of %s approved", amount.StringFixed(2))), nil
}

// returnToEscrow undoes a bounty debit whose report transition lost its race.
func (s *Service) returnToEscrow(ctx context.Context, projectId, reportId string, amount decimal.Decimal) {
	if _, err := s.store.CreditProjectBounty(ctx, store.BountyChangeParams{
		ProjectId:       projectId,
		Amount:          amount,
		TransactionType: models.TxTypeRewardReversal,
		Reference:       reportId,
	}); err != nil {
		zap.L().Error("Failed to return reward to escrow",
			zap.String("project_id", projectId),
			zap.String("report_id", reportId),
			zap.String("amount", amount.String()),
			zap.Error(err))
		s.events.Emit(ctx, events.SettlementPartialFail, events.Event{
			ProjectId: projectId,
			ReportId:  reportId,
			Amount:    amount.StringFixed(2),
			Reason:    "return to escrow: " + err.Error(),
		})
	}
}

func (s *Service) partialFailure(ctx context.Context, report *models.BugReport, amount decimal.Decimal, step string, err error) error {
	zap.L().Error("Reward settlement partially applied",
		zap.String("report_id", report.Id),
		zap.String("project_id", report.ProjectId),
		zap.String("user_id", report.SubmittedBy),
		zap.String("amount", amount.String()),
		zap.String("step", step),
		zap.Error(err))
	s.events.Emit(ctx, events.SettlementPartialFail, events.Event{
		ProjectId: report.ProjectId,
		ReportId:  report.Id,
		UserId:    report.SubmittedBy,
		Amount:    amount.StringFixed(2),
		Reason:    step + ": " + err.Error(),
	})
	return fmt.Errorf("%w: %s for report %s: %w", store.ErrPartialFailure, step, report.Id, err)
}

func (s *Service) transition(ctx context.Context, report *models.BugReport, params SettleRewardParams, from []string, to, rewardStatus string) (*models.SettlementResult, error) {
	updated, err := s.store.TransitionBugReport(ctx, store.TransitionBugReportParams{
		Id:           report.Id,
		Action:       string(params.Action),
		From:         from,
		To:           to,
		RewardStatus: rewardStatus,
		AdminNotes:   notesPtr(params.Notes),
	})
	if err != nil {
		return nil, err
	}
	return s.result(ctx, updated, fmt.Sprintf("Bug report %s", to)), nil
}

// reopen returns a resolved report to approved. Any reward was settled when the
// report was first approved, so no funds move.
func (s *Service) reopen(ctx context.Context, report *models.BugReport, params SettleRewardParams) (*models.SettlementResult, error) {
	reason := params.Notes
	if reason == "" {
		reason = "no reason given"
	}

	updated, err := s.store.TransitionBugReport(ctx, store.TransitionBugReportParams{
		Id:          report.Id,
		Action:      string(ActionReopen),
		From:        []string{models.ReportStatusResolved},
		To:          models.ReportStatusApproved,
		AppendNotes: "Reopened by admin: " + reason,
	})
	if err != nil {
		return nil, err
	}
	return s.result(ctx, updated, "Bug report reopened"), nil
}

// updateReward moves the difference between the old and new reward between
// escrow and the tester. An increase leaves escrow first; a decrease is
// clawed back from the tester before escrow is refilled.
func (s *Service) updateReward(ctx context.Context, report *models.BugReport, project *models.Project, params SettleRewardParams) (*models.SettlementResult, error) {
	if report.Status != models.ReportStatusApproved {
		return nil, &store.StateError{Entity: "bug report", Id: report.Id, Current: report.Status, Action: string(ActionUpdateReward)}
	}
	if params.Amount == nil {
		return nil, fmt.Errorf("%w: new reward amount is required", store.ErrValidation)
	}
	newAmount := *params.Amount
	if err := validAmount(newAmount); err != nil {
		return nil, err
	}

	oldAmount := report.RewardAmount
	delta := newAmount.Sub(oldAmount)
	if delta.IsZero() {
		return s.result(ctx, report, "Reward unchanged"), nil
	}

	note := fmt.Sprintf("Reward updated from $%s to $%s by admin", oldAmount.StringFixed(2), newAmount.StringFixed(2))
	if params.Notes != "" {
		note += "\n" + params.Notes
	}
	update := store.UpdateRewardAmountParams{
		Id:          report.Id,
		OldAmount:   oldAmount,
		NewAmount:   newAmount,
		AppendNotes: note,
	}
	adjustment := store.BalanceChangeParams{
		UserId:          report.SubmittedBy,
		Amount:          delta.Abs(),
		TransactionType: models.TxTypeRewardAdjustment,
		ProjectId:       project.Id,
		Reference:       report.Id,
	}
	escrow := store.BountyChangeParams{
		ProjectId:       project.Id,
		Amount:          delta.Abs(),
		TransactionType: models.TxTypeRewardAdjustment,
		Reference:       report.Id,
	}

	if delta.IsPositive() {
		if delta.GreaterThan(project.RemainingBounty) {
			return nil, fmt.Errorf("%w: remaining bounty %s, increase %s", store.ErrInsufficientBounty, project.RemainingBounty, delta)
		}
		if _, err := s.store.DebitProjectBounty(ctx, escrow); err != nil {
			return nil, err
		}
		ctx = context.WithoutCancel(ctx)
		updated, err := s.store.UpdateRewardAmount(ctx, update)
		if err != nil {
			s.returnToEscrow(ctx, project.Id, report.Id, delta)
			return nil, err
		}
		adjustment.CountAsAcquired = true
		adjustment.CountAsEarnings = true
		if _, err := s.store.CreditUserBalance(ctx, adjustment); err != nil {
			return s.result(ctx, updated, "Reward updated but tester balance not credited"),
				s.partialFailure(ctx, updated, delta, "credit tester balance", err)
		}
		return s.updated(ctx, updated, delta, note), nil
	}

	decrease := delta.Abs()
	tester, err := s.store.GetUserById(ctx, report.SubmittedBy)
	if err != nil {
		return nil, err
	}
	if tester.Balance.LessThan(decrease) {
		return nil, fmt.Errorf("%w: tester balance %s, decrease %s", store.ErrInsufficientFunds, tester.Balance, decrease)
	}
	if _, err := s.store.DebitUserBalance(ctx, adjustment); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	updated, err := s.store.UpdateRewardAmount(ctx, update)
	if err != nil {
		s.returnToTester(ctx, report, decrease)
		return nil, err
	}
	if _, err := s.store.CreditProjectBounty(ctx, escrow); err != nil {
		return s.result(ctx, updated, "Reward updated but escrow not refilled"),
			s.partialFailure(ctx, updated, decrease, "refill escrow", err)
	}
	return s.updated(ctx, updated, delta, note), nil
}

func (s *Service) updated(ctx context.Context, report *models.BugReport, delta decimal.Decimal, note string) *models.SettlementResult {
	s.events.Emit(ctx, events.RewardSettled, events.Event{
		ProjectId: report.ProjectId,
		ReportId:  report.Id,
		UserId:    report.SubmittedBy,
		Amount:    delta.StringFixed(2),
		Reason:    string(ActionUpdateReward),
	})
	return s.result(ctx, report, note)
}

// returnToTester undoes a clawback whose report update lost its race.
func (s *Service) returnToTester(ctx context.Context, report *models.BugReport, amount decimal.Decimal) {
	if _, err := s.store.CreditUserBalance(ctx, store.BalanceChangeParams{
		UserId:          report.SubmittedBy,
		Amount:          amount,
		TransactionType: models.TxTypeRewardAdjustment,
		ProjectId:       report.ProjectId,
		Reference:       report.Id,
	}); err != nil {
		zap.L().Error("Failed to return clawed back reward to tester",
			zap.String("report_id", report.Id),
			zap.String("user_id", report.SubmittedBy),
			zap.String("amount", amount.String()),
			zap.Error(err))
		s.events.Emit(ctx, events.SettlementPartialFail, events.Event{
			ProjectId: report.ProjectId,
			ReportId:  report.Id,
			UserId:    report.SubmittedBy,
			Amount:    amount.StringFixed(2),
			Reason:    "return to tester: " + err.Error(),
		})
	}
}

// DeleteReport hard-deletes a bug report. An approved reward is reversed
// first: taken back from the tester, then returned to the project's escrow.
func (s *Service) DeleteReport(ctx context.Context, params DeleteReportParams) (*models.SettlementResult, error) {
	_, report, project, err := s.load(ctx, params.ReportId)
	if err != nil {
		return nil, err
	}

	refund := report.RewardStatus == models.RewardStatusApproved && report.RewardAmount.IsPositive()
	if !refund {
		if err := s.store.DeleteBugReport(ctx, report); err != nil {
			return nil, err
		}
		return &models.SettlementResult{
			ReportId:        report.Id,
			Status:          "deleted",
			RemainingBounty: project.RemainingBounty,
			Message:         "Bug report deleted",
		}, nil
	}

	amount := report.RewardAmount
	tester, err := s.store.GetUserById(ctx, report.SubmittedBy)
	if err != nil {
		return nil, err
	}
	if tester.Balance.LessThan(amount) {
		zap.L().Warn("Cannot reverse reward, tester balance too low",
			zap.String("report_id", report.Id),
			zap.String("user_id", tester.Id),
			zap.String("balance", tester.Balance.String()),
			zap.String("reward", amount.String()))
		return nil, fmt.Errorf("%w: tester balance %s, reward %s", store.ErrInsufficientFunds, tester.Balance, amount)
	}

	if _, err := s.store.DebitUserBalance(ctx, store.BalanceChangeParams{
		UserId:          report.SubmittedBy,
		Amount:          amount,
		TransactionType: models.TxTypeRewardReversal,
		ProjectId:       project.Id,
		Reference:       report.Id,
	}); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	if err := s.store.DeleteBugReport(ctx, report); err != nil {
		s.returnToTester(ctx, report, amount)
		return nil, err
	}

	updated, err := s.store.CreditProjectBounty(ctx, store.BountyChangeParams{
		ProjectId:       project.Id,
		Amount:          amount,
		TransactionType: models.TxTypeRewardReversal,
		Reference:       report.Id,
		ExternalId:      "reward_reversal:" + report.Id,
	})
	if err != nil {
		return &models.SettlementResult{ReportId: report.Id, Status: "deleted", RewardAmount: amount, Message: "Bug report deleted but escrow not refilled"},
			s.partialFailure(ctx, report, amount, "refill escrow", err)
	}

	s.events.Emit(ctx, events.RewardSettled, events.Event{
		ProjectId: project.Id,
		ReportId:  report.Id,
		UserId:    report.SubmittedBy,
		Amount:    amount.Neg().StringFixed(2),
		Reason:    "delete",
	})
	return &models.SettlementResult{
		ReportId:        report.Id,
		Status:          "deleted",
		RewardAmount:    amount,
		RemainingBounty: updated.RemainingBounty,
		Message:         fmt.Sprintf("Bug report deleted, reward of %s returned to escrow", amount.StringFixed(2)),
	}, nil
}
