package withdrawal

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

// ProcessWithdrawal applies an admin action to a withdrawal.
func (s *Service) ProcessWithdrawal(ctx context.Context, params ProcessWithdrawalParams) (*models.WithdrawalResult, error) {
	if !params.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown withdrawal action %q", store.ErrValidation, params.Action)
	}

	admin, err := store.Requester(ctx, s.store, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	w, err := s.store.GetWithdrawal(ctx, params.WithdrawalId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Processing withdrawal",
		zap.String("withdrawal_id", w.Id),
		zap.String("action", string(params.Action)),
		zap.String("status", w.Status),
		zap.String("admin", admin.Id))

	switch params.Action {
	case ActionApprove:
		return s.approve(ctx, admin, w, params)
	case ActionReject:
		return s.reject(ctx, admin, w, params)
	case ActionComplete:
		return s.complete(ctx, admin, w, params)
	}
	return nil, fmt.Errorf("%w: unhandled withdrawal action %q", store.ErrValidation, params.Action)
}

func (s *Service) approve(ctx context.Context, admin *models.User, w *models.Withdrawal, params ProcessWithdrawalParams) (*models.WithdrawalResult, error) {
	if w.Status != models.WithdrawalStatusPending {
		return nil, &store.StateError{Entity: "withdrawal", Id: w.Id, Current: w.Status, Action: string(ActionApprove)}
	}

	user, err := s.store.GetUserById(ctx, w.UserId)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(w.Amount) {
		zap.L().Warn("Withdrawal no longer covered by balance",
			zap.String("withdrawal_id", w.Id),
			zap.String("amount", w.Amount.String()),
			zap.String("balance", user.Balance.String()))
		return nil, fmt.Errorf("%w: balance %s, withdrawal %s", store.ErrInsufficientFunds, user.Balance, w.Amount)
	}

	if _, err := s.store.TransitionWithdrawal(ctx, store.TransitionWithdrawalParams{
		Id:          w.Id,
		Action:      string(ActionApprove),
		From:        []string{models.WithdrawalStatusPending},
		To:          models.WithdrawalStatusProcessing,
		ProcessedBy: admin.Id,
		AdminNotes:  params.Notes,
	}); err != nil {
		return nil, err
	}

	amountUSD := s.ToUSD(w.Amount)
	payout, err := s.payouts.SendPayout(ctx, models.PayoutRequest{
		SenderBatchId: fmt.Sprintf("withdrawal_%s_%d", w.Id, s.now().Unix()),
		SenderItemId:  w.Id,
		Recipient:     w.Destination,
		Amount:        amountUSD,
		Currency:      s.cfg.Currency,
		Note:          "Bug bounty earnings withdrawal",
		EmailSubject:  "You have received a payout!",
		EmailMessage:  fmt.Sprintf("You have received a payout of $%s for your bug bounty earnings.", amountUSD.StringFixed(2)),
	})

	// Whatever the provider said, the ledger has to reflect it even if the
	// caller has gone away.
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		return s.payoutFailed(ctx, w, err)
	}

	_, debitErr := s.store.DebitUserBalance(ctx, store.BalanceChangeParams{
		UserId:          w.UserId,
		Amount:          w.Amount,
		TransactionType: models.TxTypeWithdrawal,
		Reference:       w.Id,
		ExternalId:      "withdrawal:" + w.Id,
	})
	deducted := debitErr == nil

	completed, err := s.store.TransitionWithdrawal(ctx, store.TransitionWithdrawalParams{
		Id:              w.Id,
		Action:          string(ActionApprove),
		From:            []string{models.WithdrawalStatusProcessing},
		To:              models.WithdrawalStatusCompleted,
		PayoutId:        payout.BatchId,
		ItemId:          payout.ItemId,
		BalanceDeducted: &deducted,
	})
	if err != nil {
		zap.L().Error("Payout sent but withdrawal not marked completed",
			zap.String("withdrawal_id", w.Id),
			zap.String("payout_id", payout.BatchId),
			zap.Bool("balance_deducted", deducted),
			zap.Error(err))
		key, reason := events.WithdrawalFailed, "payout sent but withdrawal not marked completed: "+err.Error()
		if debitErr != nil {
			key, reason = events.WithdrawalDebitMissing, "payout sent but balance not deducted: "+debitErr.Error()
		}
		s.events.Emit(ctx, key, events.Event{
			WithdrawalId: w.Id,
			UserId:       w.UserId,
			Amount:       w.Amount.StringFixed(2),
			Reference:    payout.BatchId,
			Reason:       reason,
		})
		return nil, fmt.Errorf("%w: payout %s sent for withdrawal %s: %w", store.ErrPartialFailure, payout.BatchId, w.Id, err)
	}

	if debitErr != nil {
		zap.L().Error("Payout sent but balance not deducted",
			zap.String("withdrawal_id", w.Id),
			zap.String("user_id", w.UserId),
			zap.String("amount", w.Amount.String()),
			zap.String("payout_id", payout.BatchId),
			zap.Error(debitErr))
		s.events.Emit(ctx, events.WithdrawalDebitMissing, events.Event{
			WithdrawalId: w.Id,
			UserId:       w.UserId,
			Amount:       w.Amount.StringFixed(2),
			Reference:    payout.BatchId,
			Reason:       debitErr.Error(),
		})
		return s.result(ctx, completed, "Payout sent but balance not deducted"),
			fmt.Errorf("%w: withdrawal %s: %w", store.ErrPartialFailure, w.Id, debitErr)
	}

	s.events.Emit(ctx, events.WithdrawalCompleted, events.Event{
		WithdrawalId: w.Id,
		UserId:       w.UserId,
		Amount:       w.Amount.StringFixed(2),
		Reference:    payout.BatchId,
	})
	return s.result(ctx, completed, fmt.Sprintf("Payout of $%s sent", amountUSD.StringFixed(2))), nil
}

// payoutFailed records a rejected payout. The balance was never touched. An
// unknown outcome leaves the withdrawal in processing for an admin to complete
// or reject once the provider side is known.
func (s *Service) payoutFailed(ctx context.Context, w *models.Withdrawal, payoutErr error) (*models.WithdrawalResult, error) {
	if errors.Is(payoutErr, paypal.ErrUnknownOutcome) {
		zap.L().Error("Withdrawal payout outcome unknown, left in processing",
			zap.String("withdrawal_id", w.Id),
			zap.String("user_id", w.UserId),
			zap.Error(payoutErr))
		s.events.Emit(ctx, events.WithdrawalFailed, events.Event{
			WithdrawalId: w.Id,
			UserId:       w.UserId,
			Amount:       w.Amount.StringFixed(2),
			Reason:       "unknown outcome: " + payoutErr.Error(),
		})
		return nil, payoutErr
	}

	reason := paypal.FailureReason(payoutErr)
	failed, err := s.store.TransitionWithdrawal(ctx, store.TransitionWithdrawalParams{
		Id:            w.Id,
		Action:        string(ActionApprove),
		From:          []string{models.WithdrawalStatusProcessing},
		To:            models.WithdrawalStatusFailed,
		FailureReason: reason,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Warn("Withdrawal payout failed",
		zap.String("withdrawal_id", w.Id),
		zap.String("user_id", w.UserId),
		zap.String("reason", reason))
	s.events.Emit(ctx, events.WithdrawalFailed, events.Event{
		WithdrawalId: w.Id,
		UserId:       w.UserId,
		Amount:       w.Amount.StringFixed(2),
		Reason:       reason,
	})
	return s.result(ctx, failed, "Payout failed: "+reason), fmt.Errorf("payout for withdrawal %s failed: %w", w.Id, payoutErr)
}

// reject cancels a pending or processing withdrawal, refunding the balance only
// if a deduction was recorded.
func (s *Service) reject(ctx context.Context, admin *models.User, w *models.Withdrawal, params ProcessWithdrawalParams) (*models.WithdrawalResult, error) {
	notDeducted := false
	rejected, err := s.store.TransitionWithdrawal(ctx, store.TransitionWithdrawalParams{
		Id:              w.Id,
		Action:          string(ActionReject),
		From:            []string{models.WithdrawalStatusPending, models.WithdrawalStatusProcessing},
		To:              models.WithdrawalStatusRejected,
		ProcessedBy:     admin.Id,
		AdminNotes:      params.Notes,
		BalanceDeducted: &notDeducted,
	})
	if err != nil {
		return nil, err
	}

	message := "Withdrawal rejected"
	if w.BalanceDeducted {
		if _, err := s.store.CreditUserBalance(ctx, store.BalanceChangeParams{
			UserId:          w.UserId,
			Amount:          w.Amount,
			TransactionType: models.TxTypeWithdrawalRefund,
			Reference:       w.Id,
			ExternalId:      "withdrawal_refund:" + w.Id,
		}); err != nil {
			zap.L().Error("Withdrawal rejected but deduction not refunded",
				zap.String("withdrawal_id", w.Id),
				zap.String("user_id", w.UserId),
				zap.String("amount", w.Amount.String()),
				zap.Error(err))
			return s.result(ctx, rejected, "Withdrawal rejected but balance not refunded"),
				fmt.Errorf("%w: refund for withdrawal %s: %w", store.ErrPartialFailure, w.Id, err)
		}
		message = "Withdrawal rejected and balance refunded"
	}

	s.events.Emit(ctx, events.WithdrawalRejected, events.Event{
		WithdrawalId: w.Id,
		UserId:       w.UserId,
		Amount:       w.Amount.StringFixed(2),
		Reason:       params.Notes,
	})
	return s.result(ctx, rejected, message), nil
}

// complete closes a processing withdrawal whose payout was confirmed out of
// band, deducting the balance if that has not happened yet.
func (s *Service) complete(ctx context.Context, admin *models.User, w *models.Withdrawal, params ProcessWithdrawalParams) (*models.WithdrawalResult, error) {
	if w.Status != models.WithdrawalStatusProcessing {
		return nil, &store.StateError{Entity: "withdrawal", Id: w.Id, Current: w.Status, Action: string(ActionComplete)}
	}
	if params.PayoutReference == "" {
		return nil, fmt.Errorf("%w: payout reference is required to complete a withdrawal", store.ErrValidation)
	}

	debited := false
	if !w.BalanceDeducted {
		_, err := s.store.DebitUserBalance(ctx, store.BalanceChangeParams{
			UserId:          w.UserId,
			Amount:          w.Amount,
			TransactionType: models.TxTypeWithdrawal,
			Reference:       w.Id,
			ExternalId:      "withdrawal:" + w.Id,
		})
		switch {
		case err == nil:
			debited = true
		case errors.Is(err, store.ErrDuplicateTransaction):
			zap.L().Info("Withdrawal already deducted", zap.String("withdrawal_id", w.Id))
		default:
			return nil, err
		}
	}

	deducted := true
	completed, err := s.store.TransitionWithdrawal(ctx, store.TransitionWithdrawalParams{
		Id:              w.Id,
		Action:          string(ActionComplete),
		From:            []string{models.WithdrawalStatusProcessing},
		To:              models.WithdrawalStatusCompleted,
		PayoutId:        params.PayoutReference,
		ProcessedBy:     admin.Id,
		AdminNotes:      params.Notes,
		BalanceDeducted: &deducted,
	})
	if err != nil {
		if debited {
			if _, refundErr := s.store.CreditUserBalance(context.WithoutCancel(ctx), store.BalanceChangeParams{
				UserId:          w.UserId,
				Amount:          w.Amount,
				TransactionType: models.TxTypeWithdrawalRefund,
				Reference:       w.Id,
			}); refundErr != nil {
				zap.L().Error("Failed to refund deduction of withdrawal that could not be completed",
					zap.String("withdrawal_id", w.Id),
					zap.Error(refundErr))
			}
		}
		return nil, err
	}

	s.events.Emit(ctx, events.WithdrawalCompleted, events.Event{
		WithdrawalId: w.Id,
		UserId:       w.UserId,
		Amount:       w.Amount.StringFixed(2),
		Reference:    params.PayoutReference,
	})
	return s.result(ctx, completed, "Withdrawal marked as completed"), nil
}

func (s *Service) result(ctx context.Context, w *models.Withdrawal, message string) *models.WithdrawalResult {
	res := &models.WithdrawalResult{
		Withdrawal: w,
		AmountUSD:  s.ToUSD(w.Amount),
		Message:    message,
	}
	if user, err := s.store.GetUserById(ctx, w.UserId); err == nil {
		res.Balance = user.Balance
	}
	return res
}
