package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreditUserBalance atomically raises a user's balance and journals the movement.
func (s *Service) CreditUserBalance(ctx context.Context, params store.BalanceChangeParams) (*models.User, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", params.Amount)
	}

	zap.L().Debug("Crediting user balance",
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()),
		zap.String("type", params.TransactionType))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.subledger.checkDuplicate(ctx, tx, params.ExternalId); err != nil {
		return nil, err
	}

	amount := toCents(params.Amount)
	var acquired, earnings int64
	if params.CountAsAcquired {
		acquired = amount
	}
	if params.CountAsEarnings {
		earnings = amount
	}

	result, err := tx.ExecContext(ctx, queryCreditUserBalance, amount, acquired, earnings, time.Now().UTC(), params.UserId)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, params.UserId)
	}

	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: params.TransactionType,
		UserId:          params.UserId,
		ProjectId:       params.ProjectId,
		Amount:          params.Amount,
		ExternalId:      params.ExternalId,
		Reference:       params.Reference,
		Postings: []models.Posting{{
			Source:      counterAccount(params.TransactionType),
			Destination: models.UserAccount(params.UserId),
			Amount:      params.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}

	user, err := getUser(ctx, tx, queryGetUserById, params.UserId)
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Info("User balance credited",
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()),
		zap.String("new_balance", user.Balance.String()),
		zap.String("transaction_id", txn.Id))
	return user, nil
}

// DebitUserBalance atomically lowers a user's balance, failing with
// ErrInsufficientFunds when the balance cannot cover the amount.
func (s *Service) DebitUserBalance(ctx context.Context, params store.BalanceChangeParams) (*models.User, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", params.Amount)
	}

	zap.L().Debug("Debiting user balance",
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()),
		zap.String("type", params.TransactionType))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.subledger.checkDuplicate(ctx, tx, params.ExternalId); err != nil {
		return nil, err
	}

	amount := toCents(params.Amount)
	result, err := tx.ExecContext(ctx, queryDebitUserBalance, amount, time.Now().UTC(), params.UserId, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, queryGetUserBalance, params.UserId).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, params.UserId)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read balance: %w", err)
		}
		zap.L().Warn("Insufficient balance",
			zap.String("user_id", params.UserId),
			zap.String("balance", fromCents(current).String()),
			zap.String("requested", params.Amount.String()))
		return nil, fmt.Errorf("%w: balance %s, requested %s", store.ErrInsufficientFunds, fromCents(current), params.Amount)
	}

	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: params.TransactionType,
		UserId:          params.UserId,
		ProjectId:       params.ProjectId,
		Amount:          params.Amount.Neg(),
		ExternalId:      params.ExternalId,
		Reference:       params.Reference,
		Postings: []models.Posting{{
			Source:      models.UserAccount(params.UserId),
			Destination: counterAccount(params.TransactionType),
			Amount:      params.Amount,
		}},
	})
	if err != nil {
		return nil, err
	}

	user, err := getUser(ctx, tx, queryGetUserById, params.UserId)
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Info("User balance debited",
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()),
		zap.String("new_balance", user.Balance.String()),
		zap.String("transaction_id", txn.Id))
	return user, nil
}

// AdjustUserBalance sets a balance to an absolute value and journals the
// difference as an admin correction. A positive difference also counts as
// acquired credits.
func (s *Service) AdjustUserBalance(ctx context.Context, userId string, newBalance decimal.Decimal, reference string) (*models.User, error) {
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("balance cannot be negative, got %s", newBalance)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, queryGetUserBalance, userId).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	target := toCents(newBalance)
	delta := target - current
	if delta == 0 {
		return getUser(ctx, tx, queryGetUserById, userId)
	}

	var acquired int64
	if delta > 0 {
		acquired = delta
	}
	result, err := tx.ExecContext(ctx, queryAdjustUserBalance, target, acquired, time.Now().UTC(), userId, current)
	if err != nil {
		return nil, fmt.Errorf("failed to adjust balance: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: balance of user %s changed during adjustment", store.ErrConcurrentModification, userId)
	}

	posting := models.Posting{Source: models.AccountCorrections, Destination: models.UserAccount(userId), Amount: fromCents(delta)}
	if delta < 0 {
		posting = models.Posting{Source: models.UserAccount(userId), Destination: models.AccountCorrections, Amount: fromCents(-delta)}
	}
	txn, err := s.subledger.recordTransaction(ctx, tx, journalParams{
		TransactionType: models.TxTypeAdminCorrection,
		UserId:          userId,
		Amount:          fromCents(delta),
		Reference:       reference,
		Postings:        []models.Posting{posting},
		Metadata: map[string]string{
			"previous_balance": fromCents(current).StringFixed(2),
			"new_balance":      fromCents(target).StringFixed(2),
		},
	})
	if err != nil {
		return nil, err
	}

	user, err := getUser(ctx, tx, queryGetUserById, userId)
	if err != nil {
		return nil, err
	}

	if err := s.commitAndMirror(ctx, tx, txn); err != nil {
		return nil, err
	}

	zap.L().Info("User balance adjusted",
		zap.String("user_id", userId),
		zap.String("previous_balance", fromCents(current).String()),
		zap.String("new_balance", user.Balance.String()),
		zap.String("reference", reference))
	return user, nil
}

// ReconcileUserBalance verifies that the stored balance matches the user's journal account
func (s *Service) ReconcileUserBalance(ctx context.Context, userId string) (*models.ReconciliationReport, error) {
	zap.L().Info("Reconciling user balance", zap.String("user_id", userId))

	user, err := s.GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}

	calculated, err := s.subledger.GetAccountBalance(ctx, models.UserAccount(userId))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate balance from journal: %w", err)
	}

	report := &models.ReconciliationReport{
		Subject:    models.UserAccount(userId),
		Stored:     user.Balance,
		Expected:   calculated,
		Difference: user.Balance.Sub(calculated),
	}

	if !report.Balanced() {
		zap.L().Error("Balance reconciliation failed",
			zap.String("user_id", userId),
			zap.String("current_balance", user.Balance.String()),
			zap.String("calculated_balance", calculated.String()),
			zap.String("difference", report.Difference.String()))
		return report, nil
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.String("balance", user.Balance.String()))
	return report, nil
}
