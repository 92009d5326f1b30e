package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateWithdrawal(ctx context.Context, params store.CreateWithdrawalParams) (*models.Withdrawal, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", params.Amount)
	}

	withdrawalId := uuid.New().String()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, queryInsertWithdrawal,
		withdrawalId, params.UserId, toCents(params.Amount), params.Destination, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	zap.L().Info("Withdrawal requested",
		zap.String("withdrawal_id", withdrawalId),
		zap.String("user_id", params.UserId),
		zap.String("amount", params.Amount.String()))
	return s.GetWithdrawal(ctx, withdrawalId)
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalId string) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(s.db.QueryRowContext(ctx, queryGetWithdrawal, withdrawalId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: withdrawal %s", store.ErrNotFound, withdrawalId)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query withdrawal: %w", err)
	}
	return w, nil
}

func (s *Service) ListWithdrawalsByUser(ctx context.Context, userId string) ([]models.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, queryListWithdrawalsByUser, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to query withdrawals: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var withdrawals []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan withdrawal row: %w", err)
		}
		withdrawals = append(withdrawals, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}

// TransitionWithdrawal moves a withdrawal to params.To only while its status is
// one of params.From. Moving to processing is the claim that makes a payout
// attempt exclusive.
func (s *Service) TransitionWithdrawal(ctx context.Context, params store.TransitionWithdrawalParams) (*models.Withdrawal, error) {
	if len(params.From) == 0 {
		return nil, fmt.Errorf("transition %s needs at least one source status", params.Action)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{params.To, now}

	if params.PayoutId != "" {
		sets = append(sets, "paypal_payout_id = ?")
		args = append(args, params.PayoutId)
	}
	if params.ItemId != "" {
		sets = append(sets, "paypal_item_id = ?")
		args = append(args, params.ItemId)
	}
	if params.FailureReason != "" || params.To == models.WithdrawalStatusProcessing {
		sets = append(sets, "failure_reason = ?")
		args = append(args, params.FailureReason)
	}
	if params.AdminNotes != "" {
		sets = append(sets, "admin_notes = ?")
		args = append(args, params.AdminNotes)
	}
	if params.ProcessedBy != "" {
		sets = append(sets, "processed_by = ?", "processed_at = ?")
		args = append(args, params.ProcessedBy, now)
	}
	if params.To == models.WithdrawalStatusCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if params.BalanceDeducted != nil {
		sets = append(sets, "balance_deducted = ?")
		args = append(args, *params.BalanceDeducted)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(params.From)), ", ")
	query := fmt.Sprintf("UPDATE withdrawals SET %s WHERE id = ? AND status IN (%s)", strings.Join(sets, ", "), placeholders)
	args = append(args, params.Id)
	for _, from := range params.From {
		args = append(args, from)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition withdrawal: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	w, err := s.GetWithdrawal(ctx, params.Id)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, &store.StateError{Entity: "withdrawal", Id: params.Id, Current: w.Status, Action: params.Action}
	}

	zap.L().Info("Withdrawal transitioned",
		zap.String("withdrawal_id", params.Id),
		zap.String("action", params.Action),
		zap.String("status", w.Status))
	return w, nil
}

// DeleteWithdrawal removes a terminal (rejected or completed) withdrawal.
func (s *Service) DeleteWithdrawal(ctx context.Context, withdrawalId string) error {
	result, err := s.db.ExecContext(ctx, queryDeleteWithdrawal, withdrawalId)
	if err != nil {
		return fmt.Errorf("failed to delete withdrawal: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		w, err := s.GetWithdrawal(ctx, withdrawalId)
		if err != nil {
			return err
		}
		return &store.StateError{Entity: "withdrawal", Id: withdrawalId, Current: w.Status, Action: "delete"}
	}

	zap.L().Info("Withdrawal deleted", zap.String("withdrawal_id", withdrawalId))
	return nil
}

func scanWithdrawal(row rowScanner) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var amount int64
	var processedAt, completedAt sql.NullTime
	err := row.Scan(&w.Id, &w.UserId, &amount, &w.Destination, &w.Status, &w.BalanceDeducted,
		&w.PaypalPayoutId, &w.PaypalItemId, &w.FailureReason, &w.AdminNotes, &w.ProcessedBy,
		&processedAt, &completedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Amount = fromCents(amount)
	if processedAt.Valid {
		t := processedAt.Time
		w.ProcessedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return &w, nil
}
