package api

import (
	"context"
	"fmt"
	"strings"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalanceSummary returns a user's balance with paginated transaction history
// and all withdrawals
func (s *LedgerService) GetBalanceSummary(ctx context.Context, userId string, limit, offset int) (*models.BalanceSummary, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", store.ErrValidation)
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	user, err := s.store.GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}

	transactions, err := s.store.GetTransactionHistory(ctx, userId, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get transaction history",
			zap.String("user_id", userId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve transaction history: %w", err)
	}

	withdrawals, err := s.store.ListWithdrawalsByUser(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get withdrawals", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve withdrawals: %w", err)
	}

	return &models.BalanceSummary{
		User:         user,
		Transactions: transactions,
		Withdrawals:  withdrawals,
	}, nil
}

// MyBalance is GetBalanceSummary for the authenticated caller.
func (s *LedgerService) MyBalance(ctx context.Context, limit, offset int) (*models.BalanceSummary, error) {
	actor, ok := models.GetActor(ctx)
	if !ok {
		return nil, store.ErrForbidden
	}
	return s.GetBalanceSummary(ctx, actor.UserId, limit, offset)
}

// AdjustBalance sets a user's balance to newBalance as an admin correction.
func (s *LedgerService) AdjustBalance(ctx context.Context, userId string, newBalance decimal.Decimal, reason string) (*models.User, error) {
	admin, err := store.Requester(ctx, s.store, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if newBalance.IsNegative() || !newBalance.Equal(newBalance.Round(2)) {
		return nil, fmt.Errorf("%w: balance must be a non-negative amount with at most two decimal places", store.ErrValidation)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "admin correction"
	}

	zap.L().Warn("Admin balance correction",
		zap.String("admin_id", admin.Id),
		zap.String("user_id", userId),
		zap.String("new_balance", newBalance.String()),
		zap.String("reason", reason))
	return s.store.AdjustUserBalance(ctx, userId, newBalance, reason+" by "+admin.Id)
}
