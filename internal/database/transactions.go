package database

import (
	"context"
	"database/sql"
	"fmt"

	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetTransactionHistory returns paginated money movements touching a user's balance
func (s *SubledgerService) GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetTransactionHistory, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	return scanTransactions(rows)
}

// GetProjectTransactions returns every money movement recorded against a project
func (s *SubledgerService) GetProjectTransactions(ctx context.Context, projectId string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryGetProjectTransactions, projectId)
	if err != nil {
		return nil, fmt.Errorf("failed to get project transactions: %w", err)
	}
	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var transactions []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var amount int64
		err := rows.Scan(&tx.Id, &tx.TransactionType, &tx.UserId, &tx.ProjectId, &amount,
			&tx.ExternalId, &tx.Reference, &tx.Status, &tx.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Amount = fromCents(amount)
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}

	return transactions, nil
}

// Subledger convenience methods

func (s *Service) GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	return s.subledger.GetTransactionHistory(ctx, userId, limit, offset)
}

func (s *Service) GetProjectTransactions(ctx context.Context, projectId string) ([]models.Transaction, error) {
	return s.subledger.GetProjectTransactions(ctx, projectId)
}

func (s *Service) GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.subledger.GetAccountBalance(ctx, account)
}
