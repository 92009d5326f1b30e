package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Service) CreatePendingOrder(ctx context.Context, order *models.PendingOrder) error {
	details, err := json.Marshal(order.Details)
	if err != nil {
		return fmt.Errorf("failed to encode project details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertPendingOrder,
		order.OrderId, order.UserId, string(details), toCents(order.Total), order.FeePct.String(),
		order.CreatedAt.UTC(), order.ExpiresAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pending order %s already exists", order.OrderId)
		}
		return fmt.Errorf("failed to insert pending order: %w", err)
	}

	zap.L().Info("Pending order recorded",
		zap.String("order_id", order.OrderId),
		zap.String("user_id", order.UserId),
		zap.String("total", order.Total.String()),
		zap.Time("expires_at", order.ExpiresAt))
	return nil
}

// GetPendingOrder returns an unexpired pending order. Expired orders are
// reported as ErrNotFound.
func (s *Service) GetPendingOrder(ctx context.Context, orderId string) (*models.PendingOrder, error) {
	var order models.PendingOrder
	var details, feePct string
	var total, expiresAt int64
	err := s.db.QueryRowContext(ctx, queryGetPendingOrder, orderId, time.Now().UnixMilli()).
		Scan(&order.OrderId, &order.UserId, &details, &total, &feePct, &order.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pending order %s", store.ErrNotFound, orderId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending order: %w", err)
	}

	if err := json.Unmarshal([]byte(details), &order.Details); err != nil {
		return nil, fmt.Errorf("failed to decode project details: %w", err)
	}
	order.FeePct, err = decimal.NewFromString(feePct)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fee percentage '%s': %w", feePct, err)
	}
	order.Total = fromCents(total)
	order.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &order, nil
}

func (s *Service) DeletePendingOrder(ctx context.Context, orderId string) error {
	if _, err := s.db.ExecContext(ctx, queryDeletePendingOrder, orderId); err != nil {
		return fmt.Errorf("failed to delete pending order: %w", err)
	}
	zap.L().Debug("Pending order deleted", zap.String("order_id", orderId))
	return nil
}

// PurgeExpiredPendingOrders drops every pending order whose TTL elapsed before now.
func (s *Service) PurgeExpiredPendingOrders(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryPurgeExpiredPendingOrders, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending orders: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if purged > 0 {
		zap.L().Info("Purged expired pending orders", zap.Int64("count", purged))
	}
	return purged, nil
}
