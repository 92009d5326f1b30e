package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/store"

	"go.uber.org/zap"
)

// RecordWebhookEvent inserts the dedup entry for a provider event. A second
// delivery of the same event id fails with ErrDuplicateEvent.
func (s *Service) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, queryInsertWebhookEvent, event.EventId, event.EventType, event.Resource, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateEvent, event.EventId)
		}
		return fmt.Errorf("failed to record webhook event: %w", err)
	}

	zap.L().Debug("Webhook event recorded",
		zap.String("event_id", event.EventId),
		zap.String("event_type", event.EventType))
	return nil
}

// MarkWebhookEventProcessed stamps the event; a non-empty errMsg leaves it unprocessed.
func (s *Service) MarkWebhookEventProcessed(ctx context.Context, eventId, errMsg string) error {
	result, err := s.db.ExecContext(ctx, queryMarkWebhookEventProcessed, errMsg == "", errMsg, time.Now().UTC(), eventId)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: webhook event %s", store.ErrNotFound, eventId)
	}
	return nil
}

func (s *Service) GetWebhookEvent(ctx context.Context, eventId string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, queryGetWebhookEvent, eventId).Scan(&event.EventId, &event.EventType,
		&event.Resource, &event.Processed, &event.Error, &event.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook event %s", store.ErrNotFound, eventId)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query webhook event: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		event.ProcessedAt = &t
	}
	return &event, nil
}
