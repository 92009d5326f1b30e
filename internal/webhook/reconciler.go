/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/store"

	"go.uber.org/zap"
)

const (
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	EventOrderCompleted   = "CHECKOUT.ORDER.COMPLETED"
	EventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
)

// ErrMalformedEvent is returned for bodies that are not a provider event.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Verifier authenticates a webhook delivery.
type Verifier interface {
	Verify(ctx context.Context, headers paypal.WebhookHeaders, body []byte) error
}

type envelope struct {
	Id         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type captureResource struct {
	Id                string `json:"id"`
	Status            string `json:"status"`
	SupplementaryData struct {
		RelatedIds struct {
			OrderId string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type orderResource struct {
	Id            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				Id string `json:"id"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// Reconciler applies verified provider callbacks to the ledger. Each event id
// is applied at most once.
type Reconciler struct {
	store    store.LedgerStore
	verifier Verifier
	events   *events.Emitter
}

func NewReconciler(ledger store.LedgerStore, verifier Verifier, emitter *events.Emitter) *Reconciler {
	return &Reconciler{store: ledger, verifier: verifier, events: emitter}
}

// HandleProviderWebhook verifies, deduplicates and dispatches one delivery.
// A returned error means the delivery was not accepted (bad signature, bad
// body or a store failure before the event was recorded). Errors while
// applying an accepted event are recorded on the event and reported in the
// result instead.
func (r *Reconciler) HandleProviderWebhook(ctx context.Context, headers paypal.WebhookHeaders, body []byte) (*models.WebhookResult, error) {
	if err := r.verifier.Verify(ctx, headers, body); err != nil {
		zap.L().Warn("Rejected webhook delivery",
			zap.String("transmission_id", headers.TransmissionId),
			zap.Error(err))
		return nil, err
	}

	var event envelope
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Id == "" || event.EventType == "" {
		return nil, fmt.Errorf("%w: missing id or event_type", ErrMalformedEvent)
	}

	result := &models.WebhookResult{EventId: event.Id, EventType: event.EventType}

	err := r.store.RecordWebhookEvent(ctx, &models.WebhookEvent{
		EventId:   event.Id,
		EventType: event.EventType,
		Resource:  string(event.Resource),
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		zap.L().Info("Duplicate webhook event ignored",
			zap.String("event_id", event.Id),
			zap.String("event_type", event.EventType))
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Processing webhook event",
		zap.String("event_id", event.Id),
		zap.String("event_type", event.EventType))

	var errMsg string
	if err := r.dispatch(ctx, event); err != nil {
		errMsg = err.Error()
		result.Error = errMsg
		zap.L().Error("Webhook event handling failed",
			zap.String("event_id", event.Id),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
	result.Processed = errMsg == ""

	if err := r.store.MarkWebhookEventProcessed(ctx, event.Id, errMsg); err != nil {
		zap.L().Warn("Failed to mark webhook event",
			zap.String("event_id", event.Id),
			zap.Error(err))
	}
	return result, nil
}

func (r *Reconciler) dispatch(ctx context.Context, event envelope) error {
	switch event.EventType {
	case EventCaptureCompleted:
		var capture captureResource
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return fmt.Errorf("%w: capture resource: %v", ErrMalformedEvent, err)
		}
		orderId := capture.SupplementaryData.RelatedIds.OrderId
		if orderId == "" {
			return fmt.Errorf("%w: capture %s has no related order id", ErrMalformedEvent, capture.Id)
		}
		return r.markPaid(ctx, event, orderId, capture.Id)

	case EventOrderCompleted:
		var order orderResource
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return fmt.Errorf("%w: order resource: %v", ErrMalformedEvent, err)
		}
		if order.Id == "" {
			return fmt.Errorf("%w: order resource has no id", ErrMalformedEvent)
		}
		var captureId string
		if len(order.PurchaseUnits) > 0 && len(order.PurchaseUnits[0].Payments.Captures) > 0 {
			captureId = order.PurchaseUnits[0].Payments.Captures[0].Id
		}
		return r.markPaid(ctx, event, order.Id, captureId)

	case EventCaptureDenied:
		var capture captureResource
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return fmt.Errorf("%w: capture resource: %v", ErrMalformedEvent, err)
		}
		orderId := capture.SupplementaryData.RelatedIds.OrderId
		project, err := r.store.ResetProjectPayment(ctx, orderId)
		if errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("Capture denied for unknown order",
				zap.String("event_id", event.Id),
				zap.String("order_id", orderId),
				zap.String("capture_id", capture.Id))
			return nil
		}
		if err != nil {
			return err
		}
		zap.L().Warn("Capture denied, project payment reset",
			zap.String("project_id", project.Id),
			zap.String("order_id", orderId))
		return nil

	case EventOrderApproved:
		var order orderResource
		_ = json.Unmarshal(event.Resource, &order)
		zap.L().Info("Order approved by payer", zap.String("order_id", order.Id))
		return nil
	}

	zap.L().Info("Unhandled webhook event type acknowledged",
		zap.String("event_id", event.Id),
		zap.String("event_type", event.EventType))
	return nil
}

// markPaid confirms the payment of an existing project. It never creates one:
// a confirmed payment without a project is a reconciliation gap unless the
// capture flow has yet to materialize it.
func (r *Reconciler) markPaid(ctx context.Context, event envelope, orderId, captureId string) error {
	project, err := r.store.SetProjectPaymentStatus(ctx, orderId, models.PaymentStatusPaid, captureId)
	if err == nil {
		zap.L().Info("Project payment confirmed by webhook",
			zap.String("project_id", project.Id),
			zap.String("order_id", orderId),
			zap.String("capture_id", captureId))
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, pendingErr := r.store.GetPendingOrder(ctx, orderId); pendingErr == nil {
		zap.L().Warn("Payment confirmed before project was materialized",
			zap.String("event_id", event.Id),
			zap.String("order_id", orderId))
		return fmt.Errorf("project for order %s not materialized yet", orderId)
	}

	zap.L().Error("Reconciliation gap: provider confirmed payment for unknown order",
		zap.String("event_id", event.Id),
		zap.String("event_type", event.EventType),
		zap.String("order_id", orderId),
		zap.String("capture_id", captureId))
	r.events.Emit(ctx, events.ReconciliationGap, events.Event{
		OrderId:   orderId,
		Reference: captureId,
		Reason:    "webhook " + event.EventType + " for unknown order",
	})
	return fmt.Errorf("%w: order %s", store.ErrReconciliationGap, orderId)
}
