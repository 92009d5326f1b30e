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

package escrow

import (
	"context"
	"errors"
	"time"

	"bounty-escrow-go/internal/events"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/store"
)

var (
	ErrCaptureNotCompleted   = errors.New("payment capture not completed")
	ErrFeeSettlementDisabled = errors.New("platform fee settlement not configured")
)

// Gateway is the part of the payment provider the funding flow needs.
type Gateway interface {
	CreateOrder(ctx context.Context, params paypal.CreateOrderParams) (*models.Order, error)
	CaptureOrder(ctx context.Context, orderId string) (*models.Capture, error)
}

// FeeSettler moves a project's captured platform fee to the platform's own
// account and returns the provider reference of the transfer.
type FeeSettler interface {
	SettleFee(ctx context.Context, project *models.Project) (string, error)
}

// Service runs the funding flow: order creation, capture, project
// materialization and the best-effort platform fee transfer.
type Service struct {
	store       store.LedgerStore
	gateway     Gateway
	fees        FeeSettler
	events      *events.Emitter
	cfg         models.EscrowConfig
	frontendURL string
	now         func() time.Time
}

// NewService wires the funding flow. fees may be nil, in which case fees stay
// uncollected until a settler is configured.
func NewService(ledger store.LedgerStore, gateway Gateway, fees FeeSettler, emitter *events.Emitter, cfg models.EscrowConfig, frontendURL string) *Service {
	return &Service{
		store:       ledger,
		gateway:     gateway,
		fees:        fees,
		events:      emitter,
		cfg:         cfg,
		frontendURL: frontendURL,
		now:         time.Now,
	}
}
