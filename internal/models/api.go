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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingOrderResult is returned once a provider order exists for a funding request
type FundingOrderResult struct {
	OrderId     string          `json:"order_id"`
	ApproveURL  string          `json:"approve_url,omitempty"`
	TotalBudget decimal.Decimal `json:"total_budget"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	BountyPool  decimal.Decimal `json:"bounty_pool"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// CaptureResult describes the project produced (or found) for a captured order
type CaptureResult struct {
	Project          *Project `json:"project"`
	CaptureId        string   `json:"capture_id"`
	AlreadyProcessed bool     `json:"already_processed"`
	FeeCollected     bool     `json:"fee_collected"`
	FeeError         string   `json:"fee_error,omitempty"`
}

// SettlementResult reports the ledger state after a reward action
type SettlementResult struct {
	ReportId        string          `json:"report_id"`
	Status          string          `json:"status"`
	RewardAmount    decimal.Decimal `json:"reward_amount"`
	RemainingBounty decimal.Decimal `json:"remaining_bounty"`
	Message         string          `json:"message"`
}

// WithdrawalResult reports a withdrawal after a lifecycle action
type WithdrawalResult struct {
	Withdrawal *Withdrawal     `json:"withdrawal"`
	Balance    decimal.Decimal `json:"balance"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	Message    string          `json:"message"`
}

// WebhookResult is what the provider-facing handler reports back
type WebhookResult struct {
	EventId   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Processed bool   `json:"processed"`
	Error     string `json:"error,omitempty"`
}

// PaymentRecord is one funded project in a developer's payment history
type PaymentRecord struct {
	ProjectId     string          `json:"project_id"`
	Name          string          `json:"name"`
	TotalBudget   decimal.Decimal `json:"total_budget"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TotalBounty   decimal.Decimal `json:"total_bounty"`
	PaymentStatus string          `json:"payment_status"`
	PaidAt        time.Time       `json:"paid_at"`
}

// ReconciliationReport compares a stored figure with the one rebuilt from history
type ReconciliationReport struct {
	Subject    string          `json:"subject"`
	Stored     decimal.Decimal `json:"stored"`
	Expected   decimal.Decimal `json:"expected"`
	Difference decimal.Decimal `json:"difference"`
}

// Balanced reports whether stored and expected figures agree.
func (r ReconciliationReport) Balanced() bool {
	return r.Difference.IsZero()
}

// BalanceSummary is a user's balance together with recent ledger activity
type BalanceSummary struct {
	User         *User         `json:"user"`
	Transactions []Transaction `json:"transactions"`
	Withdrawals  []Withdrawal  `json:"withdrawals"`
}
