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

const (
	RoleDeveloper = "developer"
	RoleTester    = "tester"
	RoleAdmin     = "admin"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

const (
	ProjectStatusPending   = "pending"
	ProjectStatusApproved  = "approved"
	ProjectStatusRejected  = "rejected"
	ProjectStatusCompleted = "completed"
)

// Platform fee collection state on a project. "uncollected" and "failed" are
// picked up by the fee retry job.
const (
	FeeStatusUncollected = "uncollected"
	FeeStatusSending     = "sending"
	FeeStatusCollected   = "collected"
	FeeStatusFailed      = "failed"
)

const (
	ReportStatusPending  = "pending"
	ReportStatusApproved = "approved"
	ReportStatusRejected = "rejected"
	ReportStatusResolved = "resolved"
)

const (
	RewardStatusPending  = "pending"
	RewardStatusApproved = "approved"
	RewardStatusPaid     = "paid"
	RewardStatusRejected = "rejected"
)

const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
	SeverityMinor    = "minor"
)

const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusRejected   = "rejected"
	WithdrawalStatusFailed     = "failed"
)

// Transaction types recorded in the money-movement journal.
const (
	TxTypeProjectFunding   = "project_funding"
	TxTypePlatformFee      = "platform_fee"
	TxTypeBugReward        = "bug_reward"
	TxTypeRewardAdjustment = "reward_adjustment"
	TxTypeRewardReversal   = "reward_reversal"
	TxTypeWithdrawal       = "withdrawal"
	TxTypeWithdrawalRefund = "withdrawal_refund"
	TxTypeAdminCorrection  = "admin_correction"
)

// User represents a platform account holding spendable credits
type User struct {
	Id                   string          `db:"id"`
	Name                 string          `db:"name"`
	Email                string          `db:"email"`
	Role                 string          `db:"role"`
	PaypalEmail          string          `db:"paypal_email"`
	Balance              decimal.Decimal `db:"balance"`
	TotalEarnings        decimal.Decimal `db:"total_earnings"`
	TotalCreditsAcquired decimal.Decimal `db:"total_credits_acquired"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// BugRewards holds a project's default reward per severity
type BugRewards struct {
	Critical decimal.Decimal `json:"critical"`
	Major    decimal.Decimal `json:"major"`
	Minor    decimal.Decimal `json:"minor"`
}

// ForSeverity returns the configured default reward, or zero for unknown severities.
func (b BugRewards) ForSeverity(severity string) decimal.Decimal {
	switch severity {
	case SeverityCritical:
		return b.Critical
	case SeverityMajor:
		return b.Major
	case SeverityMinor:
		return b.Minor
	}
	return decimal.Zero
}

// ProjectDetails is the developer-submitted part of a project. It travels
// inside a PendingOrder until the funding payment is captured.
type ProjectDetails struct {
	Name        string     `json:"name"`
	Platform    string     `json:"platform"`
	Scope       string     `json:"scope"`
	Objective   string     `json:"objective"`
	AreasToTest string     `json:"areas_to_test"`
	Notes       string     `json:"notes"`
	ProjectLink string     `json:"project_link"`
	BugRewards  BugRewards `json:"bug_rewards"`
}

// Project is one funded bounty campaign (the escrow pool)
type Project struct {
	Id                    string          `db:"id"`
	PostedBy              string          `db:"posted_by"`
	Details               ProjectDetails  `db:"details"`
	TotalBudget           decimal.Decimal `db:"total_budget"`
	PlatformFeePercentage decimal.Decimal `db:"platform_fee_percentage"`
	PlatformFee           decimal.Decimal `db:"platform_fee"`
	TotalBounty           decimal.Decimal `db:"total_bounty"`
	RemainingBounty       decimal.Decimal `db:"remaining_bounty"`
	Status                string          `db:"status"`
	PaymentStatus         string          `db:"payment_status"`
	PaypalOrderId         string          `db:"paypal_order_id"`
	PaypalPaymentId       string          `db:"paypal_payment_id"`
	FeeStatus             string          `db:"fee_status"`
	FeePayoutId           string          `db:"fee_payout_id"`
	FeeFailureReason      string          `db:"fee_failure_reason"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

// PendingOrder is the escrow intent recorded between order creation and capture
type PendingOrder struct {
	OrderId   string          `db:"order_id"`
	UserId    string          `db:"user_id"`
	Details   ProjectDetails  `db:"details"`
	Total     decimal.Decimal `db:"total"`
	FeePct    decimal.Decimal `db:"fee_pct"`
	CreatedAt time.Time       `db:"created_at"`
	ExpiresAt time.Time       `db:"expires_at"`
}

// BugReport carries the money-relevant part of a submitted report
type BugReport struct {
	Id               string          `db:"id"`
	ProjectId        string          `db:"project_id"`
	SubmittedBy      string          `db:"submitted_by"`
	Title            string          `db:"title"`
	Severity         string          `db:"severity"`
	Status           string          `db:"status"`
	RewardAmount     decimal.Decimal `db:"reward_amount"`
	RewardStatus     string          `db:"reward_status"`
	RewardApprovedBy string          `db:"reward_approved_by"`
	RewardApprovedAt *time.Time      `db:"reward_approved_at"`
	AdminNotes       string          `db:"admin_notes"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Withdrawal is a tester's request to move credits out through a payout
type Withdrawal struct {
	Id              string          `db:"id"`
	UserId          string          `db:"user_id"`
	Amount          decimal.Decimal `db:"amount"`
	Destination     string          `db:"destination"`
	Status          string          `db:"status"`
	BalanceDeducted bool            `db:"balance_deducted"`
	PaypalPayoutId  string          `db:"paypal_payout_id"`
	PaypalItemId    string          `db:"paypal_item_id"`
	FailureReason   string          `db:"failure_reason"`
	AdminNotes      string          `db:"admin_notes"`
	ProcessedBy     string          `db:"processed_by"`
	ProcessedAt     *time.Time      `db:"processed_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// WebhookEvent is the dedup log entry for a provider callback
type WebhookEvent struct {
	EventId     string     `db:"event_id"`
	EventType   string     `db:"event_type"`
	Resource    string     `db:"resource"`
	Processed   bool       `db:"processed"`
	Error       string     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// Transaction is an immutable money-movement record (cold data)
type Transaction struct {
	Id              string          `db:"id"`
	TransactionType string          `db:"transaction_type"`
	UserId          string          `db:"user_id"`
	ProjectId       string          `db:"project_id"`
	Amount          decimal.Decimal `db:"amount"`
	ExternalId      string          `db:"external_id"`
	Reference       string          `db:"reference"`
	Status          string          `db:"status"`
	CreatedAt       time.Time       `db:"created_at"`
}
