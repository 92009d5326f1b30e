package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Routing keys for escrow events.
const (
	ProjectFunded          = "escrow.project.funded"
	ReconciliationGap      = "escrow.reconciliation.gap"
	FeeCollected           = "escrow.fee.collected"
	FeeFailed              = "escrow.fee.failed"
	RewardSettled          = "escrow.reward.settled"
	SettlementPartialFail  = "escrow.settlement.partial_failure"
	WithdrawalCompleted    = "escrow.withdrawal.completed"
	WithdrawalFailed       = "escrow.withdrawal.failed"
	WithdrawalRejected     = "escrow.withdrawal.rejected"
	WithdrawalDebitMissing = "escrow.withdrawal.debit_missing"
	BountyMismatch         = "escrow.reconciliation.bounty_mismatch"
	BalanceMismatch        = "escrow.reconciliation.balance_mismatch"
)

// Event is the JSON body of every published escrow event.
type Event struct {
	Type         string    `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	OrderId      string    `json:"order_id,omitempty"`
	ProjectId    string    `json:"project_id,omitempty"`
	ReportId     string    `json:"report_id,omitempty"`
	WithdrawalId string    `json:"withdrawal_id,omitempty"`
	UserId       string    `json:"user_id,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Emitter publishes events to one exchange. Publishing is best effort: a
// failure is logged and never returned to the ledger operation that emitted it.
type Emitter struct {
	publisher Publisher
	exchange  string
}

func NewEmitter(publisher Publisher, exchange string) *Emitter {
	return &Emitter{publisher: publisher, exchange: exchange}
}

// Emit is safe to call on a nil Emitter.
func (e *Emitter) Emit(ctx context.Context, routingKey string, event Event) {
	if e == nil || e.publisher == nil {
		return
	}

	event.Type = routingKey
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := e.publisher.Publish(ctx, e.exchange, routingKey, event); err != nil {
		zap.L().Warn("Failed to publish event",
			zap.String("exchange", e.exchange),
			zap.String("routing_key", routingKey),
			zap.Error(err))
	}
}
