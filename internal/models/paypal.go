package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Order is a provider-side checkout order
type Order struct {
	Id         string
	Status     string
	ApproveURL string
}

// Capture is the outcome of capturing a checkout order
type Capture struct {
	OrderId   string
	Status    string
	CaptureId string
	Raw       json.RawMessage
}

// Payout identifies a provider payout batch and its single item
type Payout struct {
	BatchId     string
	ItemId      string
	BatchStatus string
}

// PayoutRequest is a single-recipient payout sent through the gateway
type PayoutRequest struct {
	SenderBatchId string
	SenderItemId  string
	Recipient     string
	Amount        decimal.Decimal
	Currency      string
	Note          string
	EmailSubject  string
	EmailMessage  string
}
