package paypal

import (
	"context"
	"fmt"
	"net/http"

	"bounty-escrow-go/internal/models"

	"go.uber.org/zap"
)

type senderBatchHeader struct {
	SenderBatchId string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailMessage  string `json:"email_message,omitempty"`
}

type payoutAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type payoutItem struct {
	RecipientType   string       `json:"recipient_type"`
	Amount          payoutAmount `json:"amount"`
	Note            string       `json:"note,omitempty"`
	SenderItemId    string       `json:"sender_item_id"`
	Receiver        string       `json:"receiver"`
	RecipientWallet string       `json:"recipient_wallet"`
}

type createPayoutRequest struct {
	SenderBatchHeader senderBatchHeader `json:"sender_batch_header"`
	Items             []payoutItem      `json:"items"`
}

type payoutResponse struct {
	BatchHeader struct {
		PayoutBatchId string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
	Items []struct {
		PayoutItemId string `json:"payout_item_id"`
	} `json:"items"`
}

// SendPayout sends a single-item payout to a PayPal email recipient.
func (c *Client) SendPayout(ctx context.Context, request models.PayoutRequest) (*models.Payout, error) {
	if !request.Amount.IsPositive() {
		return nil, fmt.Errorf("payout amount must be positive, got %s", request.Amount)
	}
	if request.Recipient == "" {
		return nil, fmt.Errorf("payout recipient cannot be empty")
	}

	payload := createPayoutRequest{
		SenderBatchHeader: senderBatchHeader{
			SenderBatchId: request.SenderBatchId,
			EmailSubject:  request.EmailSubject,
			EmailMessage:  request.EmailMessage,
		},
		Items: []payoutItem{{
			RecipientType:   "EMAIL",
			Amount:          payoutAmount{Value: request.Amount.StringFixed(2), Currency: request.Currency},
			Note:            request.Note,
			SenderItemId:    request.SenderItemId,
			Receiver:        request.Recipient,
			RecipientWallet: "PAYPAL",
		}},
	}

	var response payoutResponse
	if _, err := c.doJSON(ctx, "send payout", http.MethodPost, "/v1/payments/payouts", payload, nil, &response); err != nil {
		return nil, err
	}

	payout := &models.Payout{
		BatchId:     response.BatchHeader.PayoutBatchId,
		ItemId:      request.SenderItemId,
		BatchStatus: response.BatchHeader.BatchStatus,
	}
	if len(response.Items) > 0 && response.Items[0].PayoutItemId != "" {
		payout.ItemId = response.Items[0].PayoutItemId
	}

	zap.L().Info("PayPal payout sent",
		zap.String("batch_id", payout.BatchId),
		zap.String("sender_batch_id", request.SenderBatchId),
		zap.String("batch_status", payout.BatchStatus),
		zap.String("amount", request.Amount.StringFixed(2)))
	return payout, nil
}
