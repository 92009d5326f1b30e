package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"bounty-escrow-go/internal/escrow"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/settlement"
	"bounty-escrow-go/internal/store"
	"bounty-escrow-go/internal/withdrawal"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxBodySize        = 1 << 20
	maxWebhookBodySize = 1 << 20
)

type FundingService interface {
	CreateFundingOrder(ctx context.Context, params escrow.CreateFundingOrderParams) (*models.FundingOrderResult, error)
	CaptureFundingOrder(ctx context.Context, params escrow.CaptureFundingOrderParams) (*models.CaptureResult, error)
	PaymentHistory(ctx context.Context) ([]models.PaymentRecord, error)
}

type SettlementService interface {
	SettleReward(ctx context.Context, params settlement.SettleRewardParams) (*models.SettlementResult, error)
	DeleteReport(ctx context.Context, params settlement.DeleteReportParams) (*models.SettlementResult, error)
}

type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, params withdrawal.RequestWithdrawalParams) (*models.WithdrawalResult, error)
	ListWithdrawals(ctx context.Context) ([]models.Withdrawal, error)
	ProcessWithdrawal(ctx context.Context, params withdrawal.ProcessWithdrawalParams) (*models.WithdrawalResult, error)
	DeleteWithdrawal(ctx context.Context, withdrawalId string) error
}

type WebhookService interface {
	HandleProviderWebhook(ctx context.Context, headers paypal.WebhookHeaders, body []byte) (*models.WebhookResult, error)
}

// Handler serves the escrow HTTP API.
type Handler struct {
	ledger      *LedgerService
	funding     FundingService
	settlement  SettlementService
	withdrawals WithdrawalService
	webhooks    WebhookService
}

func NewHandler(ledger *LedgerService, funding FundingService, settlement SettlementService, withdrawals WithdrawalService, webhooks WebhookService) *Handler {
	return &Handler{
		ledger:      ledger,
		funding:     funding,
		settlement:  settlement,
		withdrawals: withdrawals,
		webhooks:    webhooks,
	}
}

type fundingOrderRequest struct {
	models.ProjectDetails
	TotalBudget decimal.Decimal `json:"total_budget"`
}

type settleRewardRequest struct {
	Action   string           `json:"action"`
	Amount   *decimal.Decimal `json:"amount"`
	Severity string           `json:"severity"`
	Notes    string           `json:"notes"`
}

type withdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PaypalEmail string          `json:"paypal_email"`
}

type processWithdrawalRequest struct {
	Action          string `json:"action"`
	PayoutReference string `json:"payout_reference"`
	Notes           string `json:"notes"`
}

type adjustBalanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
	Reason  string          `json:"reason"`
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", store.ErrValidation, err)
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.HealthCheck(r.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateFundingOrder(w http.ResponseWriter, r *http.Request) {
	var req fundingOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}

	result, err := h.funding.CreateFundingOrder(r.Context(), escrow.CreateFundingOrderParams{
		Details:     req.ProjectDetails,
		TotalBudget: req.TotalBudget,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCaptureFundingOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.funding.CaptureFundingOrder(r.Context(), escrow.CaptureFundingOrderParams{
		OrderId: chi.URLParam(r, "orderId"),
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handler) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.funding.PaymentHistory(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": history})
}

func (h *Handler) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}

	result, err := h.withdrawals.RequestWithdrawal(r.Context(), withdrawal.RequestWithdrawalParams{
		Amount:      req.Amount,
		Destination: req.PaypalEmail,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.withdrawals.ListWithdrawals(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawals": list})
}

func (h *Handler) handleMyBalance(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	summary, err := h.ledger.MyBalance(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleSettleReward(w http.ResponseWriter, r *http.Request) {
	var req settleRewardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	action, err := settlement.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	result, err := h.settlement.SettleReward(r.Context(), settlement.SettleRewardParams{
		ReportId: chi.URLParam(r, "id"),
		Action:   action,
		Amount:   req.Amount,
		Severity: req.Severity,
		Notes:    req.Notes,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	result, err := h.settlement.DeleteReport(r.Context(), settlement.DeleteReportParams{ReportId: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req processWithdrawalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	action, err := withdrawal.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	result, err := h.withdrawals.ProcessWithdrawal(r.Context(), withdrawal.ProcessWithdrawalParams{
		WithdrawalId:    chi.URLParam(r, "id"),
		Action:          action,
		PayoutReference: req.PayoutReference,
		Notes:           req.Notes,
	})
	if err != nil {
		var partial interface{}
		if result != nil {
			partial = result
		}
		writeError(w, r, err, partial)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	if err := h.withdrawals.DeleteWithdrawal(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}

	user, err := h.ledger.AdjustBalance(r.Context(), chi.URLParam(r, "id"), req.Balance, req.Reason)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handlePayPalWebhook acknowledges every accepted delivery with 200, including
// events whose handling failed; the failure is kept on the recorded event.
func (h *Handler) handlePayPalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unable to read body")
		return
	}

	result, err := h.webhooks.HandleProviderWebhook(r.Context(), paypal.HeadersFrom(r.Header), body)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
