package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"bounty-escrow-go/internal/escrow"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/store"
	"bounty-escrow-go/internal/webhook"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error         string      `json:"error"`
	CurrentStatus string      `json:"current_status,omitempty"`
	Result        interface{} `json:"result,omitempty"`
}

// statusFor maps ledger and gateway errors to HTTP status codes. Unknown
// errors are 500 and their text is not exposed.
func statusFor(err error) (int, bool) {
	var gatewayErr *paypal.GatewayError
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, webhook.ErrMalformedEvent):
		return http.StatusBadRequest, true
	case errors.Is(err, paypal.ErrInvalidSignature):
		return http.StatusUnauthorized, true
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, true
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, store.ErrInvalidStateTransition),
		errors.Is(err, store.ErrDuplicateTransaction),
		errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict, true
	case errors.Is(err, store.ErrInsufficientBounty),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrBountyOverflow),
		errors.Is(err, escrow.ErrCaptureNotCompleted):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, paypal.ErrUnknownOutcome):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, paypal.ErrGatewayAuth), errors.As(err, &gatewayErr):
		return http.StatusBadGateway, true
	case errors.Is(err, store.ErrReconciliationGap), errors.Is(err, store.ErrPartialFailure):
		return http.StatusInternalServerError, true
	}
	return http.StatusInternalServerError, false
}

// writeError responds with the mapped status. result, when not nil, is the
// state the operation left behind (e.g. a withdrawal marked failed).
func writeError(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	status, known := statusFor(err)
	body := errorResponse{Error: err.Error(), Result: result}
	if !known {
		zap.L().Error("Unhandled request error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Error = "internal error"
	}

	var stateErr *store.StateError
	if errors.As(err, &stateErr) {
		body.CurrentStatus = stateErr.Current
	}
	writeJSON(w, status, body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to encode response", zap.Error(err))
	}
}
