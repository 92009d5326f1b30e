package paypal

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrGatewayAuth wraps every failure to obtain an access token.
	ErrGatewayAuth = errors.New("paypal authentication failed")
	// ErrUnknownOutcome means the request may or may not have taken effect at
	// the provider, e.g. a timeout after the request was sent.
	ErrUnknownOutcome = errors.New("paypal call outcome unknown")
	// ErrInvalidSignature is returned when a webhook fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// ErrorDetail is one entry of a PayPal error body's details list.
type ErrorDetail struct {
	Field       string `json:"field,omitempty"`
	Issue       string `json:"issue"`
	Description string `json:"description,omitempty"`
}

// GatewayError carries the provider's error body verbatim.
type GatewayError struct {
	Op         string
	StatusCode int
	Name       string
	Message    string
	DebugId    string
	Details    []ErrorDetail
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("paypal %s failed: %s", e.Op, e.Message)
	}
	if e.Name != "" {
		return fmt.Sprintf("paypal %s failed (%d %s): %s", e.Op, e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("paypal %s failed (%d): %s", e.Op, e.StatusCode, e.Message)
}

type errorBody struct {
	Name             string        `json:"name"`
	Message          string        `json:"message"`
	Error            string        `json:"error"`
	ErrorDescription string        `json:"error_description"`
	DebugId          string        `json:"debug_id"`
	Details          []ErrorDetail `json:"details"`
}

func newGatewayError(op string, statusCode int, body []byte) *GatewayError {
	gatewayErr := &GatewayError{Op: op, StatusCode: statusCode}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		gatewayErr.Message = string(body)
		return gatewayErr
	}

	gatewayErr.Name = parsed.Name
	if gatewayErr.Name == "" {
		gatewayErr.Name = parsed.Error
	}
	gatewayErr.DebugId = parsed.DebugId
	gatewayErr.Details = parsed.Details

	switch {
	case parsed.Message != "":
		gatewayErr.Message = parsed.Message
	case parsed.ErrorDescription != "":
		gatewayErr.Message = parsed.ErrorDescription
	case len(parsed.Details) > 0 && parsed.Details[0].Issue != "":
		gatewayErr.Message = parsed.Details[0].Issue
	default:
		gatewayErr.Message = string(body)
	}
	return gatewayErr
}

// FailureReason returns the most specific provider message found in err, for
// recording on a failed withdrawal or fee transfer.
func FailureReason(err error) string {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		if len(gatewayErr.Details) > 0 && gatewayErr.Details[0].Issue != "" && gatewayErr.Details[0].Issue != gatewayErr.Message {
			return gatewayErr.Message + ": " + gatewayErr.Details[0].Issue
		}
		return gatewayErr.Message
	}
	return err.Error()
}
