package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"bounty-escrow-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	OrderStatusCompleted = "COMPLETED"
	OrderStatusApproved  = "APPROVED"
)

// CreateOrderParams describes a single-item checkout order.
type CreateOrderParams struct {
	Amount      decimal.Decimal
	Currency    string
	ReferenceId string
	CustomId    string
	Description string
	ItemName    string
	BrandName   string
	ReturnURL   string
	CancelURL   string
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type orderItem struct {
	Name       string `json:"name"`
	Quantity   string `json:"quantity"`
	UnitAmount money  `json:"unit_amount"`
	Category   string `json:"category"`
}

type amountBreakdown struct {
	ItemTotal money `json:"item_total"`
}

type orderAmount struct {
	money
	Breakdown amountBreakdown `json:"breakdown"`
}

type purchaseUnit struct {
	ReferenceId string      `json:"reference_id,omitempty"`
	CustomId    string      `json:"custom_id,omitempty"`
	Description string      `json:"description,omitempty"`
	Amount      orderAmount `json:"amount"`
	Items       []orderItem `json:"items"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
	ShippingPreference string `json:"shipping_preference"`
	UserAction         string `json:"user_action"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	Id            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				Id     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CreateOrder opens a CAPTURE-intent order and returns its id and the payer approval link.
func (c *Client) CreateOrder(ctx context.Context, params CreateOrderParams) (*models.Order, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("order amount must be positive, got %s", params.Amount)
	}

	value := money{CurrencyCode: params.Currency, Value: params.Amount.StringFixed(2)}
	request := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceId: params.ReferenceId,
			CustomId:    params.CustomId,
			Description: params.Description,
			Amount:      orderAmount{money: value, Breakdown: amountBreakdown{ItemTotal: value}},
			Items: []orderItem{{
				Name:       params.ItemName,
				Quantity:   "1",
				UnitAmount: value,
				Category:   "DIGITAL_GOODS",
			}},
		}},
		ApplicationContext: applicationContext{
			BrandName:          params.BrandName,
			ReturnURL:          params.ReturnURL,
			CancelURL:          params.CancelURL,
			ShippingPreference: "NO_SHIPPING",
			UserAction:         "PAY_NOW",
		},
	}

	var response orderResponse
	if _, err := c.doJSON(ctx, "create order", http.MethodPost, "/v2/checkout/orders", request,
		map[string]string{"Prefer": "return=representation"}, &response); err != nil {
		return nil, err
	}

	order := &models.Order{Id: response.Id, Status: response.Status}
	for _, l := range response.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			order.ApproveURL = l.Href
			break
		}
	}

	zap.L().Info("PayPal order created",
		zap.String("order_id", order.Id),
		zap.String("status", order.Status),
		zap.String("amount", value.Value))
	return order, nil
}

// CaptureOrder captures an approved order. The order id doubles as the request
// id so a repeated capture is answered from PayPal's idempotency cache.
func (c *Client) CaptureOrder(ctx context.Context, orderId string) (*models.Capture, error) {
	if orderId == "" {
		return nil, fmt.Errorf("order id cannot be empty")
	}

	var response orderResponse
	raw, err := c.doJSON(ctx, "capture order", http.MethodPost,
		"/v2/checkout/orders/"+url.PathEscape(orderId)+"/capture", struct{}{},
		map[string]string{"PayPal-Request-Id": "capture-" + orderId, "Prefer": "return=representation"}, &response)
	if err != nil {
		return nil, err
	}

	capture := &models.Capture{OrderId: response.Id, Status: response.Status, Raw: raw}
	if len(response.PurchaseUnits) > 0 && len(response.PurchaseUnits[0].Payments.Captures) > 0 {
		capture.CaptureId = response.PurchaseUnits[0].Payments.Captures[0].Id
	}

	zap.L().Info("PayPal order captured",
		zap.String("order_id", orderId),
		zap.String("status", capture.Status),
		zap.String("capture_id", capture.CaptureId))
	return capture, nil
}
