package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bounty-escrow-go/internal/database"
	"bounty-escrow-go/internal/escrow"
	"bounty-escrow-go/internal/models"
	"bounty-escrow-go/internal/paypal"
	"bounty-escrow-go/internal/settlement"
	"bounty-escrow-go/internal/store"
	"bounty-escrow-go/internal/webhook"
	"bounty-escrow-go/internal/withdrawal"

	"github.com/shopspring/decimal"
)

var testAuth = models.AuthConfig{JWTSecret: "test-secret", Issuer: "bounty-escrow-test"}

type fakeGateway struct{}

func (fakeGateway) CreateOrder(_ context.Context, _ paypal.CreateOrderParams) (*models.Order, error) {
	return &models.Order{Id: "ORDER-1", Status: "CREATED", ApproveURL: "https://paypal.example/approve"}, nil
}

func (fakeGateway) CaptureOrder(_ context.Context, orderId string) (*models.Capture, error) {
	return &models.Capture{OrderId: orderId, Status: paypal.OrderStatusCompleted, CaptureId: "CAP-" + orderId}, nil
}

type fakePayouts struct{}

func (fakePayouts) SendPayout(_ context.Context, request models.PayoutRequest) (*models.Payout, error) {
	return &models.Payout{BatchId: "BATCH-" + request.SenderItemId, ItemId: "ITEM-" + request.SenderItemId}, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, headers paypal.WebhookHeaders, _ []byte) error {
	if headers.TransmissionSig != "valid" {
		return fmt.Errorf("%w: signature mismatch", paypal.ErrInvalidSignature)
	}
	return nil
}

type testServer struct {
	server *httptest.Server
	ledger *database.Service
	users  map[string]*models.User
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	ledger, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(ledger.Close)

	users := map[string]*models.User{}
	for _, role := range []string{models.RoleAdmin, models.RoleDeveloper, models.RoleTester} {
		user, err := ledger.CreateUser(ctx, store.CreateUserParams{Name: role, Email: role + "@example.com", Role: role})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		users[role] = user
	}

	cfg := models.EscrowConfig{
		Currency:              "USD",
		PlatformFeePercentage: decimal.NewFromInt(15),
		MinimumBudget:         decimal.NewFromInt(20),
		MinWithdrawalCredits:  decimal.NewFromInt(500),
		MaxWithdrawalCredits:  decimal.NewFromInt(1_000_000),
		CreditsPerUSD:         decimal.NewFromInt(1),
		PendingOrderTTL:       time.Hour,
	}

	handler := NewHandler(
		NewLedgerService(ledger),
		escrow.NewService(ledger, fakeGateway{}, nil, nil, cfg, "http://localhost:3000"),
		settlement.NewService(ledger, nil),
		withdrawal.NewService(ledger, fakePayouts{}, nil, cfg),
		webhook.NewReconciler(ledger, fakeVerifier{}, nil),
	)
	server := httptest.NewServer(NewRouter(handler, testAuth, []string{"http://localhost:3000"}))
	t.Cleanup(server.Close)

	return &testServer{server: server, ledger: ledger, users: users}
}

func (s *testServer) do(t *testing.T, method, path, role string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := IssueToken(testAuth, s.users[role].Id, role, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("Expected status %d, got %d (%s)", want, resp.StatusCode, body.Error)
	}
}

func fundingBody(budget string) map[string]interface{} {
	return map[string]interface{}{
		"name":         "Checkout",
		"project_link": "https://example.com",
		"bug_rewards":  map[string]string{"critical": "30", "major": "15", "minor": "5"},
		"total_budget": budget,
	}
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t)
	expectStatus(t, s.do(t, http.MethodGet, "/health", "", nil), http.StatusOK)
}

func TestAuthMiddleware(t *testing.T) {
	s := setupTestServer(t)

	expectStatus(t, s.do(t, http.MethodGet, "/v1/withdrawals", "", nil), http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, s.server.URL+"/v1/withdrawals", nil)
	forged, _ := IssueToken(models.AuthConfig{JWTSecret: "other-secret", Issuer: testAuth.Issuer}, s.users[models.RoleTester].Id, models.RoleAdmin, time.Hour)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusUnauthorized)

	expectStatus(t, s.do(t, http.MethodGet, "/v1/withdrawals", models.RoleTester, nil), http.StatusOK)
}

func TestFundingRoutes(t *testing.T) {
	s := setupTestServer(t)

	resp := s.do(t, http.MethodPost, "/v1/funding/orders", models.RoleDeveloper, fundingBody("100"))
	expectStatus(t, resp, http.StatusCreated)
	var order models.FundingOrderResult
	decode(t, resp, &order)
	if order.OrderId != "ORDER-1" || !order.PlatformFee.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Unexpected order %+v", order)
	}

	resp = s.do(t, http.MethodPost, "/v1/funding/orders/ORDER-1/capture", models.RoleDeveloper, nil)
	expectStatus(t, resp, http.StatusCreated)
	var capture models.CaptureResult
	decode(t, resp, &capture)
	if capture.Project == nil || !capture.Project.RemainingBounty.Equal(decimal.NewFromInt(85)) {
		t.Errorf("Unexpected capture %+v", capture)
	}

	resp = s.do(t, http.MethodPost, "/v1/funding/orders/ORDER-1/capture", models.RoleDeveloper, nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &capture)
	if !capture.AlreadyProcessed {
		t.Error("Expected second capture to report already processed")
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/payments/history", models.RoleDeveloper, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/funding/orders", models.RoleTester, fundingBody("100")), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/funding/orders", models.RoleDeveloper, fundingBody("10")), http.StatusBadRequest)
}

func TestSettlementRoutes(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	expectStatus(t, s.do(t, http.MethodPost, "/v1/funding/orders", models.RoleDeveloper, fundingBody("100")), http.StatusCreated)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/funding/orders/ORDER-1/capture", models.RoleDeveloper, nil), http.StatusCreated)
	project, err := s.ledger.GetProjectByOrderId(ctx, "ORDER-1")
	if err != nil {
		t.Fatalf("GetProjectByOrderId failed: %v", err)
	}
	report, err := s.ledger.CreateBugReport(ctx, store.CreateBugReportParams{
		ProjectId:   project.Id,
		SubmittedBy: s.users[models.RoleTester].Id,
		Title:       "XSS in search",
		Severity:    models.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("CreateBugReport failed: %v", err)
	}
	path := "/v1/admin/bug-reports/" + report.Id

	expectStatus(t, s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]string{"action": "pay"}), http.StatusBadRequest)

	resp := s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]string{"action": "approve"})
	expectStatus(t, resp, http.StatusOK)
	var result models.SettlementResult
	decode(t, resp, &result)
	if !result.RemainingBounty.Equal(decimal.NewFromInt(55)) || !result.RewardAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Unexpected settlement %+v", result)
	}

	resp = s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]string{"action": "approve"})
	expectStatus(t, resp, http.StatusConflict)
	var conflict errorResponse
	decode(t, resp, &conflict)
	if conflict.CurrentStatus != models.ReportStatusApproved {
		t.Errorf("Expected current status approved, got %q", conflict.CurrentStatus)
	}

	over := decimal.NewFromInt(500)
	expectStatus(t, s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]interface{}{"action": "update-reward", "amount": over}), http.StatusUnprocessableEntity)
	expectStatus(t, s.do(t, http.MethodPut, path, models.RoleTester, map[string]string{"action": "resolve"}), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodDelete, path, models.RoleAdmin, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodDelete, path, models.RoleAdmin, nil), http.StatusNotFound)
}

func TestWithdrawalRoutes(t *testing.T) {
	s := setupTestServer(t)
	tester := s.users[models.RoleTester]

	expectStatus(t, s.do(t, http.MethodPut, "/v1/admin/users/"+tester.Id+"/balance", models.RoleTester,
		map[string]string{"balance": "500"}), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPut, "/v1/admin/users/"+tester.Id+"/balance", models.RoleAdmin,
		map[string]string{"balance": "500", "reason": "migration"}), http.StatusOK)

	expectStatus(t, s.do(t, http.MethodPost, "/v1/withdrawals", models.RoleTester,
		map[string]string{"amount": "600", "paypal_email": "tester@paypal.example"}), http.StatusUnprocessableEntity)

	resp := s.do(t, http.MethodPost, "/v1/withdrawals", models.RoleTester,
		map[string]string{"amount": "500", "paypal_email": "tester@paypal.example"})
	expectStatus(t, resp, http.StatusCreated)
	var requested models.WithdrawalResult
	decode(t, resp, &requested)
	path := "/v1/admin/withdrawals/" + requested.Withdrawal.Id

	expectStatus(t, s.do(t, http.MethodDelete, path, models.RoleAdmin, nil), http.StatusConflict)

	resp = s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]string{"action": "approve"})
	expectStatus(t, resp, http.StatusOK)
	var approved models.WithdrawalResult
	decode(t, resp, &approved)
	if approved.Withdrawal.Status != models.WithdrawalStatusCompleted || !approved.Balance.IsZero() {
		t.Errorf("Unexpected withdrawal %+v (balance %s)", approved.Withdrawal, approved.Balance)
	}

	expectStatus(t, s.do(t, http.MethodPut, path, models.RoleAdmin, map[string]string{"action": "approve"}), http.StatusConflict)

	resp = s.do(t, http.MethodGet, "/v1/balance", models.RoleTester, nil)
	expectStatus(t, resp, http.StatusOK)
	var summary models.BalanceSummary
	decode(t, resp, &summary)
	if len(summary.Withdrawals) != 1 || !summary.User.Balance.IsZero() {
		t.Errorf("Unexpected balance summary %+v", summary)
	}

	expectStatus(t, s.do(t, http.MethodDelete, path, models.RoleAdmin, nil), http.StatusNoContent)
}

func TestPayPalWebhookRoute(t *testing.T) {
	s := setupTestServer(t)
	body := []byte(`{"id": "WH-1", "event_type": "CHECKOUT.ORDER.APPROVED", "resource": {"id": "ORDER-9"}}`)

	post := func(sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, s.server.URL+"/v1/webhooks/paypal", bytes.NewReader(body))
		req.Header.Set("Paypal-Transmission-Sig", sig)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	expectStatus(t, post("forged"), http.StatusUnauthorized)

	resp := post("valid")
	expectStatus(t, resp, http.StatusOK)
	var result models.WebhookResult
	decode(t, resp, &result)
	if !result.Processed || result.Duplicate {
		t.Errorf("Unexpected webhook result %+v", result)
	}

	resp = post("valid")
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &result)
	if !result.Duplicate {
		t.Error("Expected redelivery to be reported as duplicate")
	}
}
