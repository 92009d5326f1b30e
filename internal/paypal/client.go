package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bounty-escrow-go/internal/models"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// tokenExpiryMargin renews a cached access token this long before it expires.
const tokenExpiryMargin = 60 * time.Second

// Client talks to the PayPal REST API. It never retries a call; the flows
// calling it decide what is safe to repeat.
type Client struct {
	baseURL      string
	clientId     string
	clientSecret string
	httpClient   http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg models.PayPalConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("paypal base url cannot be empty")
	}
	if cfg.ClientId == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("paypal client credentials are required")
	}

	httpClient, err := createCustomHttpClient(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientId:     cfg.ClientId,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
	}, nil
}

func createCustomHttpClient(timeout time.Duration) (http.Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   10 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// GetAccessToken returns a cached client-credentials token, fetching a new one
// when the cache is empty or about to expire.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("unable to build token request: %w", err)
	}
	req.SetBasicAuth(c.clientId, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGatewayAuth, &GatewayError{Op: "get access token", Message: err.Error()})
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: unable to read token response: %w", ErrGatewayAuth, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gatewayErr := newGatewayError("get access token", resp.StatusCode, body)
		zap.L().Error("PayPal authentication failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", gatewayErr.Message))
		return "", fmt.Errorf("%w: %w", ErrGatewayAuth, gatewayErr)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("%w: unable to decode token response: %w", ErrGatewayAuth, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: token response carried no access token", ErrGatewayAuth)
	}

	lifetime := time.Duration(token.ExpiresIn) * time.Second
	c.token = token.AccessToken
	c.tokenExpiry = time.Now().Add(lifetime - tokenExpiryMargin)

	zap.L().Debug("Fetched PayPal access token", zap.Int64("expires_in", token.ExpiresIn))
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

// doJSON sends an authenticated JSON request and decodes a 2xx response into out.
// It returns the raw response body alongside any error.
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload any, headers map[string]string, out any) ([]byte, error) {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("unable to encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("unable to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			zap.L().Error("PayPal call timed out",
				zap.String("op", op),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s: %v", ErrUnknownOutcome, op, err)
		}
		return nil, &GatewayError{Op: op, Message: err.Error()}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: unable to read response: %v", ErrUnknownOutcome, op, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gatewayErr := newGatewayError(op, resp.StatusCode, body)
		zap.L().Warn("PayPal call failed",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("name", gatewayErr.Name),
			zap.String("message", gatewayErr.Message))
		return body, gatewayErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, fmt.Errorf("unable to decode %s response: %w", op, err)
		}
	}

	zap.L().Debug("PayPal call succeeded",
		zap.String("op", op),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		zap.L().Warn("Failed to close response body", zap.Error(err))
	}
}
