// Package nowpayments provides a client for the NOWPayments crypto gateway.
package nowpayments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Payment describes one gateway payment as reported by the create and status
// endpoints and by IPN callbacks.
type Payment struct {
	PaymentID     int64   `json:"payment_id"`
	PaymentStatus string  `json:"payment_status"`
	PayAddress    string  `json:"pay_address"`
	PayAmount     float64 `json:"pay_amount"`
	PayCurrency   string  `json:"pay_currency"`
	PriceAmount   float64 `json:"price_amount"`
	PriceCurrency string  `json:"price_currency"`
	ActuallyPaid  float64 `json:"actually_paid"`
	OrderID       string  `json:"order_id"`
}

// CreatePaymentRequest is the body of a payment-creation call.
type CreatePaymentRequest struct {
	PriceAmount    float64 `json:"price_amount"`
	PriceCurrency  string  `json:"price_currency"`
	PayCurrency    string  `json:"pay_currency"`
	OrderID        string  `json:"order_id"`
	IPNCallbackURL string  `json:"ipn_callback_url,omitempty"`
}

// Client encapsulates HTTP interaction with the NOWPayments API.
type Client struct {
	baseURL    string
	apiKey     string
	ipnSecret  []byte
	httpClient *http.Client
}

// NewClient creates a gateway client. Requests are retried a bounded number
// of times with a per-attempt timeout; failures past that surface to the
// caller.
func NewClient(baseURL, apiKey, ipnSecret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	// Rate limits are backed off by the status sweeper, not retried inline.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		ipnSecret:  []byte(ipnSecret),
		httpClient: rc.StandardClient(),
	}
}

// CreatePayment registers a new payment with the gateway and returns the
// deposit address the buyer must pay to.
func (c *Client) CreatePayment(ctx context.Context, reqBody CreatePaymentRequest) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("nowpayments client not configured")
	}

	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &p, nil
}

// GetPaymentStatus asks the gateway for the current state of a payment.
// A 429 response is reported through retryAfter without an error so the
// sweeper can back off.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("nowpayments client not configured")
	}

	url := fmt.Sprintf("%s/v1/payment/%s", c.baseURL, paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &p, resp.StatusCode, 0, nil
}

// VerifyIPNSignature checks the HMAC-SHA512 signature of a raw IPN body.
// The comparison is constant-time; a mismatch means the payload must be
// discarded without any state change.
func (c *Client) VerifyIPNSignature(signature string, body []byte) bool {
	if len(c.ipnSecret) == 0 || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, c.ipnSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// SignIPN computes the signature the gateway would attach to the given body.
// Used by tests and by the local IPN replay tool.
func (c *Client) SignIPN(body []byte) string {
	mac := hmac.New(sha512.New, c.ipnSecret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
