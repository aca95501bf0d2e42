/**
 * @description
 * This package provides a client for the Midtrans-style payment gateway. It creates
 * Snap charges for gateway-funded topups and reads the authoritative status of an
 * order during reconciliation. Requests authenticate with HTTP basic auth using the
 * server key as the username.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrOrderNotFound is returned when the gateway has no record of an order id.
var ErrOrderNotFound = errors.New("gateway order not found")

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	SnapURL    string
	ServerKey  string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, snapURL, serverKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		SnapURL:   strings.TrimSuffix(snapURL, "/"),
		ServerKey: serverKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the Snap transaction payload.
type ChargeRequest struct {
	TransactionDetails TransactionDetails `json:"transaction_details"`
	CustomerDetails    *CustomerDetails   `json:"customer_details,omitempty"`
	EnabledPayments    []string           `json:"enabled_payments,omitempty"`
}

type TransactionDetails struct {
	OrderID     string      `json:"order_id"`
	GrossAmount json.Number `json:"gross_amount"`
}

type CustomerDetails struct {
	FirstName string `json:"first_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// ChargeResponse carries the Snap token and the hosted payment page.
type ChargeResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// StatusResponse is the body of the transaction status API.
type StatusResponse struct {
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

// ErrorResponse represents an error from the gateway API.
type ErrorResponse struct {
	StatusCode    int      `json:"-"`
	StatusMessage string   `json:"status_message"`
	ErrorMessages []string `json:"error_messages"`
}

func (e *ErrorResponse) Error() string {
	if len(e.ErrorMessages) > 0 {
		return fmt.Sprintf("gateway api error (status %d): %s", e.StatusCode, strings.Join(e.ErrorMessages, "; "))
	}
	if e.StatusMessage != "" {
		return fmt.Sprintf("gateway api error (status %d): %s", e.StatusCode, e.StatusMessage)
	}
	return fmt.Sprintf("unknown gateway api error (status %d)", e.StatusCode)
}

// CreateCharge opens a Snap payment for the given order.
func (c *Client) CreateCharge(ctx context.Context, payload ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SnapURL+"/transactions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var chargeResp ChargeResponse
	if err := c.do(req, "create_charge", &chargeResp); err != nil {
		return nil, err
	}
	if chargeResp.Token == "" {
		return nil, fmt.Errorf("gateway returned an empty snap token for order %s", payload.TransactionDetails.OrderID)
	}
	return &chargeResp, nil
}

// CheckStatus fetches the current gateway status of an order.
func (c *Client) CheckStatus(ctx context.Context, orderID string) (*StatusResponse, error) {
	endpoint := c.BaseURL + "/v2/" + url.PathEscape(orderID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	var statusResp StatusResponse
	if err := c.do(req, "check_status", &statusResp); err != nil {
		return nil, err
	}
	// The status API answers HTTP 200 with an embedded status code for unknown orders.
	if statusResp.StatusCode == "404" {
		return nil, ErrOrderNotFound
	}
	return &statusResp, nil
}

// Ping reports whether the gateway API answers at all. Any HTTP response counts as
// reachable; only transport failures are returned.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}
	req.SetBasicAuth(c.ServerKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.ServerKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &errResp
		}
		log.Printf("level=warn component=gateway_client op=%s status=%d err=%q", op, resp.StatusCode, errResp.Error())
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
