package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentCallback is one inbound gateway notification, stored verbatim.
// Rows are append-only; only ProcessedAt is set after the fact.
type PaymentCallback struct {
	ID                   uuid.UUID  `json:"id"`
	TransactionID        *uuid.UUID `json:"transaction_id,omitempty"`
	OrderID              string     `json:"order_id"`
	GatewayTransactionID *string    `json:"gateway_transaction_id,omitempty"`
	GatewayStatus        string     `json:"gateway_status"`
	StatusCode           string     `json:"status_code"`
	GrossAmount          string     `json:"gross_amount"`
	RawPayload           string     `json:"raw_payload"`
	Signature            string     `json:"signature"`
	Verified             bool       `json:"verified"`
	ReceivedAt           time.Time  `json:"received_at"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
}

// CallbackFilter narrows callback listings.
type CallbackFilter struct {
	OrderID string
	Limit   int
	Offset  int
}

// GatewayNotification is the Midtrans-style HTTP notification body.
type GatewayNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
}

// MissingFields lists the required notification fields that are empty.
func (n GatewayNotification) MissingFields() []string {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"order_id", n.OrderID},
		{"transaction_status", n.TransactionStatus},
		{"status_code", n.StatusCode},
		{"gross_amount", n.GrossAmount},
		{"signature_key", n.SignatureKey},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// MapGatewayStatus translates gateway vocabulary into an internal status.
// The second result is false for statuses that carry no lifecycle meaning (refunds, unknown values).
func MapGatewayStatus(gatewayStatus, fraudStatus string) (TransactionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "capture":
		switch strings.ToLower(strings.TrimSpace(fraudStatus)) {
		case "challenge":
			return StatusProcessing, true
		case "deny":
			return StatusFailed, true
		}
		return StatusCompleted, true
	case "settlement":
		return StatusCompleted, true
	case "pending":
		return StatusProcessing, true
	case "deny", "cancel", "expire", "failure":
		return StatusFailed, true
	}
	return "", false
}

// MapInternalStatus translates the vocabulary used by internal collaborators.
func MapInternalStatus(raw string) (TransactionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "completed", "success", "successful":
		return StatusCompleted, true
	case "rejected", "failed", "failure":
		return StatusFailed, true
	case "processing", "initiated":
		return StatusProcessing, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	case "pending":
		return StatusPending, true
	}
	return "", false
}

var ErrInvalidAmountFormat = errors.New("invalid amount format")

// CurrencyExponent returns the number of minor-unit digits for a currency code.
// Rupiah, yen and won amounts are whole units.
func CurrencyExponent(currency string) int {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "IDR", "JPY", "KRW", "VND":
		return 0
	}
	return 2
}

// ParseMajorAmount converts a decimal string such as "100000.00" into minor units.
// Fraction digits beyond the currency exponent must be zero.
func ParseMajorAmount(raw string, currency string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "-") || strings.HasPrefix(raw, "+") {
		return 0, ErrInvalidAmountFormat
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" {
		return 0, ErrInvalidAmountFormat
	}
	exp := CurrencyExponent(currency)
	if len(frac) > exp {
		if strings.Trim(frac[exp:], "0") != "" {
			return 0, ErrInvalidAmountFormat
		}
		frac = frac[:exp]
	}
	frac += strings.Repeat("0", exp-len(frac))

	value, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil || value < 0 {
		return 0, ErrInvalidAmountFormat
	}
	return value, nil
}

// FormatMajorAmount renders minor units as the decimal string gateways expect.
func FormatMajorAmount(minor int64, currency string) string {
	exp := CurrencyExponent(currency)
	if exp == 0 {
		return strconv.FormatInt(minor, 10)
	}
	digits := strconv.FormatInt(minor, 10)
	for len(digits) <= exp {
		digits = "0" + digits
	}
	return digits[:len(digits)-exp] + "." + digits[len(digits)-exp:]
}
