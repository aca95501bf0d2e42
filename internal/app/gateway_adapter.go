/**
 * @description
 * This file contains the Payment Gateway Adapter. It turns raw Midtrans-style webhook
 * notifications into engine status transitions. Every inbound payload is stored as a
 * `PaymentCallback` row before any decision is taken, so rejected and malformed traffic
 * still leaves an audit trail. Only verified callbacks for a known transaction with a
 * matching gross amount reach the engine.
 *
 * @dependencies
 * - crypto/sha512, crypto/subtle: Signature computation and constant-time comparison.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/metrics"
)

// CallbackResult describes what a processed notification did.
type CallbackResult struct {
	Callback    *domain.PaymentCallback `json:"callback"`
	Transaction *domain.Transaction     `json:"transaction,omitempty"`
	Changed     bool                    `json:"changed"`
}

// GatewayAdapter verifies and applies payment gateway notifications.
type GatewayAdapter struct {
	repo      store.Repository
	engine    StatusApplier
	serverKey string
	now       func() time.Time
}

func NewGatewayAdapter(repo store.Repository, engine StatusApplier, serverKey string) *GatewayAdapter {
	return &GatewayAdapter{
		repo:      repo,
		engine:    engine,
		serverKey: strings.TrimSpace(serverKey),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Signature computes hex(sha512(order_id + status_code + gross_amount + server_key)).
func (a *GatewayAdapter) Signature(orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + a.serverKey))
	return hex.EncodeToString(sum[:])
}

func (a *GatewayAdapter) verify(n domain.GatewayNotification) bool {
	if a.serverKey == "" || n.SignatureKey == "" {
		return false
	}
	expected := a.Signature(n.OrderID, n.StatusCode, n.GrossAmount)
	provided := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// HandleNotification stores the raw payload and, when it is authentic, applies it.
func (a *GatewayAdapter) HandleNotification(ctx context.Context, raw []byte) (*CallbackResult, error) {
	callback := &domain.PaymentCallback{
		ID:         uuid.New(),
		RawPayload: string(raw),
		ReceivedAt: a.now(),
	}

	var notification domain.GatewayNotification
	parseErr := json.Unmarshal(raw, &notification)
	if parseErr == nil {
		callback.OrderID = strings.TrimSpace(notification.OrderID)
		callback.GatewayStatus = strings.ToLower(strings.TrimSpace(notification.TransactionStatus))
		callback.StatusCode = strings.TrimSpace(notification.StatusCode)
		callback.GrossAmount = strings.TrimSpace(notification.GrossAmount)
		callback.Signature = strings.TrimSpace(notification.SignatureKey)
		if id := strings.TrimSpace(notification.TransactionID); id != "" {
			callback.GatewayTransactionID = &id
		}
		callback.Verified = len(notification.MissingFields()) == 0 && a.verify(notification)
	}

	var tx *domain.Transaction
	if callback.OrderID != "" {
		var found *domain.Transaction
		err := withStoreRetry(ctx, "find_transaction_by_reference", func() error {
			var lookupErr error
			found, lookupErr = a.repo.FindTransactionByReference(ctx, callback.OrderID)
			return lookupErr
		})
		switch {
		case err == nil:
			tx = found
			callback.TransactionID = &found.ID
		case !errors.Is(err, store.ErrTransactionNotFound):
			return nil, fmt.Errorf("lookup transaction: %w", err)
		}
	}

	if err := withStoreRetry(ctx, "create_payment_callback", func() error {
		return a.repo.CreatePaymentCallback(ctx, callback)
	}); err != nil {
		return nil, fmt.Errorf("persist payment callback: %w", err)
	}
	result := &CallbackResult{Callback: callback, Transaction: tx}

	if parseErr != nil {
		metrics.IncWebhook("invalid_payload")
		log.Printf("level=warn component=gateway_adapter callback_id=%s outcome=invalid_payload err=%v", callback.ID, parseErr)
		return result, fmt.Errorf("%w: body is not valid JSON", ErrInvalidPayload)
	}
	if missing := notification.MissingFields(); len(missing) > 0 {
		metrics.IncWebhook("invalid_payload")
		log.Printf("level=warn component=gateway_adapter callback_id=%s outcome=invalid_payload missing=%s", callback.ID, strings.Join(missing, ","))
		return result, fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	if !callback.Verified {
		metrics.IncWebhook("invalid_signature")
		log.Printf("level=warn component=gateway_adapter callback_id=%s order_id=%s outcome=invalid_signature raw_payload=%q", callback.ID, callback.OrderID, callback.RawPayload)
		return result, ErrInvalidSignature
	}
	if tx == nil {
		metrics.IncWebhook("unknown_order")
		log.Printf("level=warn component=gateway_adapter callback_id=%s order_id=%s outcome=unknown_order", callback.ID, callback.OrderID)
		return result, store.ErrTransactionNotFound
	}

	return a.apply(ctx, result, notification)
}

// ReplayCallback re-runs a stored, verified callback through the engine.
func (a *GatewayAdapter) ReplayCallback(ctx context.Context, callbackID uuid.UUID) (*CallbackResult, error) {
	callback, err := a.repo.FindPaymentCallbackByID(ctx, callbackID)
	if err != nil {
		return nil, err
	}
	if !callback.Verified {
		return nil, ErrInvalidSignature
	}

	var notification domain.GatewayNotification
	if err := json.Unmarshal([]byte(callback.RawPayload), &notification); err != nil {
		return nil, fmt.Errorf("%w: stored payload is not valid JSON", ErrInvalidPayload)
	}
	tx, err := a.repo.FindTransactionByReference(ctx, callback.OrderID)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=gateway_adapter callback_id=%s order_id=%s op=replay", callback.ID, callback.OrderID)
	return a.apply(ctx, &CallbackResult{Callback: callback, Transaction: tx}, notification)
}

func (a *GatewayAdapter) apply(ctx context.Context, result *CallbackResult, n domain.GatewayNotification) (*CallbackResult, error) {
	tx := result.Transaction
	gross, err := domain.ParseMajorAmount(n.GrossAmount, tx.Currency)
	if err != nil || gross != tx.Total() {
		metrics.IncWebhook("amount_mismatch")
		log.Printf("level=error component=gateway_adapter callback_id=%s order_id=%s outcome=amount_mismatch gross_amount=%q expected=%d", result.Callback.ID, tx.Reference, n.GrossAmount, tx.Total())
		return result, ErrAmountMismatch
	}

	updated, changed, err := a.engine.ApplyGatewayStatus(ctx, tx.Reference, n.TransactionStatus, n.FraudStatus, n.TransactionID)
	if err != nil {
		metrics.IncWebhook("apply_failed")
		return result, err
	}
	result.Transaction = updated
	result.Changed = changed

	processedAt := a.now()
	if err := a.repo.MarkPaymentCallbackProcessed(ctx, result.Callback.ID, processedAt); err != nil {
		log.Printf("level=warn component=gateway_adapter callback_id=%s msg=\"mark processed failed\" err=%v", result.Callback.ID, err)
	} else if result.Callback.ProcessedAt == nil {
		result.Callback.ProcessedAt = &processedAt
	}

	outcome := "applied"
	if !changed {
		outcome = "duplicate"
	}
	metrics.IncWebhook(outcome)
	log.Printf("level=info component=gateway_adapter callback_id=%s order_id=%s gateway_status=%s status=%s outcome=%s", result.Callback.ID, tx.Reference, n.TransactionStatus, updated.Status, outcome)
	return result, nil
}

// ListCallbacks returns stored callbacks, newest first.
func (a *GatewayAdapter) ListCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.PaymentCallback, error) {
	filter.OrderID = strings.TrimSpace(filter.OrderID)
	return a.repo.ListPaymentCallbacks(ctx, filter)
}
