/**
 * @description
 * This file defines the core transaction models for the ledger-service: the tagged
 * transaction type and status variants, the lifecycle state machine, and the DTOs
 * used by the engine, the store and the HTTP layer.
 *
 * @notes
 * - Amounts are `int64` values in the currency's minor unit. Floating point is never
 *   used for money.
 * - Status only moves forward: pending -> processing -> completed | failed | cancelled.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType is the kind of money movement a transaction represents.
type TransactionType string

const (
	TransactionTypeTopup      TransactionType = "topup"
	TransactionTypePayment    TransactionType = "payment"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

// ParseTransactionType normalizes raw input into a known TransactionType.
func ParseTransactionType(raw string) (TransactionType, bool) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeTopup, TransactionTypePayment, TransactionTypeTransfer, TransactionTypeWithdrawal:
		return true
	}
	return false
}

// Debits reports whether the type takes money out of a source account.
func (t TransactionType) Debits() bool {
	return t == TransactionTypePayment || t == TransactionTypeTransfer || t == TransactionTypeWithdrawal
}

// TransactionStatus is a state of the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusCancelled  TransactionStatus = "cancelled"
)

// ParseTransactionStatus normalizes raw input into a known TransactionStatus.
func ParseTransactionStatus(raw string) (TransactionStatus, bool) {
	s := TransactionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	}
	return s, false
}

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next respects the state machine.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// Transaction is the ledger record for a single money movement.
// It maps to the `transactions` table.
type Transaction struct {
	ID               uuid.UUID              `json:"id"`
	Reference        string                 `json:"reference"`
	UserID           uuid.UUID              `json:"user_id"`
	Type             TransactionType        `json:"type"`
	Amount           int64                  `json:"amount"`
	Fee              int64                  `json:"fee"`
	Currency         string                 `json:"currency"`
	Description      string                 `json:"description"`
	Status           TransactionStatus      `json:"status"`
	FromAccountID    *uuid.UUID             `json:"from_account_id,omitempty"`
	ToAccountID      *uuid.UUID             `json:"to_account_id,omitempty"`
	GatewayReference *string                `json:"gateway_reference,omitempty"`
	PaymentMethod    *string                `json:"payment_method,omitempty"`
	IdempotencyKey   *string                `json:"-"`
	RequestHash      string                 `json:"-"`
	Metadata         map[string]interface{} `json:"metadata"`
	FailureReason    *string                `json:"failure_reason,omitempty"`
	ApprovedBy       *string                `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time             `json:"approved_at,omitempty"`
	RejectedBy       *string                `json:"rejected_by,omitempty"`
	RejectedAt       *time.Time             `json:"rejected_at,omitempty"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Total is the amount moved out of the payer including the fee.
func (t *Transaction) Total() int64 {
	return t.Amount + t.Fee
}

// GatewayFunded reports whether the transaction settles through the payment gateway.
func (t *Transaction) GatewayFunded() bool {
	return t.Type == TransactionTypeTopup && t.PaymentMethod != nil && *t.PaymentMethod != ""
}

// Touches reports whether the transaction moves money on one of the given accounts.
func (t *Transaction) Touches(accountIDs []uuid.UUID) bool {
	for _, id := range accountIDs {
		if t.FromAccountID != nil && *t.FromAccountID == id {
			return true
		}
		if t.ToAccountID != nil && *t.ToAccountID == id {
			return true
		}
	}
	return false
}

// CreateTransactionRequest is the DTO for creating any transaction type.
type CreateTransactionRequest struct {
	Type           TransactionType        `json:"type"`
	Amount         int64                  `json:"amount"`
	Currency       string                 `json:"currency"`
	FromAccountID  *uuid.UUID             `json:"from_account_id,omitempty"`
	ToAccountID    *uuid.UUID             `json:"to_account_id,omitempty"`
	Description    string                 `json:"description"`
	PaymentMethod  string                 `json:"payment_method,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"-"`
}

// ReviewRequest is the body for approve / reject / cancel calls.
type ReviewRequest struct {
	Reason string `json:"reason"`
}

// TransactionFilter narrows transaction listings. A nil UserID lists every transaction.
type TransactionFilter struct {
	UserID   *uuid.UUID
	Type     *TransactionType
	Status   *TransactionStatus
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// TransactionPage is a paginated listing response.
type TransactionPage struct {
	Data   []Transaction `json:"data"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
