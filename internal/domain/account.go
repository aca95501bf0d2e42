package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus gates whether an account may be debited.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

// Account is a user's wallet. HeldBalance is reserved by in-flight debits.
type Account struct {
	ID          uuid.UUID     `json:"id"`
	UserID      uuid.UUID     `json:"user_id"`
	Balance     int64         `json:"balance"`
	HeldBalance int64         `json:"held_balance"`
	Currency    string        `json:"currency"`
	Status      AccountStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Available is the balance that new debits may reserve.
func (a Account) Available() int64 {
	return a.Balance - a.HeldBalance
}

// Ledger entry kinds.
const (
	EntryCredit     = "credit"
	EntryDebit      = "debit"
	EntryHold       = "hold"
	EntryRelease    = "release"
	EntryAdjustment = "adjustment"
)

// LedgerEntry records one balance or hold change on an account.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	EntryType     string     `json:"entry_type"`
	Amount        int64      `json:"amount"`
	HoldAmount    int64      `json:"hold_amount"`
	BalanceAfter  int64      `json:"balance_after"`
	HeldAfter     int64      `json:"held_after"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AccountBalance is the balance view returned to account owners.
type AccountBalance struct {
	AccountID        uuid.UUID `json:"account_id"`
	Currency         string    `json:"currency"`
	LedgerBalance    int64     `json:"ledger_balance"`
	Hold             int64     `json:"hold"`
	AvailableBalance int64     `json:"available_balance"`
}

// BalanceAdjustmentRequest is the admin DTO for a manual ledger adjustment.
type BalanceAdjustmentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}
