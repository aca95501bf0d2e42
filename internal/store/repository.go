/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the ledger-service. The engine, the auth service and the gateway adapter
 * depend only on this interface; PostgreSQL and in-memory implementations satisfy it.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountInactive         = errors.New("account is not active")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrCallbackNotFound        = errors.New("payment callback not found")
	ErrTokenNotFound           = errors.New("auth token not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrBalanceOverflow         = errors.New("balance out of range")
	ErrDuplicateEmail          = errors.New("email already registered")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrInvalidTransition       = errors.New("transaction status transition not allowed")
	ErrTransient               = errors.New("transient store failure")
)

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	Ping(ctx context.Context) error

	// User and session methods
	CreateUserWithAccount(ctx context.Context, user *domain.User, account *domain.Account) error
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	CreateAuthToken(ctx context.Context, token *domain.AuthToken) error
	FindAuthToken(ctx context.Context, tokenID uuid.UUID) (*domain.AuthToken, error)
	RevokeAuthToken(ctx context.Context, tokenID uuid.UUID, at time.Time) error
	DeleteExpiredAuthTokens(ctx context.Context, before time.Time) (int64, error)

	// Account methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	// AdjustBalance applies delta atomically and rejects a result that breaks the
	// non-negative invariant unless overdraft is enabled.
	AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, correlationID string) (*domain.Account, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int, offset int) ([]domain.LedgerEntry, error)

	// Transaction methods
	// RecordTransaction inserts tx and applies its balance effects in one commit.
	RecordTransaction(ctx context.Context, tx *domain.Transaction, effects []BalanceEffect) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)
	// UpdateTransactionStatus moves a transaction whose current status is in params.From
	// and applies params.Effects in the same commit. Any other current status yields
	// ErrInvalidTransition together with the unchanged transaction.
	UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, params TransitionParams) (*domain.Transaction, error)
	AttachGatewayCharge(ctx context.Context, transactionID uuid.UUID, gatewayReference string, metadata map[string]interface{}) error
	FindStaleTransactions(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.Transaction, error)

	// Payment callback methods
	CreatePaymentCallback(ctx context.Context, callback *domain.PaymentCallback) error
	FindPaymentCallbackByID(ctx context.Context, callbackID uuid.UUID) (*domain.PaymentCallback, error)
	MarkPaymentCallbackProcessed(ctx context.Context, callbackID uuid.UUID, at time.Time) error
	ListPaymentCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.PaymentCallback, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, messageID int64) error
	MarkOutboxFailed(ctx context.Context, messageID int64, retryAfter time.Duration, lastError string) error
}

// BalanceEffect is one change to an account's ledger balance and held balance.
type BalanceEffect struct {
	AccountID    uuid.UUID
	BalanceDelta int64
	HoldDelta    int64
	EntryType    string
}

// TransitionParams describes a guarded status change.
type TransitionParams struct {
	From          []domain.TransactionStatus
	To            domain.TransactionStatus
	Effects       []BalanceEffect
	ApprovedBy    *string
	ApprovedAt    *time.Time
	RejectedBy    *string
	RejectedAt    *time.Time
	ProcessedAt   *time.Time
	FailureReason *string
	// GatewayReference overwrites the stored gateway reference when set.
	GatewayReference *string
}

func (p TransitionParams) allows(current domain.TransactionStatus) bool {
	if !current.CanTransitionTo(p.To) {
		return false
	}
	for _, s := range p.From {
		if s == current {
			return true
		}
	}
	return false
}

// OutboxMessage is a pending event publication.
type OutboxMessage struct {
	ID         int64
	RoutingKey string
	Payload    []byte
	Attempts   int
}
