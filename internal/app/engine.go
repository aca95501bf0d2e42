/**
 * @description
 * This file contains the Transaction Engine, the owner of the transaction state machine
 * and of every balance mutation. The `Engine` validates requests, computes fees, decides
 * the initial status and drives transitions (approve, reject, cancel, gateway status,
 * expiry). Each transition and its balance effects are handed to the store as one
 * atomic unit; the engine itself holds no locks.
 *
 * Key features:
 * - Debit-type transactions reserve amount + fee as a hold at creation.
 * - Auto-approval below a configured threshold completes the transaction at creation.
 * - Idempotency keys replay the original transaction for identical requests.
 * - Gateway calls happen outside any store transaction.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient: For Snap charges and status checks.
 * - pkg/metrics: For transition counters.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/gatewayclient"
	"github.com/transfa/ledger-service/pkg/metrics"
)

const (
	autoApprover       = "system:auto-approve"
	expiredReason      = "expired"
	maxDescriptionLen  = 255
	maxIdempotencyKey  = 128
	staleScanBatchSize = 100
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// GatewayClient is the outbound payment gateway used for gateway-funded topups.
type GatewayClient interface {
	CreateCharge(ctx context.Context, payload gatewayclient.ChargeRequest) (*gatewayclient.ChargeResponse, error)
	CheckStatus(ctx context.Context, orderID string) (*gatewayclient.StatusResponse, error)
}

// EngineConfig carries the product policy knobs of the engine.
type EngineConfig struct {
	MinAmount            int64
	MaxAmount            int64
	AutoApproveThreshold int64
	FeeBPS               int64
	DefaultCurrency      string
	MaintenanceMode      bool
	PendingExpiry        time.Duration
}

// Engine provides the transaction lifecycle operations.
type Engine struct {
	repo    store.Repository
	cfg     EngineConfig
	gateway GatewayClient
	now     func() time.Time
}

// NewEngine creates a new transaction engine. gateway may be nil when no gateway is configured.
func NewEngine(repo store.Repository, cfg EngineConfig, gateway GatewayClient) *Engine {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "IDR"
	}
	return &Engine{
		repo:    repo,
		cfg:     cfg,
		gateway: gateway,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fee returns the fee for amount under the configured basis points, rounded half up.
func (e *Engine) Fee(amount int64) int64 {
	if e.cfg.FeeBPS <= 0 || amount <= 0 {
		return 0
	}
	return (amount*e.cfg.FeeBPS + 5000) / 10000
}

func (e *Engine) validate(req *domain.CreateTransactionRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: type must be one of topup, payment, transfer, withdrawal", ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.Amount < e.cfg.MinAmount {
		return fmt.Errorf("%w: amount is below the minimum of %d", ErrValidation, e.cfg.MinAmount)
	}
	if e.cfg.MaxAmount > 0 && req.Amount > e.cfg.MaxAmount {
		return fmt.Errorf("%w: amount exceeds the maximum of %d", ErrValidation, e.cfg.MaxAmount)
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = e.cfg.DefaultCurrency
	}
	if !currencyPattern.MatchString(req.Currency) {
		return fmt.Errorf("%w: currency must be a three-letter code", ErrValidation)
	}

	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description must be at most %d characters", ErrValidation, maxDescriptionLen)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKey {
		return fmt.Errorf("%w: idempotency key must be at most %d characters", ErrValidation, maxIdempotencyKey)
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)

	switch req.Type {
	case domain.TransactionTypeTopup:
		if req.ToAccountID == nil {
			return fmt.Errorf("%w: to_account_id is required for topup", ErrValidation)
		}
		if req.FromAccountID != nil {
			return fmt.Errorf("%w: from_account_id is not allowed for topup", ErrValidation)
		}
	case domain.TransactionTypeTransfer:
		if req.FromAccountID == nil || req.ToAccountID == nil {
			return fmt.Errorf("%w: from_account_id and to_account_id are required for transfer", ErrValidation)
		}
		if *req.FromAccountID == *req.ToAccountID {
			return fmt.Errorf("%w: cannot transfer to the same account", ErrValidation)
		}
	case domain.TransactionTypeWithdrawal:
		if req.FromAccountID == nil {
			return fmt.Errorf("%w: from_account_id is required for withdrawal", ErrValidation)
		}
		if req.ToAccountID != nil {
			return fmt.Errorf("%w: to_account_id is not allowed for withdrawal", ErrValidation)
		}
	case domain.TransactionTypePayment:
		if req.FromAccountID == nil {
			return fmt.Errorf("%w: from_account_id is required for payment", ErrValidation)
		}
		if req.ToAccountID != nil && *req.FromAccountID == *req.ToAccountID {
			return fmt.Errorf("%w: cannot pay the same account", ErrValidation)
		}
	}
	if req.PaymentMethod != "" && req.Type != domain.TransactionTypeTopup {
		return fmt.Errorf("%w: payment_method is only supported for topup", ErrValidation)
	}
	return nil
}

// checkAccount loads an account and verifies it can take part in a transaction.
func (e *Engine) checkAccount(ctx context.Context, principal domain.Principal, accountID uuid.UUID, role string, mustOwn bool, currency string) error {
	acc, err := e.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return fmt.Errorf("%w: %s account not found", ErrValidation, role)
		}
		return err
	}
	if mustOwn && !principal.IsAdmin() && acc.UserID != principal.UserID {
		return fmt.Errorf("%w: %s account does not belong to the caller", ErrForbidden, role)
	}
	if acc.Status != domain.AccountActive {
		return fmt.Errorf("%w: %s account is %s", ErrValidation, role, acc.Status)
	}
	if acc.Currency != currency {
		return fmt.Errorf("%w: %s account currency %s does not match %s", ErrValidation, role, acc.Currency, currency)
	}
	return nil
}

// CreateTransaction validates and records a new transaction. The boolean result is false
// when an earlier transaction with the same idempotency key was replayed.
func (e *Engine) CreateTransaction(ctx context.Context, principal domain.Principal, req domain.CreateTransactionRequest) (*domain.Transaction, bool, error) {
	if e.cfg.MaintenanceMode {
		return nil, false, ErrMaintenanceMode
	}
	if err := e.validate(&req); err != nil {
		return nil, false, err
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	requestHash := hashRequest(req)
	if req.IdempotencyKey != "" {
		existing, err := e.replayIdempotent(ctx, principal.UserID, req.IdempotencyKey, requestHash)
		if err != nil || existing != nil {
			return existing, false, err
		}
	}

	if req.FromAccountID != nil {
		if err := e.checkAccount(ctx, principal, *req.FromAccountID, "source", true, req.Currency); err != nil {
			return nil, false, err
		}
	}
	if req.ToAccountID != nil {
		mustOwn := req.Type == domain.TransactionTypeTopup
		if err := e.checkAccount(ctx, principal, *req.ToAccountID, "destination", mustOwn, req.Currency); err != nil {
			return nil, false, err
		}
	}

	now := e.now()
	tx := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        principal.UserID,
		Type:          req.Type,
		Amount:        req.Amount,
		Fee:           e.Fee(req.Amount),
		Currency:      req.Currency,
		Description:   req.Description,
		Status:        domain.StatusPending,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		RequestHash:   requestHash,
		Metadata:      req.Metadata,
	}
	if tx.Metadata == nil {
		tx.Metadata = map[string]interface{}{}
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		tx.IdempotencyKey = &key
	}
	if req.PaymentMethod != "" {
		method := req.PaymentMethod
		tx.PaymentMethod = &method
	}

	var effects []store.BalanceEffect
	switch {
	case tx.GatewayFunded():
		tx.Status = domain.StatusProcessing
	case e.autoApproves(tx):
		approver := autoApprover
		tx.Status = domain.StatusCompleted
		tx.ApprovedBy = &approver
		tx.ApprovedAt = &now
		tx.ProcessedAt = &now
		effects = completionEffects(tx, false)
	default:
		effects = creationEffects(tx)
	}

	err := withStoreRetry(ctx, "record_transaction", func() error {
		tx.Reference = newReference()
		return e.repo.RecordTransaction(ctx, tx, effects)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, replayErr := e.replayIdempotent(ctx, principal.UserID, req.IdempotencyKey, requestHash)
			if replayErr != nil || existing != nil {
				return existing, false, replayErr
			}
		}
		log.Printf("level=warn component=engine op=create_transaction type=%s user_id=%s outcome=failed err=%v", tx.Type, tx.UserID, err)
		return nil, false, err
	}

	metrics.IncTransition(string(tx.Type), string(tx.Status), "create")
	log.Printf("level=info component=engine op=create_transaction reference=%s type=%s status=%s amount=%d fee=%d", tx.Reference, tx.Type, tx.Status, tx.Amount, tx.Fee)

	if tx.GatewayFunded() {
		return e.openGatewayCharge(ctx, principal, tx), true, nil
	}
	return tx, true, nil
}

func (e *Engine) autoApproves(tx *domain.Transaction) bool {
	return e.cfg.AutoApproveThreshold > 0 && tx.Amount < e.cfg.AutoApproveThreshold
}

func (e *Engine) replayIdempotent(ctx context.Context, userID uuid.UUID, key, requestHash string) (*domain.Transaction, error) {
	existing, err := e.repo.FindTransactionByIdempotencyKey(ctx, userID, key)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if existing.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return existing, nil
}

// openGatewayCharge requests a Snap charge after the transaction is committed.
// A refused charge fails the transaction.
func (e *Engine) openGatewayCharge(ctx context.Context, principal domain.Principal, tx *domain.Transaction) *domain.Transaction {
	if e.gateway == nil {
		log.Printf("level=warn component=engine op=gateway_charge reference=%s outcome=skipped msg=\"gateway not configured\"", tx.Reference)
		return tx
	}

	charge, err := e.gateway.CreateCharge(ctx, gatewayclient.ChargeRequest{
		TransactionDetails: gatewayclient.TransactionDetails{
			OrderID:     tx.Reference,
			GrossAmount: json.Number(domain.FormatMajorAmount(tx.Total(), tx.Currency)),
		},
		CustomerDetails: &gatewayclient.CustomerDetails{FirstName: principal.Name, Email: principal.Email},
		EnabledPayments: []string{*tx.PaymentMethod},
	})
	if err != nil {
		log.Printf("level=error component=engine op=gateway_charge reference=%s outcome=failed err=%v", tx.Reference, err)
		failed, transitionErr := e.transition(ctx, tx.ID, "gateway_charge", store.TransitionParams{
			From:          []domain.TransactionStatus{domain.StatusProcessing},
			To:            domain.StatusFailed,
			ProcessedAt:   ptrTime(e.now()),
			FailureReason: ptrString("gateway charge failed"),
		})
		if transitionErr != nil || failed == nil {
			return tx
		}
		return failed
	}

	extra := map[string]interface{}{"snap_token": charge.Token, "payment_url": charge.RedirectURL}
	if err := e.repo.AttachGatewayCharge(ctx, tx.ID, "", extra); err != nil {
		log.Printf("level=warn component=engine op=attach_gateway_charge reference=%s err=%v", tx.Reference, err)
		return tx
	}
	for k, v := range extra {
		tx.Metadata[k] = v
	}
	return tx
}

// Approve completes a pending transaction. It returns false, without error, when the
// transaction is not pending.
func (e *Engine) Approve(ctx context.Context, transactionID uuid.UUID, approverID string) (*domain.Transaction, bool, error) {
	current, err := e.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	return e.guardedTransition(ctx, current.ID, "approve", store.TransitionParams{
		From:        []domain.TransactionStatus{domain.StatusPending},
		To:          domain.StatusCompleted,
		Effects:     completionEffects(current, true),
		ApprovedBy:  &approverID,
		ApprovedAt:  &now,
		ProcessedAt: &now,
	})
}

// Reject fails a pending transaction and releases any hold it placed.
func (e *Engine) Reject(ctx context.Context, transactionID uuid.UUID, approverID, reason string) (*domain.Transaction, bool, error) {
	current, err := e.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected"
	}
	now := e.now()
	return e.guardedTransition(ctx, current.ID, "reject", store.TransitionParams{
		From:          []domain.TransactionStatus{domain.StatusPending},
		To:            domain.StatusFailed,
		Effects:       releaseEffects(current),
		RejectedBy:    &approverID,
		RejectedAt:    &now,
		FailureReason: &reason,
	})
}

// Cancel cancels a pending transaction on behalf of its owner or an admin.
func (e *Engine) Cancel(ctx context.Context, principal domain.Principal, transactionID uuid.UUID, reason string) (*domain.Transaction, bool, error) {
	current, err := e.GetTransaction(ctx, principal, transactionID)
	if err != nil {
		return nil, false, err
	}
	if !principal.IsAdmin() && current.UserID != principal.UserID {
		return nil, false, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by " + string(principal.Role)
	}
	return e.guardedTransition(ctx, current.ID, "cancel", store.TransitionParams{
		From:          []domain.TransactionStatus{domain.StatusPending},
		To:            domain.StatusCancelled,
		Effects:       releaseEffects(current),
		ProcessedAt:   ptrTime(e.now()),
		FailureReason: &reason,
	})
}

// ApplyGatewayStatus maps a gateway status onto the state machine. Unknown statuses and
// transactions that already left the mapped source states are acknowledged as no-ops.
func (e *Engine) ApplyGatewayStatus(ctx context.Context, reference, gatewayStatus, fraudStatus, gatewayReference string) (*domain.Transaction, bool, error) {
	target, ok := domain.MapGatewayStatus(gatewayStatus, fraudStatus)
	if !ok {
		current, err := e.repo.FindTransactionByReference(ctx, reference)
		if err != nil {
			return nil, false, err
		}
		log.Printf("level=info component=engine op=apply_gateway_status reference=%s gateway_status=%q outcome=ignored", reference, gatewayStatus)
		return current, false, nil
	}
	var ref *string
	if strings.TrimSpace(gatewayReference) != "" {
		ref = ptrString(strings.TrimSpace(gatewayReference))
	}
	reason := "gateway status " + strings.ToLower(strings.TrimSpace(gatewayStatus))
	return e.applyStatus(ctx, reference, target, reason, "gateway", ref)
}

// ApplyStatusUpdate applies a status reported in the internal vocabulary.
func (e *Engine) ApplyStatusUpdate(ctx context.Context, reference, status, reason string) (*domain.Transaction, bool, error) {
	target, ok := domain.MapInternalStatus(status)
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if target == domain.StatusPending {
		current, err := e.repo.FindTransactionByReference(ctx, reference)
		return current, false, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "status update " + string(target)
	}
	return e.applyStatus(ctx, reference, target, reason, "internal", nil)
}

func (e *Engine) applyStatus(ctx context.Context, reference string, target domain.TransactionStatus, reason, source string, gatewayReference *string) (*domain.Transaction, bool, error) {
	var current *domain.Transaction
	err := withStoreRetry(ctx, "find_transaction", func() error {
		var findErr error
		current, findErr = e.repo.FindTransactionByReference(ctx, reference)
		return findErr
	})
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	params := store.TransitionParams{
		From:             []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:               target,
		GatewayReference: gatewayReference,
	}
	switch target {
	case domain.StatusProcessing:
		params.From = []domain.TransactionStatus{domain.StatusPending}
	case domain.StatusCompleted:
		params.Effects = completionEffects(current, true)
		params.ProcessedAt = &now
		if current.ApprovedAt == nil {
			approver := "system:" + source
			params.ApprovedBy = &approver
			params.ApprovedAt = &now
		}
	case domain.StatusFailed, domain.StatusCancelled:
		params.Effects = releaseEffects(current)
		params.ProcessedAt = &now
		params.FailureReason = &reason
	}
	return e.guardedTransition(ctx, current.ID, source, params)
}

// guardedTransition runs a transition; a rejected guard is reported as (current, false, nil).
func (e *Engine) guardedTransition(ctx context.Context, transactionID uuid.UUID, source string, params store.TransitionParams) (*domain.Transaction, bool, error) {
	updated, err := e.transition(ctx, transactionID, source, params)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return updated, false, nil
		}
		return nil, false, err
	}
	return updated, true, nil
}

func (e *Engine) transition(ctx context.Context, transactionID uuid.UUID, source string, params store.TransitionParams) (*domain.Transaction, error) {
	var updated *domain.Transaction
	err := withStoreRetry(ctx, "update_transaction_status", func() error {
		var opErr error
		updated, opErr = e.repo.UpdateTransactionStatus(ctx, transactionID, params)
		return opErr
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) && updated != nil {
			log.Printf("level=info component=engine op=%s reference=%s status=%s target=%s outcome=noop", source, updated.Reference, updated.Status, params.To)
		}
		return updated, err
	}
	metrics.IncTransition(string(updated.Type), string(updated.Status), source)
	log.Printf("level=info component=engine op=%s reference=%s status=%s", source, updated.Reference, updated.Status)
	return updated, nil
}

// GetTransaction returns a transaction visible to principal.
func (e *Engine) GetTransaction(ctx context.Context, principal domain.Principal, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := e.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return e.visible(ctx, principal, tx)
}

// GetTransactionByReference returns a transaction by its external reference.
func (e *Engine) GetTransactionByReference(ctx context.Context, principal domain.Principal, reference string) (*domain.Transaction, error) {
	tx, err := e.repo.FindTransactionByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return nil, err
	}
	return e.visible(ctx, principal, tx)
}

// visible hides transactions the principal neither created nor takes part in.
func (e *Engine) visible(ctx context.Context, principal domain.Principal, tx *domain.Transaction) (*domain.Transaction, error) {
	if principal.IsAdmin() || tx.UserID == principal.UserID {
		return tx, nil
	}
	accounts, err := e.repo.FindAccountsByUserID(ctx, principal.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	if tx.Touches(ids) {
		return tx, nil
	}
	return nil, store.ErrTransactionNotFound
}

// ListTransactions lists transactions; non-admin principals only see their own.
func (e *Engine) ListTransactions(ctx context.Context, principal domain.Principal, filter domain.TransactionFilter) (*domain.TransactionPage, error) {
	if !principal.IsAdmin() {
		userID := principal.UserID
		filter.UserID = &userID
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateTo.Before(*filter.DateFrom) {
		return nil, fmt.Errorf("%w: date_to must not be before date_from", ErrValidation)
	}
	if filter.Limit <= 0 {
		filter.Limit = 10
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	items, total, err := e.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &domain.TransactionPage{Data: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GetBalances returns the balance view of every account owned by userID.
func (e *Engine) GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.AccountBalance, error) {
	accounts, err := e.repo.FindAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	balances := make([]domain.AccountBalance, 0, len(accounts))
	for _, acc := range accounts {
		balances = append(balances, domain.AccountBalance{
			AccountID:        acc.ID,
			Currency:         acc.Currency,
			LedgerBalance:    acc.Balance,
			Hold:             acc.HeldBalance,
			AvailableBalance: acc.Available(),
		})
	}
	return balances, nil
}

// AdjustBalance applies a manual adjustment to an account.
func (e *Engine) AdjustBalance(ctx context.Context, accountID uuid.UUID, req domain.BalanceAdjustmentRequest, adminID string) (*domain.Account, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must not be zero", ErrValidation)
	}
	if limit := e.cfg.MaxAmount; limit > 0 && (req.Amount > limit || req.Amount < -limit) {
		return nil, fmt.Errorf("%w: adjustment must not exceed %d in either direction", ErrValidation, limit)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	correlationID := "ADJ-" + strings.ToUpper(randomHex(6))

	var acc *domain.Account
	err := withStoreRetry(ctx, "adjust_balance", func() error {
		var opErr error
		acc, opErr = e.repo.AdjustBalance(ctx, accountID, req.Amount, correlationID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=engine op=adjust_balance account_id=%s delta=%d correlation_id=%s admin=%s reason=%q", accountID, req.Amount, correlationID, adminID, req.Reason)
	return acc, nil
}

// ListLedgerEntries returns the newest ledger entries of an account.
func (e *Engine) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	if _, err := e.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return e.repo.ListLedgerEntries(ctx, accountID, limit, offset)
}

// ExpireStale moves pending transactions to cancelled and processing ones to failed once
// they are older than the configured expiry.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	if e.cfg.PendingExpiry <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-e.cfg.PendingExpiry)
	stale, err := e.repo.FindStaleTransactions(ctx, []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing}, cutoff, staleScanBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		tx := &stale[i]
		target := domain.StatusCancelled
		if tx.Status == domain.StatusProcessing {
			target = domain.StatusFailed
		}
		reason := expiredReason
		_, changed, err := e.guardedTransition(ctx, tx.ID, "expiry", store.TransitionParams{
			From:          []domain.TransactionStatus{tx.Status},
			To:            target,
			Effects:       releaseEffects(tx),
			ProcessedAt:   ptrTime(e.now()),
			FailureReason: &reason,
		})
		if err != nil {
			log.Printf("level=warn component=engine op=expiry reference=%s err=%v", tx.Reference, err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// ReconcileGatewayTopups asks the gateway for the status of processing gateway topups
// and applies it. Gateway calls run outside any store transaction.
func (e *Engine) ReconcileGatewayTopups(ctx context.Context, olderThan time.Duration) (int, error) {
	if e.gateway == nil {
		return 0, nil
	}
	candidates, err := e.repo.FindStaleTransactions(ctx, []domain.TransactionStatus{domain.StatusProcessing}, e.now().Add(-olderThan), staleScanBatchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range candidates {
		tx := &candidates[i]
		if !tx.GatewayFunded() {
			continue
		}
		status, err := e.gateway.CheckStatus(ctx, tx.Reference)
		if err != nil {
			if !errors.Is(err, gatewayclient.ErrOrderNotFound) {
				log.Printf("level=warn component=engine op=reconcile reference=%s err=%v", tx.Reference, err)
			}
			continue
		}
		if gross, parseErr := domain.ParseMajorAmount(status.GrossAmount, tx.Currency); parseErr == nil && gross != tx.Total() {
			log.Printf("level=error component=engine op=reconcile reference=%s outcome=amount_mismatch gateway_amount=%q expected=%d", tx.Reference, status.GrossAmount, tx.Total())
			continue
		}
		_, changed, err := e.ApplyGatewayStatus(ctx, tx.Reference, status.TransactionStatus, status.FraudStatus, status.TransactionID)
		if err != nil {
			log.Printf("level=warn component=engine op=reconcile reference=%s err=%v", tx.Reference, err)
			continue
		}
		if changed {
			applied++
		}
	}
	return applied, nil
}

// creationEffects reserves amount + fee on the source of a debit-type transaction.
func creationEffects(tx *domain.Transaction) []store.BalanceEffect {
	if !tx.Type.Debits() || tx.FromAccountID == nil {
		return nil
	}
	return []store.BalanceEffect{{AccountID: *tx.FromAccountID, HoldDelta: tx.Total(), EntryType: domain.EntryHold}}
}

// completionEffects settles a transaction. held reports whether the debit was reserved at creation.
func completionEffects(tx *domain.Transaction, held bool) []store.BalanceEffect {
	var effects []store.BalanceEffect
	if tx.Type.Debits() && tx.FromAccountID != nil {
		debit := store.BalanceEffect{AccountID: *tx.FromAccountID, BalanceDelta: -tx.Total(), EntryType: domain.EntryDebit}
		if held {
			debit.HoldDelta = -tx.Total()
		}
		effects = append(effects, debit)
	}
	if tx.ToAccountID != nil {
		effects = append(effects, store.BalanceEffect{AccountID: *tx.ToAccountID, BalanceDelta: tx.Amount, EntryType: domain.EntryCredit})
	}
	return effects
}

// releaseEffects returns the hold placed by creationEffects.
func releaseEffects(tx *domain.Transaction) []store.BalanceEffect {
	if !tx.Type.Debits() || tx.FromAccountID == nil {
		return nil
	}
	return []store.BalanceEffect{{AccountID: *tx.FromAccountID, HoldDelta: -tx.Total(), EntryType: domain.EntryRelease}}
}

func hashRequest(req domain.CreateTransactionRequest) string {
	payload := struct {
		Type          domain.TransactionType `json:"type"`
		Amount        int64                  `json:"amount"`
		Currency      string                 `json:"currency"`
		FromAccountID *uuid.UUID             `json:"from"`
		ToAccountID   *uuid.UUID             `json:"to"`
		Description   string                 `json:"description"`
		PaymentMethod string                 `json:"payment_method"`
	}{req.Type, req.Amount, req.Currency, req.FromAccountID, req.ToAccountID, req.Description, req.PaymentMethod}
	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func newReference() string {
	return "TXN-" + strings.ToUpper(randomHex(6))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:n*2]
	}
	return hex.EncodeToString(buf)
}

func ptrString(s string) *string {
	return &s
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
