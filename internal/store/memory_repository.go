package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

type memoryOutboxMessage struct {
	OutboxMessage
	status      string
	availableAt time.Time
	claimedAt   time.Time
	lastError   string
}

// MemoryRepository keeps the whole ledger in process memory behind one mutex.
// It backs STORE_DRIVER=memory and the unit tests.
type MemoryRepository struct {
	mu             sync.Mutex
	allowOverdraft bool
	now            func() time.Time

	users        map[uuid.UUID]domain.User
	tokens       map[uuid.UUID]domain.AuthToken
	accounts     map[uuid.UUID]domain.Account
	entries      []domain.LedgerEntry
	transactions map[uuid.UUID]domain.Transaction
	callbacks    []domain.PaymentCallback
	outbox       []*memoryOutboxMessage
	nextOutboxID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		users:        make(map[uuid.UUID]domain.User),
		tokens:       make(map[uuid.UUID]domain.AuthToken),
		accounts:     make(map[uuid.UUID]domain.Account),
		transactions: make(map[uuid.UUID]domain.Transaction),
	}
}

func (r *MemoryRepository) SetAllowOverdraft(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowOverdraft = allow
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) CreateUserWithAccount(ctx context.Context, user *domain.User, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return ErrDuplicateEmail
		}
	}
	now := r.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	account.CreatedAt, account.UpdatedAt = now, now
	r.users[user.ID] = *user
	r.accounts[account.ID] = *account
	return nil
}

func (r *MemoryRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) CreateAuthToken(ctx context.Context, token *domain.AuthToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token.CreatedAt = r.now().UTC()
	r.tokens[token.ID] = *token
	return nil
}

func (r *MemoryRepository) FindAuthToken(ctx context.Context, tokenID uuid.UUID) (*domain.AuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) RevokeAuthToken(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
		r.tokens[tokenID] = t
	}
	return nil
}

func (r *MemoryRepository) DeleteExpiredAuthTokens(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, t := range r.tokens {
		if t.ExpiresAt.Before(before) || (t.RevokedAt != nil && t.RevokedAt.Before(before)) {
			delete(r.tokens, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (r *MemoryRepository) FindAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.accountsOfLocked(userID), nil
}

func (r *MemoryRepository) accountsOfLocked(userID uuid.UUID) []domain.Account {
	var accounts []domain.Account
	for _, acc := range r.accounts {
		if acc.UserID == userID {
			accounts = append(accounts, acc)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts
}

func (r *MemoryRepository) AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, correlationID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	effect := BalanceEffect{AccountID: accountID, BalanceDelta: delta, EntryType: domain.EntryAdjustment}
	touched, entries, err := r.stageEffectsLocked(nil, correlationID, []BalanceEffect{effect})
	if err != nil {
		return nil, err
	}
	r.commitEffectsLocked(touched, entries)
	acc := r.accounts[accountID]
	return &acc, nil
}

// stageEffectsLocked computes the post-effect accounts without mutating state, so a
// failure part way leaves every account untouched.
func (r *MemoryRepository) stageEffectsLocked(transactionID *uuid.UUID, correlationID string, effects []BalanceEffect) (map[uuid.UUID]domain.Account, []domain.LedgerEntry, error) {
	order, grouped := groupEffects(effects)
	touched := make(map[uuid.UUID]domain.Account, len(order))
	var entries []domain.LedgerEntry
	now := r.now().UTC()

	for _, accountID := range order {
		acc, ok := r.accounts[accountID]
		if !ok {
			return nil, nil, ErrAccountNotFound
		}
		for _, effect := range grouped[accountID] {
			if err := applyEffect(&acc, effect, r.allowOverdraft); err != nil {
				return nil, nil, err
			}
			entry := ledgerEntryFor(&acc, effect, transactionID, correlationID)
			entry.CreatedAt = now
			entries = append(entries, entry)
		}
		acc.UpdatedAt = now
		touched[accountID] = acc
	}
	return touched, entries, nil
}

func (r *MemoryRepository) commitEffectsLocked(touched map[uuid.UUID]domain.Account, entries []domain.LedgerEntry) {
	for id, acc := range touched {
		r.accounts[id] = acc
	}
	r.entries = append(r.entries, entries...)
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int, offset int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, offset = normalizePage(limit, offset)
	entries := make([]domain.LedgerEntry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].AccountID == accountID {
			entries = append(entries, r.entries[i])
		}
	}
	return paginate(entries, limit, offset), nil
}

func (r *MemoryRepository) RecordTransaction(ctx context.Context, t *domain.Transaction, effects []BalanceEffect) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.transactions {
		if existing.Reference == t.Reference {
			return fmt.Errorf("reference collision: %w", ErrTransient)
		}
		if t.IdempotencyKey != nil && existing.IdempotencyKey != nil &&
			existing.UserID == t.UserID && *existing.IdempotencyKey == *t.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}

	touched, entries, err := r.stageEffectsLocked(&t.ID, t.Reference, effects)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	r.commitEffectsLocked(touched, entries)
	r.transactions[t.ID] = cloneTransaction(*t)
	r.enqueueEventLocked(t)
	return nil
}

func (r *MemoryRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	clone := cloneTransaction(t)
	return &clone, nil
}

func (r *MemoryRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transactions {
		if t.Reference == reference {
			clone := cloneTransaction(t)
			return &clone, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) FindTransactionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transactions {
		if t.UserID == userID && t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			clone := cloneTransaction(t)
			return &clone, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, offset := normalizePage(filter.Limit, filter.Offset)

	var ownAccounts []uuid.UUID
	if filter.UserID != nil {
		for _, acc := range r.accountsOfLocked(*filter.UserID) {
			ownAccounts = append(ownAccounts, acc.ID)
		}
	}

	matched := make([]domain.Transaction, 0)
	for _, t := range r.transactions {
		if filter.UserID != nil && t.UserID != *filter.UserID && !t.Touches(ownAccounts) {
			continue
		}
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.DateFrom != nil && t.CreatedAt.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && t.CreatedAt.After(*filter.DateTo) {
			continue
		}
		matched = append(matched, cloneTransaction(t))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, limit, offset), len(matched), nil
}

func (r *MemoryRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, params TransitionParams) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if !params.allows(current.Status) {
		clone := cloneTransaction(current)
		return &clone, ErrInvalidTransition
	}

	touched, entries, err := r.stageEffectsLocked(&current.ID, current.Reference, params.Effects)
	if err != nil {
		return nil, err
	}

	updated := cloneTransaction(current)
	updated.Status = params.To
	if params.ApprovedBy != nil {
		updated.ApprovedBy = params.ApprovedBy
	}
	if params.ApprovedAt != nil {
		updated.ApprovedAt = params.ApprovedAt
	}
	if params.RejectedBy != nil {
		updated.RejectedBy = params.RejectedBy
	}
	if params.RejectedAt != nil {
		updated.RejectedAt = params.RejectedAt
	}
	if params.ProcessedAt != nil {
		updated.ProcessedAt = params.ProcessedAt
	}
	if params.FailureReason != nil {
		updated.FailureReason = params.FailureReason
	}
	if params.GatewayReference != nil {
		updated.GatewayReference = params.GatewayReference
	}
	updated.UpdatedAt = r.now().UTC()

	r.commitEffectsLocked(touched, entries)
	r.transactions[transactionID] = updated
	r.enqueueEventLocked(&updated)

	result := cloneTransaction(updated)
	return &result, nil
}

func (r *MemoryRepository) AttachGatewayCharge(ctx context.Context, transactionID uuid.UUID, gatewayReference string, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	t = cloneTransaction(t)
	if gatewayReference != "" {
		ref := gatewayReference
		t.GatewayReference = &ref
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = r.now().UTC()
	r.transactions[transactionID] = t
	return nil
}

func (r *MemoryRepository) FindStaleTransactions(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var stale []domain.Transaction
	for _, t := range r.transactions {
		if !t.CreatedAt.Before(createdBefore) {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				stale = append(stale, cloneTransaction(t))
				break
			}
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) CreatePaymentCallback(ctx context.Context, cb *domain.PaymentCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks = append(r.callbacks, *cb)
	return nil
}

func (r *MemoryRepository) FindPaymentCallbackByID(ctx context.Context, callbackID uuid.UUID) (*domain.PaymentCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.callbacks {
		if cb.ID == callbackID {
			found := cb
			return &found, nil
		}
	}
	return nil, ErrCallbackNotFound
}

func (r *MemoryRepository) MarkPaymentCallbackProcessed(ctx context.Context, callbackID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.callbacks {
		if r.callbacks[i].ID == callbackID {
			if r.callbacks[i].ProcessedAt == nil {
				r.callbacks[i].ProcessedAt = &at
			}
			return nil
		}
	}
	return ErrCallbackNotFound
}

func (r *MemoryRepository) ListPaymentCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.PaymentCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	callbacks := make([]domain.PaymentCallback, 0)
	for i := len(r.callbacks) - 1; i >= 0; i-- {
		if filter.OrderID == "" || r.callbacks[i].OrderID == filter.OrderID {
			callbacks = append(callbacks, r.callbacks[i])
		}
	}
	return paginate(callbacks, limit, offset), nil
}

func (r *MemoryRepository) enqueueEventLocked(t *domain.Transaction) {
	event := domain.NewTransactionEvent(t, r.now().UTC())
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	r.nextOutboxID++
	r.outbox = append(r.outbox, &memoryOutboxMessage{
		OutboxMessage: OutboxMessage{ID: r.nextOutboxID, RoutingKey: event.RoutingKey(), Payload: payload},
		status:        "pending",
		availableAt:   r.now(),
	})
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var claimed []OutboxMessage
	for _, m := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		due := m.status == "pending" && !m.availableAt.After(now)
		stale := m.status == "processing" && now.Sub(m.claimedAt) > staleAfter
		if !due && !stale {
			continue
		}
		m.status = "processing"
		m.claimedAt = now
		m.Attempts++
		claimed = append(claimed, m.OutboxMessage)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.outbox {
		if m.ID == messageID {
			m.status = "published"
			m.lastError = ""
		}
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, messageID int64, retryAfter time.Duration, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.outbox {
		if m.ID == messageID {
			m.status = "pending"
			m.availableAt = r.now().Add(retryAfter)
			m.lastError = lastError
		}
	}
	return nil
}

func cloneTransaction(t domain.Transaction) domain.Transaction {
	metadata := make(map[string]interface{}, len(t.Metadata))
	for k, v := range t.Metadata {
		metadata[k] = v
	}
	t.Metadata = metadata
	return t
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
