/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every balance-changing write runs inside one database transaction together with the
 * status change and the outbox event it produces. Account rows are locked with
 * `SELECT ... FOR UPDATE` in ascending id order.
 *
 * @dependencies
 * - context, time, errors, encoding/json: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const transactionColumns = `id, reference, user_id, type, amount, fee, currency, description, status,
	from_account_id, to_account_id, gateway_reference, payment_method, idempotency_key, request_hash,
	metadata, failure_reason, approved_by, approved_at, rejected_by, rejected_at, processed_at,
	created_at, updated_at`

const accountColumns = `id, user_id, balance, held_balance, currency, status, created_at, updated_at`

const callbackColumns = `id, transaction_id, order_id, gateway_transaction_id, gateway_status, status_code,
	gross_amount, raw_payload, signature, verified, received_at, processed_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db             *pgxpool.Pool
	allowOverdraft bool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SetAllowOverdraft toggles the overdraft policy for balance effects.
func (r *PostgresRepository) SetAllowOverdraft(allow bool) {
	r.allowOverdraft = allow
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// CreateUserWithAccount inserts a user and its first account in one commit.
func (r *PostgresRepository) CreateUserWithAccount(ctx context.Context, user *domain.User, account *domain.Account) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, name, email, phone, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		user.ID, user.Name, user.Email, user.Phone, user.PasswordHash, string(user.Role), string(user.Status),
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, user_id, balance, held_balance, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		account.ID, account.UserID, account.Balance, account.HeldBalance, account.Currency, string(account.Status),
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, phone, password_hash, role, status, created_at, updated_at
		FROM users WHERE email = lower(btrim($1))`, email)
	return scanUser(row)
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, phone, password_hash, role, status, created_at, updated_at
		FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	var role, status string
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Phone, &user.PasswordHash, &role, &status, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Role = domain.UserRole(role)
	user.Status = domain.UserStatus(status)
	return &user, nil
}

func (r *PostgresRepository) CreateAuthToken(ctx context.Context, token *domain.AuthToken) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO auth_tokens (id, user_id, expires_at) VALUES ($1, $2, $3)
		RETURNING created_at`,
		token.ID, token.UserID, token.ExpiresAt,
	).Scan(&token.CreatedAt)
}

func (r *PostgresRepository) FindAuthToken(ctx context.Context, tokenID uuid.UUID) (*domain.AuthToken, error) {
	var token domain.AuthToken
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, expires_at, revoked_at, created_at FROM auth_tokens WHERE id = $1`, tokenID,
	).Scan(&token.ID, &token.UserID, &token.ExpiresAt, &token.RevokedAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (r *PostgresRepository) RevokeAuthToken(ctx context.Context, tokenID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE auth_tokens SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, tokenID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteExpiredAuthTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM auth_tokens WHERE expires_at < $1 OR revoked_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

func (r *PostgresRepository) FindAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var status string
	err := row.Scan(&acc.ID, &acc.UserID, &acc.Balance, &acc.HeldBalance, &acc.Currency, &status, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	acc.Status = domain.AccountStatus(status)
	return &acc, nil
}

// AdjustBalance performs an atomic single-account adjustment outside any transaction record.
func (r *PostgresRepository) AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, correlationID string) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	effect := BalanceEffect{AccountID: accountID, BalanceDelta: delta, EntryType: domain.EntryAdjustment}
	accounts, err := r.applyEffects(ctx, tx, nil, correlationID, []BalanceEffect{effect})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return accounts[accountID], nil
}

// applyEffects locks each touched account once, in ascending id order, and writes a
// ledger entry per effect.
func (r *PostgresRepository) applyEffects(ctx context.Context, tx pgx.Tx, transactionID *uuid.UUID, correlationID string, effects []BalanceEffect) (map[uuid.UUID]*domain.Account, error) {
	order, grouped := groupEffects(effects)
	touched := make(map[uuid.UUID]*domain.Account, len(order))

	for _, accountID := range order {
		// Use FOR UPDATE to lock the row, preventing lost updates.
		acc, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return nil, err
		}

		for _, effect := range grouped[accountID] {
			if err := applyEffect(acc, effect, r.allowOverdraft); err != nil {
				return nil, err
			}
			entry := ledgerEntryFor(acc, effect, transactionID, correlationID)
			_, err = tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, account_id, transaction_id, entry_type, amount, hold_amount, balance_after, held_after, correlation_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				entry.ID, entry.AccountID, entry.TransactionID, entry.EntryType, entry.Amount, entry.HoldAmount,
				entry.BalanceAfter, entry.HeldAfter, entry.CorrelationID,
			)
			if err != nil {
				return nil, fmt.Errorf("insert ledger entry: %w", err)
			}
		}

		err = tx.QueryRow(ctx, `
			UPDATE accounts SET balance = $2, held_balance = $3, updated_at = NOW()
			WHERE id = $1 RETURNING updated_at`,
			acc.ID, acc.Balance, acc.HeldBalance,
		).Scan(&acc.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("update account balance: %w", err)
		}
		touched[accountID] = acc
	}

	return touched, nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int, offset int) ([]domain.LedgerEntry, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.Query(ctx, `
		SELECT id, account_id, transaction_id, entry_type, amount, hold_amount, balance_after, held_after, correlation_id, created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &e.EntryType, &e.Amount, &e.HoldAmount,
			&e.BalanceAfter, &e.HeldAfter, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordTransaction inserts the transaction, applies creation effects and queues the event.
func (r *PostgresRepository) RecordTransaction(ctx context.Context, t *domain.Transaction, effects []BalanceEffect) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (
			id, reference, user_id, type, amount, fee, currency, description, status,
			from_account_id, to_account_id, gateway_reference, payment_method, idempotency_key, request_hash,
			metadata, failure_reason, approved_by, approved_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17, $18, $19, $20)
		RETURNING created_at, updated_at`,
		t.ID, t.Reference, t.UserID, string(t.Type), t.Amount, t.Fee, t.Currency, t.Description, string(t.Status),
		t.FromAccountID, t.ToAccountID, t.GatewayReference, t.PaymentMethod, t.IdempotencyKey, t.RequestHash,
		metadata, t.FailureReason, t.ApprovedBy, t.ApprovedAt, t.ProcessedAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "transactions_user_idempotency_key_idx") {
			return ErrDuplicateIdempotencyKey
		}
		if isUniqueViolation(err, "transactions_reference_key") {
			return fmt.Errorf("reference collision: %w", ErrTransient)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := r.applyEffects(ctx, tx, &t.ID, t.Reference, effects); err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID))
}

func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference))
}

func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		p := arg(*filter.UserID)
		conditions = append(conditions, fmt.Sprintf(`(user_id = %[1]s
			OR from_account_id IN (SELECT id FROM accounts WHERE user_id = %[1]s)
			OR to_account_id IN (SELECT id FROM accounts WHERE user_id = %[1]s))`, p))
	}
	if filter.Type != nil {
		conditions = append(conditions, "type = "+arg(string(*filter.Type)))
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = "+arg(string(*filter.Status)))
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "created_at >= "+arg(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "created_at <= "+arg(*filter.DateTo))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		` ORDER BY created_at DESC, id LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *t)
	}
	return items, total, rows.Err()
}

// UpdateTransactionStatus locks the transaction row, checks the guard and applies the
// transition with its balance effects and outbox event in one commit.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID uuid.UUID, params TransitionParams) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID))
	if err != nil {
		return nil, err
	}
	if !params.allows(current.Status) {
		return current, ErrInvalidTransition
	}

	if _, err := r.applyEffects(ctx, tx, &current.ID, current.Reference, params.Effects); err != nil {
		return nil, err
	}

	updated, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions SET
			status = $2,
			approved_by = COALESCE($3, approved_by),
			approved_at = COALESCE($4, approved_at),
			rejected_by = COALESCE($5, rejected_by),
			rejected_at = COALESCE($6, rejected_at),
			processed_at = COALESCE($7, processed_at),
			failure_reason = COALESCE($8, failure_reason),
			gateway_reference = COALESCE($9, gateway_reference),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+transactionColumns,
		transactionID, string(params.To), params.ApprovedBy, params.ApprovedAt, params.RejectedBy, params.RejectedAt,
		params.ProcessedAt, params.FailureReason, params.GatewayReference,
	))
	if err != nil {
		return nil, fmt.Errorf("update transaction status: %w", err)
	}

	if err := insertOutboxEvent(ctx, tx, updated); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) AttachGatewayCharge(ctx context.Context, transactionID uuid.UUID, gatewayReference string, metadata map[string]interface{}) error {
	patch, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET gateway_reference = COALESCE(NULLIF($2, ''), gateway_reference), metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE id = $1`, transactionID, gatewayReference, patch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) FindStaleTransactions(ctx context.Context, statuses []domain.TransactionStatus, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = ANY($1::text[]) AND created_at < $2
		ORDER BY created_at LIMIT $3`, raw, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *t)
	}
	return items, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var txType, status string
	var metadata []byte
	err := row.Scan(
		&t.ID, &t.Reference, &t.UserID, &txType, &t.Amount, &t.Fee, &t.Currency, &t.Description, &status,
		&t.FromAccountID, &t.ToAccountID, &t.GatewayReference, &t.PaymentMethod, &t.IdempotencyKey, &t.RequestHash,
		&metadata, &t.FailureReason, &t.ApprovedBy, &t.ApprovedAt, &t.RejectedBy, &t.RejectedAt, &t.ProcessedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(status)
	t.Metadata = map[string]interface{}{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode transaction metadata: %w", err)
	}
	return string(encoded), nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	event := domain.NewTransactionEvent(t, time.Now().UTC())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox_messages (routing_key, payload) VALUES ($1, $2::jsonb)`,
		event.RoutingKey(), string(payload))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreatePaymentCallback(ctx context.Context, cb *domain.PaymentCallback) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_callbacks (`+callbackColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cb.ID, cb.TransactionID, cb.OrderID, cb.GatewayTransactionID, cb.GatewayStatus, cb.StatusCode,
		cb.GrossAmount, cb.RawPayload, cb.Signature, cb.Verified, cb.ReceivedAt, cb.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment callback: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindPaymentCallbackByID(ctx context.Context, callbackID uuid.UUID) (*domain.PaymentCallback, error) {
	return scanCallback(r.db.QueryRow(ctx, `SELECT `+callbackColumns+` FROM payment_callbacks WHERE id = $1`, callbackID))
}

// MarkPaymentCallbackProcessed sets processed_at once; later calls keep the first timestamp.
func (r *PostgresRepository) MarkPaymentCallbackProcessed(ctx context.Context, callbackID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE payment_callbacks SET processed_at = COALESCE(processed_at, $2) WHERE id = $1`, callbackID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCallbackNotFound
	}
	return nil
}

func (r *PostgresRepository) ListPaymentCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.PaymentCallback, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	rows, err := r.db.Query(ctx, `
		SELECT `+callbackColumns+` FROM payment_callbacks
		WHERE ($1 = '' OR order_id = $1)
		ORDER BY received_at DESC LIMIT $2 OFFSET $3`, filter.OrderID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	callbacks := make([]domain.PaymentCallback, 0)
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, *cb)
	}
	return callbacks, rows.Err()
}

func scanCallback(row pgx.Row) (*domain.PaymentCallback, error) {
	var cb domain.PaymentCallback
	err := row.Scan(&cb.ID, &cb.TransactionID, &cb.OrderID, &cb.GatewayTransactionID, &cb.GatewayStatus, &cb.StatusCode,
		&cb.GrossAmount, &cb.RawPayload, &cb.Signature, &cb.Verified, &cb.ReceivedAt, &cb.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallbackNotFound
		}
		return nil, err
	}
	return &cb, nil
}

// ClaimOutboxMessages marks due messages as processing. Messages stuck in processing
// longer than staleAfter are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	rows, err := r.db.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM outbox_messages
			WHERE (status = 'pending' AND available_at <= NOW())
			   OR (status = 'processing' AND claimed_at < NOW() - make_interval(secs => $2::double precision))
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET status = 'processing', claimed_at = NOW(), attempts = o.attempts + 1
		FROM claimable
		WHERE o.id = claimable.id
		RETURNING o.id, o.routing_key, o.payload, o.attempts`, limit, staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.RoutingKey, &m.Payload, &m.Attempts); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, messageID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE outbox_messages SET status = 'published', published_at = NOW(), last_error = NULL WHERE id = $1`, messageID)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, messageID int64, retryAfter time.Duration, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', available_at = NOW() + make_interval(secs => $2::double precision), last_error = $3
		WHERE id = $1`, messageID, retryAfter.Seconds(), lastError)
	return err
}
