package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

func seedAccount(t *testing.T, repo *MemoryRepository, balance int64) *domain.Account {
	t.Helper()
	user := &domain.User{ID: uuid.New(), Name: "Seed", Email: uuid.NewString() + "@example.com", Role: domain.RoleUser, Status: domain.UserActive}
	account := &domain.Account{ID: uuid.New(), UserID: user.ID, Balance: balance, Currency: "IDR", Status: domain.AccountActive}
	if err := repo.CreateUserWithAccount(context.Background(), user, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func TestAdjustBalanceConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 60000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AdjustBalance(context.Background(), account.ID, -50000, "concurrent")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one insufficient funds, got %d and %d", succeeded, insufficient)
	}

	got, err := repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if got.Balance != 10000 {
		t.Fatalf("expected balance 10000, got %d", got.Balance)
	}
}

func TestAdjustBalanceHonorsOverdraftPolicy(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 1000)

	if _, err := repo.AdjustBalance(context.Background(), account.ID, -5000, "no-overdraft"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	repo.SetAllowOverdraft(true)
	got, err := repo.AdjustBalance(context.Background(), account.ID, -5000, "overdraft")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Balance != -4000 {
		t.Fatalf("expected balance -4000, got %d", got.Balance)
	}

	entries, err := repo.ListLedgerEntries(context.Background(), account.ID, 10, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].BalanceAfter != -4000 {
		t.Fatalf("expected one adjustment entry ending at -4000, got %+v", entries)
	}
}

func TestAdjustBalanceRejectsOverflow(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 10)

	if _, err := repo.AdjustBalance(context.Background(), account.ID, math.MaxInt64, "huge"); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	got, err := repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if got.Balance != 10 {
		t.Fatalf("expected balance 10, got %d", got.Balance)
	}
	entries, err := repo.ListLedgerEntries(context.Background(), account.ID, 10, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %+v", entries)
	}
}

func TestRecordTransactionRollsBackOnFailedEffect(t *testing.T) {
	repo := NewMemoryRepository()
	source := seedAccount(t, repo, 5000)
	target := seedAccount(t, repo, 0)

	tx := &domain.Transaction{
		ID: uuid.New(), Reference: "TXN-AAAAAAAAAAAA", UserID: source.UserID,
		Type: domain.TransactionTypeTransfer, Amount: 10000, Currency: "IDR", Status: domain.StatusPending,
		FromAccountID: &source.ID, ToAccountID: &target.ID,
	}
	effects := []BalanceEffect{
		{AccountID: target.ID, BalanceDelta: 10000, EntryType: domain.EntryCredit},
		{AccountID: source.ID, HoldDelta: 10000, EntryType: domain.EntryHold},
	}
	if err := repo.RecordTransaction(context.Background(), tx, effects); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if _, err := repo.FindTransactionByID(context.Background(), tx.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected transaction not to be persisted, got %v", err)
	}
	got, _ := repo.FindAccountByID(context.Background(), target.ID)
	if got.Balance != 0 {
		t.Fatalf("expected target balance untouched, got %d", got.Balance)
	}
}

func TestUpdateTransactionStatusGuard(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 0)

	tx := &domain.Transaction{
		ID: uuid.New(), Reference: "TXN-BBBBBBBBBBBB", UserID: account.UserID,
		Type: domain.TransactionTypeTopup, Amount: 50000, Currency: "IDR", Status: domain.StatusPending,
		ToAccountID: &account.ID,
	}
	if err := repo.RecordTransaction(context.Background(), tx, nil); err != nil {
		t.Fatalf("record transaction: %v", err)
	}

	complete := TransitionParams{
		From:    []domain.TransactionStatus{domain.StatusPending, domain.StatusProcessing},
		To:      domain.StatusCompleted,
		Effects: []BalanceEffect{{AccountID: account.ID, BalanceDelta: 50000, EntryType: domain.EntryCredit}},
	}
	updated, err := repo.UpdateTransactionStatus(context.Background(), tx.ID, complete)
	if err != nil {
		t.Fatalf("complete transaction: %v", err)
	}
	if updated.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}

	current, err := repo.UpdateTransactionStatus(context.Background(), tx.ID, complete)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if current == nil || current.Status != domain.StatusCompleted {
		t.Fatalf("expected current completed transaction, got %+v", current)
	}

	got, _ := repo.FindAccountByID(context.Background(), account.ID)
	if got.Balance != 50000 {
		t.Fatalf("expected credit applied exactly once, got balance %d", got.Balance)
	}
}

func TestRecordTransactionRejectsReusedIdempotencyKey(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 0)
	key := "order-1"

	for i, ref := range []string{"TXN-CCCCCCCCCCCC", "TXN-DDDDDDDDDDDD"} {
		tx := &domain.Transaction{
			ID: uuid.New(), Reference: ref, UserID: account.UserID, IdempotencyKey: &key,
			Type: domain.TransactionTypeTopup, Amount: 20000, Currency: "IDR", Status: domain.StatusPending,
			ToAccountID: &account.ID,
		}
		err := repo.RecordTransaction(context.Background(), tx, nil)
		if i == 0 && err != nil {
			t.Fatalf("first insert: %v", err)
		}
		if i == 1 && !errors.Is(err, ErrDuplicateIdempotencyKey) {
			t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
		}
	}
}

func TestListTransactionsIncludesCounterpartyTransfers(t *testing.T) {
	repo := NewMemoryRepository()
	payer := seedAccount(t, repo, 100000)
	payee := seedAccount(t, repo, 0)

	transfer := &domain.Transaction{
		ID: uuid.New(), Reference: "TXN-EEEEEEEEEEEE", UserID: payer.UserID,
		Type: domain.TransactionTypeTransfer, Amount: 20000, Currency: "IDR", Status: domain.StatusPending,
		FromAccountID: &payer.ID, ToAccountID: &payee.ID,
	}
	if err := repo.RecordTransaction(context.Background(), transfer, nil); err != nil {
		t.Fatalf("record transfer: %v", err)
	}

	items, total, err := repo.ListTransactions(context.Background(), domain.TransactionFilter{UserID: &payee.UserID})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != transfer.ID {
		t.Fatalf("expected payee to see the transfer, got total=%d items=%+v", total, items)
	}

	status := domain.StatusCompleted
	_, total, _ = repo.ListTransactions(context.Background(), domain.TransactionFilter{UserID: &payee.UserID, Status: &status})
	if total != 0 {
		t.Fatalf("expected status filter to exclude pending transfer, got %d", total)
	}
}

func TestAttachGatewayChargeKeepsExistingReference(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 0)
	topup := &domain.Transaction{
		ID: uuid.New(), Reference: "TXN-FFFFFFFFFFFF", UserID: account.UserID,
		Type: domain.TransactionTypeTopup, Amount: 100000, Currency: "IDR", Status: domain.StatusProcessing,
		ToAccountID: &account.ID,
	}
	if err := repo.RecordTransaction(context.Background(), topup, nil); err != nil {
		t.Fatalf("record topup: %v", err)
	}

	if err := repo.AttachGatewayCharge(context.Background(), topup.ID, "gw-1", nil); err != nil {
		t.Fatalf("attach reference: %v", err)
	}
	if err := repo.AttachGatewayCharge(context.Background(), topup.ID, "", map[string]interface{}{"snap_token": "tok"}); err != nil {
		t.Fatalf("attach metadata: %v", err)
	}

	got, err := repo.FindTransactionByID(context.Background(), topup.ID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if got.GatewayReference == nil || *got.GatewayReference != "gw-1" {
		t.Fatalf("expected reference gw-1 to survive, got %v", got.GatewayReference)
	}
	if got.Metadata["snap_token"] != "tok" {
		t.Fatalf("expected metadata merged, got %+v", got.Metadata)
	}
}

func TestOutboxClaimAndRetry(t *testing.T) {
	repo := NewMemoryRepository()
	account := seedAccount(t, repo, 0)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	tx := &domain.Transaction{
		ID: uuid.New(), Reference: "TXN-FFFFFFFFFFFF", UserID: account.UserID,
		Type: domain.TransactionTypeTopup, Amount: 20000, Currency: "IDR", Status: domain.StatusPending,
		ToAccountID: &account.ID,
	}
	if err := repo.RecordTransaction(context.Background(), tx, nil); err != nil {
		t.Fatalf("record transaction: %v", err)
	}

	claimed, _ := repo.ClaimOutboxMessages(context.Background(), 10, time.Minute)
	if len(claimed) != 1 || claimed[0].RoutingKey != "transaction.pending" {
		t.Fatalf("expected one transaction.pending message, got %+v", claimed)
	}
	if again, _ := repo.ClaimOutboxMessages(context.Background(), 10, time.Minute); len(again) != 0 {
		t.Fatalf("expected claimed message to be skipped, got %d", len(again))
	}

	_ = repo.MarkOutboxFailed(context.Background(), claimed[0].ID, 30*time.Second, "broker down")
	if early, _ := repo.ClaimOutboxMessages(context.Background(), 10, time.Minute); len(early) != 0 {
		t.Fatalf("expected retry to wait for backoff, got %d", len(early))
	}

	clock = clock.Add(31 * time.Second)
	retried, _ := repo.ClaimOutboxMessages(context.Background(), 10, time.Minute)
	if len(retried) != 1 || retried[0].Attempts != 2 {
		t.Fatalf("expected second attempt after backoff, got %+v", retried)
	}
	_ = repo.MarkOutboxPublished(context.Background(), retried[0].ID)

	clock = clock.Add(time.Hour)
	if done, _ := repo.ClaimOutboxMessages(context.Background(), 10, time.Minute); len(done) != 0 {
		t.Fatalf("expected published message to stay published, got %d", len(done))
	}
}
