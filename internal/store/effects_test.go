package store

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/ledger-service/internal/domain"
)

func TestApplyEffect(t *testing.T) {
	tests := []struct {
		name        string
		account     domain.Account
		effect      BalanceEffect
		overdraft   bool
		wantErr     error
		wantBalance int64
		wantHeld    int64
	}{
		{
			name:        "hold within available",
			account:     domain.Account{Balance: 10000, Status: domain.AccountActive},
			effect:      BalanceEffect{HoldDelta: 8000},
			wantBalance: 10000,
			wantHeld:    8000,
		},
		{
			name:    "hold beyond available",
			account: domain.Account{Balance: 10000, HeldBalance: 5000, Status: domain.AccountActive},
			effect:  BalanceEffect{HoldDelta: 6000},
			wantErr: ErrInsufficientFunds,
		},
		{
			name:        "settle held debit",
			account:     domain.Account{Balance: 10000, HeldBalance: 8000, Status: domain.AccountActive},
			effect:      BalanceEffect{BalanceDelta: -8000, HoldDelta: -8000},
			wantBalance: 2000,
			wantHeld:    0,
		},
		{
			name:        "credit to suspended account",
			account:     domain.Account{Balance: 0, Status: domain.AccountSuspended},
			effect:      BalanceEffect{BalanceDelta: 5000},
			wantBalance: 5000,
		},
		{
			name:    "debit from suspended account",
			account: domain.Account{Balance: 9000, Status: domain.AccountSuspended},
			effect:  BalanceEffect{BalanceDelta: -5000},
			wantErr: ErrAccountInactive,
		},
		{
			name:        "overdraft allowed",
			account:     domain.Account{Balance: 1000, Status: domain.AccountActive},
			effect:      BalanceEffect{BalanceDelta: -5000},
			overdraft:   true,
			wantBalance: -4000,
		},
		{
			name:    "credit past int64",
			account: domain.Account{Balance: 10, Status: domain.AccountActive},
			effect:  BalanceEffect{BalanceDelta: math.MaxInt64},
			wantErr: ErrBalanceOverflow,
		},
		{
			name:    "hold past int64",
			account: domain.Account{Balance: math.MaxInt64, HeldBalance: math.MaxInt64 - 1, Status: domain.AccountActive},
			effect:  BalanceEffect{HoldDelta: 10},
			wantErr: ErrBalanceOverflow,
		},
		{
			name:      "overdraft past int64",
			account:   domain.Account{Balance: math.MinInt64 + 1, Status: domain.AccountActive},
			effect:    BalanceEffect{BalanceDelta: -5},
			overdraft: true,
			wantErr:   ErrBalanceOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := tt.account
			err := applyEffect(&acc, tt.effect, tt.overdraft)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if acc != tt.account {
					t.Fatalf("expected account untouched on error, got %+v", acc)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if acc.Balance != tt.wantBalance || acc.HeldBalance != tt.wantHeld {
				t.Fatalf("expected balance=%d held=%d, got balance=%d held=%d", tt.wantBalance, tt.wantHeld, acc.Balance, acc.HeldBalance)
			}
		})
	}
}

func TestApplyEffectRejectsOverRelease(t *testing.T) {
	acc := domain.Account{ID: uuid.New(), Balance: 1000, HeldBalance: 100, Status: domain.AccountActive}
	if err := applyEffect(&acc, BalanceEffect{HoldDelta: -200}, false); err == nil {
		t.Fatalf("expected error when releasing more than held")
	}
}

func TestGroupEffectsOrdersAccounts(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	order, grouped := groupEffects([]BalanceEffect{
		{AccountID: b, BalanceDelta: 1},
		{AccountID: a, BalanceDelta: 2},
		{AccountID: b, BalanceDelta: 3},
	})
	if len(order) != 2 || order[0] != a || order[1] != b {
		t.Fatalf("expected ascending account order, got %v", order)
	}
	if len(grouped[b]) != 2 || grouped[b][1].BalanceDelta != 3 {
		t.Fatalf("expected effects grouped in input order, got %+v", grouped[b])
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("wrap: %w", ErrTransient), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"domain error", ErrInsufficientFunds, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNormalizePage(t *testing.T) {
	limit, offset := normalizePage(0, -5)
	if limit != 10 || offset != 0 {
		t.Fatalf("expected defaults 10/0, got %d/%d", limit, offset)
	}
	if limit, _ = normalizePage(1000, 0); limit != 100 {
		t.Fatalf("expected limit capped at 100, got %d", limit)
	}
}
