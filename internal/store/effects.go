package store

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

// applyEffect mutates acc by e. A change that lowers the available balance is
// refused on non-active accounts and, without overdraft, when available would go negative.
func applyEffect(acc *domain.Account, e BalanceEffect, allowOverdraft bool) error {
	newBalance := acc.Balance + e.BalanceDelta
	newHeld := acc.HeldBalance + e.HoldDelta
	if overflows(acc.Balance, e.BalanceDelta, newBalance) || overflows(acc.HeldBalance, e.HoldDelta, newHeld) {
		return fmt.Errorf("%w on account %s", ErrBalanceOverflow, acc.ID)
	}
	if newHeld < 0 {
		return fmt.Errorf("release of %d exceeds held balance %d on account %s", -e.HoldDelta, acc.HeldBalance, acc.ID)
	}

	if e.BalanceDelta-e.HoldDelta < 0 {
		if acc.Status != domain.AccountActive {
			return ErrAccountInactive
		}
		if !allowOverdraft && newBalance-newHeld < 0 {
			return ErrInsufficientFunds
		}
	}

	acc.Balance = newBalance
	acc.HeldBalance = newHeld
	return nil
}

func overflows(before, delta, after int64) bool {
	return (delta > 0 && after < before) || (delta < 0 && after > before)
}

// groupEffects orders accounts by id so concurrent writers lock rows in the same order.
func groupEffects(effects []BalanceEffect) ([]uuid.UUID, map[uuid.UUID][]BalanceEffect) {
	grouped := make(map[uuid.UUID][]BalanceEffect, len(effects))
	order := make([]uuid.UUID, 0, len(effects))
	for _, e := range effects {
		if _, seen := grouped[e.AccountID]; !seen {
			order = append(order, e.AccountID)
		}
		grouped[e.AccountID] = append(grouped[e.AccountID], e)
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].String() < order[j].String()
	})
	return order, grouped
}

func ledgerEntryFor(acc *domain.Account, e BalanceEffect, transactionID *uuid.UUID, correlationID string) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		TransactionID: transactionID,
		EntryType:     e.EntryType,
		Amount:        e.BalanceDelta,
		HoldAmount:    e.HoldDelta,
		BalanceAfter:  acc.Balance,
		HeldAfter:     acc.HeldBalance,
		CorrelationID: correlationID,
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
