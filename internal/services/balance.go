package services

import (
	"sort"
	"time"

	"github.com/merchantmitra/backend/internal/models"
)

// The balance engine is pure: it computes the aggregate adjustments an entry
// mutation implies, and never touches the database. Callers must validate
// input first (non-negative amount, known entry type); the engine assumes
// well-formed entries and does not re-check them.

// AggregateDelta is the adjustment to apply to a customer's denormalized
// totals for one entry mutation.
type AggregateDelta struct {
	Balance     int64
	Credit      int64
	Debit       int64
	LastEntryAt *time.Time
}

// EntrySign returns the signed unit contribution of an entry type to the
// customer balance: +1 for CREDIT, -1 for DEBIT, 0 for NOTE.
func EntrySign(entryType string) int64 {
	switch entryType {
	case models.EntryTypeCredit:
		return 1
	case models.EntryTypeDebit:
		return -1
	default:
		return 0
	}
}

// ApplyEntryCreate computes the delta for appending an entry. LastEntryAt is
// set only when the entry is newer than the customer's current last entry.
func ApplyEntryCreate(customer *models.Customer, entry *models.LedgerEntry) AggregateDelta {
	delta := AggregateDelta{Balance: EntrySign(entry.Type) * entry.Amount}
	switch entry.Type {
	case models.EntryTypeCredit:
		delta.Credit = entry.Amount
	case models.EntryTypeDebit:
		delta.Debit = entry.Amount
	}
	if customer.LastEntryAt == nil || entry.CreatedAt.After(*customer.LastEntryAt) {
		at := entry.CreatedAt
		delta.LastEntryAt = &at
	}
	return delta
}

// ApplyEntryDelete computes the exact inverse of ApplyEntryCreate.
func ApplyEntryDelete(entry *models.LedgerEntry) AggregateDelta {
	delta := AggregateDelta{Balance: -EntrySign(entry.Type) * entry.Amount}
	switch entry.Type {
	case models.EntryTypeCredit:
		delta.Credit = -entry.Amount
	case models.EntryTypeDebit:
		delta.Debit = -entry.Amount
	}
	return delta
}

// ApplyEntryUpdate removes the old entry's contribution and applies the new
// one, without rescanning the entry log.
func ApplyEntryUpdate(oldEntry, newEntry *models.LedgerEntry) AggregateDelta {
	remove := ApplyEntryDelete(oldEntry)
	add := AggregateDelta{Balance: EntrySign(newEntry.Type) * newEntry.Amount}
	switch newEntry.Type {
	case models.EntryTypeCredit:
		add.Credit = newEntry.Amount
	case models.EntryTypeDebit:
		add.Debit = newEntry.Amount
	}
	return AggregateDelta{
		Balance: remove.Balance + add.Balance,
		Credit:  remove.Credit + add.Credit,
		Debit:   remove.Debit + add.Debit,
	}
}

// RunningBalanceLine pairs an entry with the balance after it was applied.
type RunningBalanceLine struct {
	Entry        *models.LedgerEntry `json:"entry"`
	BalanceAfter int64               `json:"balanceAfter"`
}

// ComputeRunningBalance accumulates entries in ascending createdAt order.
// Entries sharing a timestamp are ordered by entry id so repeated calls over
// the same set produce the same sequence.
func ComputeRunningBalance(entries []*models.LedgerEntry) []RunningBalanceLine {
	sorted := make([]*models.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].EntryID < sorted[j].EntryID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	lines := make([]RunningBalanceLine, 0, len(sorted))
	var balance int64
	for _, entry := range sorted {
		balance += EntrySign(entry.Type) * entry.Amount
		lines = append(lines, RunningBalanceLine{Entry: entry, BalanceAfter: balance})
	}
	return lines
}
