/*
ledger.go - Append-only financial ledger

PURPOSE:
  Every change to an order's commission paid amount is recorded here, one
  entry per order touched. The ledger is the audit source of truth: replaying
  it (see replay.go) reconstructs the paid amount of every order it covers.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER. Stores expose no such methods.
  2. SAME UNIT OF WORK: an entry is written in the same atomic operation
     as the order change it describes (see store.go SettlementProcedures).
  3. CYCLE IS FROZEN: an entry keeps the cycle that was active when it was
     created, even if the configured cycle changes later.

ENTRY TYPES:
  SETTLEMENT: a payment applied to one order of a period
  RESET:      an administrative write-off of one order's debt
*/
package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType is the operation recorded by a ledger entry.
type EntryType string

const (
	EntrySettlement EntryType = "SETTLEMENT"
	EntryReset      EntryType = "RESET"
)

// LedgerEntry is one immutable audit record.
type LedgerEntry struct {
	ID         string
	Seq        int64 // store-assigned, strictly increasing
	OrderID    string
	PharmacyID string
	PeriodKey  string
	Cycle      Cycle
	Type       EntryType
	Note       string

	AppliedAmount decimal.Decimal
	PaidBefore    decimal.Decimal
	PaidAfter     decimal.Decimal
	StatusBefore  CommissionStatus
	StatusAfter   CommissionStatus

	CreatedBy string
	CreatedAt time.Time
}

// LedgerFilter selects ledger entries. Results are newest first.
type LedgerFilter struct {
	PharmacyID string
	OrderID    string
	Type       EntryType
	Limit      int // 0 = no limit
}

// Page sizes used by the reporting views.
const (
	PharmacyLedgerPageSize = 120
	AdminLedgerPageSize    = 300
)

// NewEntryID generates a ledger entry id.
func NewEntryID() string {
	return uuid.NewString()
}

// CountByType splits a ledger page by operation type.
func CountByType(entries []LedgerEntry) map[EntryType]int {
	counts := map[EntryType]int{EntrySettlement: 0, EntryReset: 0}
	for _, e := range entries {
		counts[e.Type]++
	}
	return counts
}

func settlementNote(periodKey string, cycle Cycle, note string) string {
	if note != "" {
		return note
	}
	return fmt.Sprintf("Commission settlement for %s period %s", cycle, periodKey)
}

func resetNote(note string) string {
	if note != "" {
		return note
	}
	return "Administrative commission debt reset"
}
