/*
replay.go - Ledger replay & audit

PURPOSE:
  Proves the ledger is a complete account of every paid-amount change by
  rebuilding balances from entries alone and comparing them with the orders.

REPLAY RULE:
  Entries are walked per order in Seq order (CreatedAt, then ID, when the
  store assigned no sequence). The opening balance of an order is the
  PaidBefore of its first entry: that covers orders that were legacy-PAID
  or partly paid before the ledger existed. Every entry then adds its
  AppliedAmount.

  balance(order) = first.PaidBefore + SUM(AppliedAmount)

CHECKS (VerifyLedger):
  1. CHAIN:   entry[n].PaidBefore == entry[n-1].PaidAfter
  2. DELTA:   PaidAfter - PaidBefore == AppliedAmount
  3. BALANCE: replayed balance == EffectivePaid(order)
*/
package settlement

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DiscrepancyKind names the check that failed.
type DiscrepancyKind string

const (
	DiscrepancyChain   DiscrepancyKind = "CHAIN_BROKEN"
	DiscrepancyDelta   DiscrepancyKind = "DELTA_MISMATCH"
	DiscrepancyBalance DiscrepancyKind = "BALANCE_MISMATCH"
	DiscrepancyOrphan  DiscrepancyKind = "UNKNOWN_ORDER"
)

// Discrepancy is one audit finding.
type Discrepancy struct {
	Kind     DiscrepancyKind
	OrderID  string
	EntryID  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Message  string
}

// ReplayPaidAmounts rebuilds the paid amount of every order referenced by
// entries. Entries without an order reference are ignored.
func ReplayPaidAmounts(entries []LedgerEntry) map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal)
	for orderID, chain := range chainsByOrder(entries) {
		balance := chain[0].PaidBefore
		for _, e := range chain {
			balance = balance.Add(e.AppliedAmount)
		}
		balances[orderID] = balance
	}
	return balances
}

// VerifyLedger checks entries against orders. An empty result means the
// ledger reconstructs every covered order exactly.
func VerifyLedger(orders []Order, entries []LedgerEntry) []Discrepancy {
	byID := make(map[string]Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	chains := chainsByOrder(entries)
	orderIDs := make([]string, 0, len(chains))
	for id := range chains {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)

	var found []Discrepancy
	for _, orderID := range orderIDs {
		chain := chains[orderID]
		balance := chain[0].PaidBefore
		for i, e := range chain {
			if i > 0 && !e.PaidBefore.Equal(chain[i-1].PaidAfter) {
				found = append(found, Discrepancy{
					Kind:     DiscrepancyChain,
					OrderID:  orderID,
					EntryID:  e.ID,
					Expected: chain[i-1].PaidAfter,
					Actual:   e.PaidBefore,
					Message:  fmt.Sprintf("entry %s starts at %s but previous entry ended at %s", e.ID, e.PaidBefore.StringFixed(2), chain[i-1].PaidAfter.StringFixed(2)),
				})
			}
			if delta := e.PaidAfter.Sub(e.PaidBefore); !delta.Equal(e.AppliedAmount) {
				found = append(found, Discrepancy{
					Kind:     DiscrepancyDelta,
					OrderID:  orderID,
					EntryID:  e.ID,
					Expected: e.AppliedAmount,
					Actual:   delta,
					Message:  fmt.Sprintf("entry %s applied %s but moved paid by %s", e.ID, e.AppliedAmount.StringFixed(2), delta.StringFixed(2)),
				})
			}
			balance = balance.Add(e.AppliedAmount)
		}

		order, ok := byID[orderID]
		if !ok {
			found = append(found, Discrepancy{
				Kind:    DiscrepancyOrphan,
				OrderID: orderID,
				Message: fmt.Sprintf("ledger references unknown order %s", orderID),
			})
			continue
		}
		if paid := EffectivePaid(order); !paid.Equal(balance) {
			found = append(found, Discrepancy{
				Kind:     DiscrepancyBalance,
				OrderID:  orderID,
				Expected: balance,
				Actual:   paid,
				Message:  fmt.Sprintf("order %s is paid %s but ledger replays to %s", orderID, paid.StringFixed(2), balance.StringFixed(2)),
			})
		}
	}
	return found
}

func chainsByOrder(entries []LedgerEntry) map[string][]LedgerEntry {
	chains := make(map[string][]LedgerEntry)
	for _, e := range entries {
		if e.OrderID == "" {
			continue
		}
		chains[e.OrderID] = append(chains[e.OrderID], e)
	}
	for id := range chains {
		sortChronological(chains[id])
	}
	return chains
}

func sortChronological(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Seq != 0 && b.Seq != 0 && a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
