/*
plan.go - Payment allocation (pure)

PURPOSE:
  Decides, without touching storage, how a payment is spread over the
  orders of one period, and which orders a reset writes off. Every store
  calls these planners INSIDE its atomic unit of work, after locking and
  reading the pharmacy's orders, so the plan is computed against the same
  snapshot it is written against.

ALLOCATION RULE (period payment):
  1. Eligible orders: completed, same pharmacy, period key == requested key,
     outstanding > 0.
  2. Order them oldest-created first (ties by id).
  3. Walk the list, giving each order min(remaining payment, its outstanding).
  4. Stop when the payment is exhausted or every order is paid.
  A nil amount means "pay the whole outstanding of the period".

EXAMPLE:
  Orders A=600, B=400 outstanding in 06/2025; payment 700:
    A gets 600 (PAID), B gets 100 (PARTIAL, 300 left). Remaining = 0.
*/
package settlement

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentCommand is the input of the atomic period payment procedure.
type PaymentCommand struct {
	PharmacyID string
	PeriodKey  string
	Cycle      Cycle
	Amount     *decimal.Decimal // nil = full outstanding
	Actor      string
	Note       string
	At         time.Time
}

// PaymentOutcome is what the procedure committed.
type PaymentOutcome struct {
	UpdatedCount int
	Applied      decimal.Decimal
	Remaining    decimal.Decimal
	Entries      []LedgerEntry // nil when the procedure runs inside the database
}

// ResetCommand is the input of the atomic reset procedure.
type ResetCommand struct {
	PharmacyID string // empty = every pharmacy
	Cycle      Cycle  // recorded on the entries
	Actor      string
	Note       string
	At         time.Time
}

// ResetOutcome is what the reset committed.
type ResetOutcome struct {
	UpdatedCount int
	WrittenOff   decimal.Decimal
	Entries      []LedgerEntry // nil when the procedure runs inside the database
}

// Allocation is the change planned for one order.
type Allocation struct {
	Order        Order
	PeriodKey    string
	Amount       decimal.Decimal
	PaidBefore   decimal.Decimal
	PaidAfter    decimal.Decimal
	StatusBefore CommissionStatus
	StatusAfter  CommissionStatus
}

// PaymentPlan is the full allocation of one payment.
type PaymentPlan struct {
	Allocations []Allocation
	Applied     decimal.Decimal
	Remaining   decimal.Decimal
}

// ResetPlan lists the orders a reset writes off.
type ResetPlan struct {
	Allocations []Allocation
	WrittenOff  decimal.Decimal
}

// PlanPayment allocates amount over the period's outstanding orders.
func PlanPayment(orders []Order, pharmacyID, periodKey string, cycle Cycle, amount *decimal.Decimal) PaymentPlan {
	eligible := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.PharmacyID != pharmacyID || !IsCompleted(o.Status) {
			continue
		}
		key, ok := PeriodKey(o.CreatedAt, cycle)
		if !ok || key != periodKey {
			continue
		}
		if !Outstanding(o).IsPositive() {
			continue
		}
		eligible = append(eligible, o)
	}
	sortOldestFirst(eligible)

	plan := PaymentPlan{Applied: decimal.Zero, Remaining: decimal.Zero}
	var budget decimal.Decimal
	if amount != nil {
		budget = *amount
	}
	for _, o := range eligible {
		due := Outstanding(o)
		apply := due
		if amount != nil {
			if !budget.IsPositive() {
				break
			}
			apply = decimal.Min(due, budget)
			budget = budget.Sub(apply)
		}
		plan.Allocations = append(plan.Allocations, allocate(o, periodKey, apply))
		plan.Applied = plan.Applied.Add(apply)
	}
	if amount != nil {
		plan.Remaining = decimal.Max(budget, decimal.Zero)
	}
	return plan
}

// PlanReset writes off every outstanding completed order of pharmacyID
// (or of every pharmacy when pharmacyID is empty).
func PlanReset(orders []Order, pharmacyID string, cycle Cycle) ResetPlan {
	eligible := make([]Order, 0, len(orders))
	for _, o := range orders {
		if pharmacyID != "" && o.PharmacyID != pharmacyID {
			continue
		}
		if !IsCompleted(o.Status) || !Outstanding(o).IsPositive() {
			continue
		}
		eligible = append(eligible, o)
	}
	sortOldestFirst(eligible)

	plan := ResetPlan{WrittenOff: decimal.Zero}
	for _, o := range eligible {
		key, _ := PeriodKey(o.CreatedAt, cycle)
		a := allocate(o, key, Outstanding(o))
		plan.Allocations = append(plan.Allocations, a)
		plan.WrittenOff = plan.WrittenOff.Add(a.Amount)
	}
	return plan
}

// Apply returns the order with the allocation's paid amount written.
// Only the numeric accumulator changes; the legacy status is left alone.
func (a Allocation) Apply() Order {
	o := a.Order
	o.CommissionPaidAmount = a.PaidAfter
	return o
}

// Entry builds the ledger entry describing this allocation.
func (a Allocation) Entry(entryType EntryType, cycle Cycle, actor, note string, at time.Time) LedgerEntry {
	if entryType == EntryReset {
		note = resetNote(note)
	} else {
		note = settlementNote(a.PeriodKey, cycle, note)
	}
	return LedgerEntry{
		ID:            NewEntryID(),
		OrderID:       a.Order.ID,
		PharmacyID:    a.Order.PharmacyID,
		PeriodKey:     a.PeriodKey,
		Cycle:         cycle,
		Type:          entryType,
		Note:          note,
		AppliedAmount: a.Amount,
		PaidBefore:    a.PaidBefore,
		PaidAfter:     a.PaidAfter,
		StatusBefore:  a.StatusBefore,
		StatusAfter:   a.StatusAfter,
		CreatedBy:     actor,
		CreatedAt:     at,
	}
}

func allocate(o Order, periodKey string, amount decimal.Decimal) Allocation {
	before := EffectivePaid(o)
	after := before.Add(amount)
	updated := o
	updated.CommissionPaidAmount = after
	return Allocation{
		Order:        o,
		PeriodKey:    periodKey,
		Amount:       amount,
		PaidBefore:   before,
		PaidAfter:    after,
		StatusBefore: EffectiveStatus(o),
		StatusAfter:  EffectiveStatus(updated),
	}
}

func sortOldestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
