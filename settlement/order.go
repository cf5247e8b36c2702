/*
order.go - Commission view of marketplace orders

PURPOSE:
  Orders belong to the order-management system. This file holds the only
  fields the settlement engine cares about, plus the two boundary rules
  that every reader must apply the same way:

  1. IsCompleted: one normalization of the free-text order status
     ("completed", "Concluído", "CONCLUIDO" ... are the same thing).
  2. EffectivePaid: one reconciliation of the legacy status enum with the
     numeric paid accumulator.

LEGACY RECONCILIATION:
  Orders settled before the ledger existed carry CommissionStatus=PAID with
  CommissionPaidAmount=0. Their effective paid amount is the full
  commission. Nothing else in the codebase may re-derive this.

INVARIANT:
  0 <= EffectivePaid <= CommissionAmount
*/
package settlement

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CommissionStatus is the legacy per-order commission status. It is also
// used for the derived status of a period.
type CommissionStatus string

const (
	StatusPending         CommissionStatus = "PENDING"
	StatusWaitingApproval CommissionStatus = "WAITING_APPROVAL"
	StatusPartial         CommissionStatus = "PARTIAL"
	StatusPaid            CommissionStatus = "PAID"
)

// ParseCommissionStatus maps stored text onto the enum; unknown values are PENDING.
func ParseCommissionStatus(s string) CommissionStatus {
	switch CommissionStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusWaitingApproval:
		return StatusWaitingApproval
	case StatusPartial:
		return StatusPartial
	case StatusPaid:
		return StatusPaid
	default:
		return StatusPending
	}
}

// Order is the commission-relevant projection of a marketplace order.
type Order struct {
	ID         string
	PharmacyID string
	Total      decimal.Decimal
	Status     string
	CreatedAt  time.Time // zero when the source timestamp did not parse

	// Snapshot taken when the pharmacy accepted the order.
	CommissionAmount     decimal.Decimal
	CommissionPaidAmount decimal.Decimal
	CommissionStatus     CommissionStatus
}

// Pharmacy is the directory entry for a seller.
type Pharmacy struct {
	ID             string
	Name           string
	CommissionRate decimal.Decimal // fraction, e.g. 0.12
}

// =============================================================================
// STATUS NORMALIZATION
// =============================================================================

var completedTokens = map[string]bool{
	"COMPLETED":  true,
	"COMPLETE":   true,
	"CONCLUIDO":  true,
	"COMPLETO":   true,
	"COMPLETADO": true,
}

// NormalizeStatus strips diacritics, trims and uppercases a status string.
func NormalizeStatus(status string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, status)
	if err != nil {
		stripped = status
	}
	return strings.ToUpper(strings.TrimSpace(stripped))
}

// IsCompleted reports whether an order status means the order was fulfilled.
func IsCompleted(status string) bool {
	return completedTokens[NormalizeStatus(status)]
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// EffectivePaid is the paid amount after the legacy-status rule.
func EffectivePaid(o Order) decimal.Decimal {
	commission := decimal.Max(o.CommissionAmount, decimal.Zero)
	paid := o.CommissionPaidAmount
	if o.CommissionStatus == StatusPaid && !paid.IsPositive() {
		return commission
	}
	if paid.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(paid, commission)
}

// Outstanding is the commission not yet covered, floored at zero.
func Outstanding(o Order) decimal.Decimal {
	return decimal.Max(o.CommissionAmount.Sub(EffectivePaid(o)), decimal.Zero)
}

// EffectiveStatus derives the status from the numeric amounts.
func EffectiveStatus(o Order) CommissionStatus {
	paid := EffectivePaid(o)
	switch {
	case !Outstanding(o).IsPositive():
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	case o.CommissionStatus == StatusWaitingApproval:
		return StatusWaitingApproval
	default:
		return StatusPending
	}
}

// SummaryStatus derives a period status from its totals.
func SummaryStatus(paid, outstanding decimal.Decimal) CommissionStatus {
	switch {
	case !outstanding.IsPositive():
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// SnapshotCommission computes the commission owed on an order at acceptance
// time. The result is stored on the order and never recomputed when the
// pharmacy's rate changes later.
func SnapshotCommission(total, rate decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return total.Mul(rate).Round(2)
}
