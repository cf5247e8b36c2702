/*
aggregate.go - Commission aggregation into settlement periods

PURPOSE:
  Turns a flat list of orders into per-period commission totals. Two views:

  Global:        one summary per period key, newest period first.
  Per pharmacy:  summaries per (pharmacy, period key) with outstanding > 0,
                 OLDEST period first. The sequential settlement workflow
                 depends on this ordering.

PURITY:
  No I/O, no clock, no cache. Given the same orders and cycle the output is
  the same. Period summaries are never stored: every read recomputes them
  from source data, so they cannot drift from the orders.

DEGRADATION:
  Orders that are not completed, have an unparseable timestamp, or (for the
  per-pharmacy view) no pharmacy reference are skipped. One bad order never
  blocks the rest of the report.
*/
package settlement

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PeriodSummary is the derived state of one settlement bucket.
type PeriodSummary struct {
	PharmacyID  string // empty in the global view
	PeriodKey   string
	Cycle       Cycle
	Orders      []Order
	OrdersCount int
	Commission  decimal.Decimal
	Paid        decimal.Decimal
	Outstanding decimal.Decimal
	Status      CommissionStatus
}

type bucketKey struct {
	pharmacyID string
	periodKey  string
}

type bucket struct {
	key    bucketKey
	orders []Order
}

// BuildPeriodSummaries groups completed orders by period, newest first.
func BuildPeriodSummaries(orders []Order, cycle Cycle) []PeriodSummary {
	buckets := groupOrders(orders, cycle, false)
	summaries := make([]PeriodSummary, 0, len(buckets))
	for _, b := range buckets {
		summaries = append(summaries, summarize(b, cycle))
	}
	sortSummaries(summaries, true)
	return summaries
}

// BuildPendingByPharmacy returns, per pharmacy, the periods that still owe
// commission, oldest first. Pharmacies with nothing outstanding are absent.
func BuildPendingByPharmacy(orders []Order, cycle Cycle) map[string][]PeriodSummary {
	result := make(map[string][]PeriodSummary)
	for _, b := range groupOrders(orders, cycle, true) {
		s := summarize(b, cycle)
		if !s.Outstanding.IsPositive() {
			continue
		}
		result[s.PharmacyID] = append(result[s.PharmacyID], s)
	}
	for id := range result {
		sortSummaries(result[id], false)
	}
	return result
}

// BuildPharmacyPeriods returns every period of one pharmacy, settled ones
// included, newest first.
func BuildPharmacyPeriods(orders []Order, pharmacyID string, cycle Cycle) []PeriodSummary {
	var own []Order
	for _, o := range orders {
		if o.PharmacyID == pharmacyID {
			own = append(own, o)
		}
	}
	var summaries []PeriodSummary
	for _, b := range groupOrders(own, cycle, true) {
		summaries = append(summaries, summarize(b, cycle))
	}
	sortSummaries(summaries, true)
	return summaries
}

// TotalOutstanding sums the outstanding of a list of summaries.
func TotalOutstanding(summaries []PeriodSummary) decimal.Decimal {
	total := decimal.Zero
	for _, s := range summaries {
		total = total.Add(s.Outstanding)
	}
	return total
}

func groupOrders(orders []Order, cycle Cycle, byPharmacy bool) []*bucket {
	index := make(map[bucketKey]*bucket)
	var ordered []*bucket
	for _, o := range orders {
		if !IsCompleted(o.Status) {
			continue
		}
		key, ok := PeriodKey(o.CreatedAt, cycle)
		if !ok {
			continue
		}
		k := bucketKey{periodKey: key}
		if byPharmacy {
			if o.PharmacyID == "" {
				continue
			}
			k.pharmacyID = o.PharmacyID
		}
		b, exists := index[k]
		if !exists {
			b = &bucket{key: k}
			index[k] = b
			ordered = append(ordered, b)
		}
		b.orders = append(b.orders, o)
	}
	return ordered
}

func summarize(b *bucket, cycle Cycle) PeriodSummary {
	s := PeriodSummary{
		PharmacyID:  b.key.pharmacyID,
		PeriodKey:   b.key.periodKey,
		Cycle:       cycle,
		Orders:      b.orders,
		OrdersCount: len(b.orders),
		Commission:  decimal.Zero,
		Paid:        decimal.Zero,
	}
	for _, o := range b.orders {
		s.Commission = s.Commission.Add(o.CommissionAmount)
		s.Paid = s.Paid.Add(EffectivePaid(o))
	}
	s.Outstanding = decimal.Max(s.Commission.Sub(s.Paid), decimal.Zero)
	s.Status = SummaryStatus(s.Paid, s.Outstanding)
	return s
}

func sortSummaries(summaries []PeriodSummary, newestFirst bool) {
	sort.SliceStable(summaries, func(i, j int) bool {
		c := ComparePeriodKeys(summaries[i].PeriodKey, summaries[j].PeriodKey)
		if c == 0 {
			return summaries[i].PharmacyID < summaries[j].PharmacyID
		}
		if newestFirst {
			return c > 0
		}
		return c < 0
	})
}
