/*
period.go - Period keys for settlement buckets

PURPOSE:
  Maps an order timestamp to the canonical identifier of the settlement
  bucket it belongs to. Two calendars are supported and can be switched at
  runtime without touching stored data: keys are always derived, never
  persisted as a "period" row.

KEY FORMATS:
  MONTHLY: "MM/YYYY"   (local calendar month, zero-padded)
  WEEKLY:  "YYYY-Www"  (ISO-8601 week-year and week, zero-padded)

ISO WEEKS:
  Weeks start on Monday and week 1 is the week holding the first Thursday
  of the year. Near year boundaries the week-year differs from the calendar
  year: 2024-12-31 is in "2025-W01".

ORDERING:
  Keys are NOT ordered lexically ("2025-W9" vs "2025-W10", "12/2024" vs
  "01/2025"). Always use ComparePeriodKeys.

SEE ALSO:
  - aggregate.go: Groups orders by these keys
  - plan.go: Matches orders against a requested key
*/
package settlement

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CYCLE
// =============================================================================

// Cycle is the bucketing mode for settlement periods.
type Cycle string

const (
	CycleMonthly Cycle = "MONTHLY"
	CycleWeekly  Cycle = "WEEKLY"
)

// DefaultCycle is used whenever no cycle has been configured.
const DefaultCycle = CycleMonthly

// Valid reports whether c is a known cycle.
func (c Cycle) Valid() bool {
	return c == CycleMonthly || c == CycleWeekly
}

// ParseCycle parses a cycle name, case-insensitively.
func ParseCycle(s string) (Cycle, error) {
	c := Cycle(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &InvalidInputError{Field: "cycle", Value: s, Reason: "must be MONTHLY or WEEKLY"}
	}
	return c, nil
}

// =============================================================================
// PERIOD KEY CALCULATOR
// =============================================================================

// PeriodKey returns the settlement bucket for t under cycle, using the local
// calendar. It returns false for a zero time (unparseable source timestamp)
// or an unknown cycle; callers skip such orders.
func PeriodKey(t time.Time, cycle Cycle) (string, bool) {
	if t.IsZero() {
		return "", false
	}
	local := t.In(time.Local)
	switch cycle {
	case CycleMonthly:
		return fmt.Sprintf("%02d/%04d", int(local.Month()), local.Year()), true
	case CycleWeekly:
		// ISOWeek shifts to the Thursday of the week before numbering.
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), true
	default:
		return "", false
	}
}

// CurrentPeriodKey returns the key of the bucket containing now.
func CurrentPeriodKey(now time.Time, cycle Cycle) string {
	key, _ := PeriodKey(now, cycle)
	return key
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp coming from an external system.
// Returns false if no known layout matches.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// =============================================================================
// PARSING & ORDERING
// =============================================================================

// PeriodRef is a parsed period key.
type PeriodRef struct {
	Cycle Cycle
	Year  int
	Index int // month (1-12) or ISO week (1-53)
}

// Key renders the canonical key.
func (p PeriodRef) Key() string {
	if p.Cycle == CycleWeekly {
		return fmt.Sprintf("%04d-W%02d", p.Year, p.Index)
	}
	return fmt.Sprintf("%02d/%04d", p.Index, p.Year)
}

// ParsePeriodKey parses either key format. The cycle is inferred from the shape.
func ParsePeriodKey(key string) (PeriodRef, error) {
	key = strings.TrimSpace(key)
	if year, week, ok := strings.Cut(key, "-W"); ok {
		y, err1 := strconv.Atoi(year)
		w, err2 := strconv.Atoi(week)
		if err1 != nil || err2 != nil || y <= 0 || w < 1 || w > 53 {
			return PeriodRef{}, &InvalidInputError{Field: "period_key", Value: key, Reason: "expected YYYY-Www"}
		}
		return PeriodRef{Cycle: CycleWeekly, Year: y, Index: w}, nil
	}
	if month, year, ok := strings.Cut(key, "/"); ok {
		m, err1 := strconv.Atoi(month)
		y, err2 := strconv.Atoi(year)
		if err1 != nil || err2 != nil || y <= 0 || m < 1 || m > 12 {
			return PeriodRef{}, &InvalidInputError{Field: "period_key", Value: key, Reason: "expected MM/YYYY"}
		}
		return PeriodRef{Cycle: CycleMonthly, Year: y, Index: m}, nil
	}
	return PeriodRef{}, &InvalidInputError{Field: "period_key", Value: key, Reason: "unrecognized format"}
}

// ValidatePeriodKey checks that key is well-formed for cycle.
func ValidatePeriodKey(key string, cycle Cycle) error {
	ref, err := ParsePeriodKey(key)
	if err != nil {
		return err
	}
	if ref.Cycle != cycle {
		return &InvalidInputError{Field: "period_key", Value: key, Reason: fmt.Sprintf("not a %s key", cycle)}
	}
	// Accept only the canonical zero-padded form so keys match computed ones.
	if ref.Key() != strings.TrimSpace(key) {
		return &InvalidInputError{Field: "period_key", Value: key, Reason: "not zero-padded, expected " + ref.Key()}
	}
	return nil
}

// ComparePeriodKeys orders two keys chronologically: negative if a is older.
// Falls back to lexical comparison if either key does not parse.
func ComparePeriodKeys(a, b string) int {
	ra, errA := ParsePeriodKey(a)
	rb, errB := ParsePeriodKey(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	if ra.Year != rb.Year {
		return ra.Year - rb.Year
	}
	return ra.Index - rb.Index
}

// SortPeriodKeys sorts keys in place, oldest first unless newestFirst.
func SortPeriodKeys(keys []string, newestFirst bool) {
	sort.SliceStable(keys, func(i, j int) bool {
		c := ComparePeriodKeys(keys[i], keys[j])
		if newestFirst {
			return c > 0
		}
		return c < 0
	})
}
