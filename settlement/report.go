/*
report.go - Pharmacy & admin reporting views

PURPOSE:
  Read-only projections rebuilt from orders and ledger on every call. There
  is no cache: a financial figure is always recomputed from source data.

VIEWS:
  PharmacyReport: current period outstanding, total outstanding, period
                  history newest first, own ledger newest first (120 max)
  AdminReport:    every pharmacy ranked by outstanding desc then name asc,
                  the selected pharmacy's pending periods oldest first,
                  global ledger newest first (300 max) with type counts

DEGRADATION:
  A failed store read empties the section it feeds and marks the report
  Degraded with the error attached. Other sections are still served. Only
  client errors (unknown pharmacy) are returned as errors.
*/
package settlement

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/metrics"
)

// ReportSource is the read side a Reporter needs.
type ReportSource interface {
	OrderReader
	PharmacyDirectory
	LedgerReader
}

// PharmacyReport is the pharmacy-scoped view.
type PharmacyReport struct {
	PharmacyID         string
	PharmacyName       string
	Cycle              Cycle
	CurrentPeriodKey   string
	CurrentOutstanding decimal.Decimal
	TotalOutstanding   decimal.Decimal
	History            []PeriodSummary
	Ledger             []LedgerEntry

	Degraded bool
	Err      error
}

// PharmacyBalance is one row of the admin ranking.
type PharmacyBalance struct {
	PharmacyID     string
	Name           string
	Outstanding    decimal.Decimal
	PendingPeriods int
}

// AdminReport is the admin-scoped view.
type AdminReport struct {
	Cycle              Cycle
	Pharmacies         []PharmacyBalance
	TotalOutstanding   decimal.Decimal
	SelectedPharmacyID string
	SelectedPending    []PeriodSummary
	Ledger             []LedgerEntry
	LedgerCounts       map[EntryType]int

	Degraded bool
	Err      error
}

// Reporter builds reporting views.
type Reporter struct {
	source ReportSource
	cycles *CycleConfig
	logger *zap.Logger
}

// NewReporter creates a Reporter.
func NewReporter(source ReportSource, cycles *CycleConfig, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{source: source, cycles: cycles, logger: logger}
}

// PharmacyReport builds the view for one pharmacy. It returns an error only
// for an unknown or empty pharmacy id.
func (r *Reporter) PharmacyReport(ctx context.Context, pharmacyID string, now time.Time) (PharmacyReport, error) {
	pharmacyID = strings.TrimSpace(pharmacyID)
	if pharmacyID == "" {
		return PharmacyReport{}, &InvalidInputError{Field: "pharmacy_id", Reason: "required"}
	}
	cycle := r.cycles.Get(ctx)
	report := PharmacyReport{
		PharmacyID:         pharmacyID,
		Cycle:              cycle,
		CurrentPeriodKey:   CurrentPeriodKey(now, cycle),
		CurrentOutstanding: decimal.Zero,
		TotalOutstanding:   decimal.Zero,
		History:            []PeriodSummary{},
		Ledger:             []LedgerEntry{},
	}
	var errs []error

	pharmacy, err := r.source.GetPharmacy(ctx, pharmacyID)
	switch {
	case errors.Is(err, ErrPharmacyNotFound):
		return report, err
	case err != nil:
		errs = append(errs, err)
	default:
		report.PharmacyName = pharmacy.Name
	}

	orders, err := r.source.ListOrders(ctx, OrderFilter{PharmacyID: pharmacyID})
	if err != nil {
		errs = append(errs, err)
	} else {
		report.History = BuildPharmacyPeriods(orders, pharmacyID, cycle)
		if report.History == nil {
			report.History = []PeriodSummary{}
		}
		report.TotalOutstanding = TotalOutstanding(report.History)
		for _, s := range report.History {
			if s.PeriodKey == report.CurrentPeriodKey {
				report.CurrentOutstanding = s.Outstanding
			}
		}
	}

	entries, err := r.source.ListLedgerEntries(ctx, LedgerFilter{PharmacyID: pharmacyID, Limit: PharmacyLedgerPageSize})
	if err != nil {
		errs = append(errs, err)
	} else if entries != nil {
		report.Ledger = entries
	}

	if len(errs) > 0 {
		report.Degraded = true
		report.Err = errors.Join(errs...)
		r.degraded("pharmacy", report.Err, zap.String("pharmacy_id", pharmacyID))
	}
	return report, nil
}

// AdminReport builds the admin view. selectedPharmacyID may be empty, in
// which case the highest-owing pharmacy is selected.
func (r *Reporter) AdminReport(ctx context.Context, selectedPharmacyID string) AdminReport {
	cycle := r.cycles.Get(ctx)
	report := AdminReport{
		Cycle:              cycle,
		Pharmacies:         []PharmacyBalance{},
		TotalOutstanding:   decimal.Zero,
		SelectedPharmacyID: strings.TrimSpace(selectedPharmacyID),
		SelectedPending:    []PeriodSummary{},
		Ledger:             []LedgerEntry{},
		LedgerCounts:       CountByType(nil),
	}
	var errs []error

	pending := map[string][]PeriodSummary{}
	orders, err := r.source.ListOrders(ctx, OrderFilter{})
	if err != nil {
		errs = append(errs, err)
	} else {
		pending = BuildPendingByPharmacy(orders, cycle)
	}

	pharmacies, err := r.source.ListPharmacies(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Pharmacies = rankPharmacies(pharmacies, pending)
	for _, p := range report.Pharmacies {
		report.TotalOutstanding = report.TotalOutstanding.Add(p.Outstanding)
	}

	if report.SelectedPharmacyID == "" && len(report.Pharmacies) > 0 && report.Pharmacies[0].Outstanding.IsPositive() {
		report.SelectedPharmacyID = report.Pharmacies[0].PharmacyID
	}
	if list, ok := pending[report.SelectedPharmacyID]; ok {
		report.SelectedPending = list
	}

	entries, err := r.source.ListLedgerEntries(ctx, LedgerFilter{Limit: AdminLedgerPageSize})
	if err != nil {
		errs = append(errs, err)
	} else if entries != nil {
		report.Ledger = entries
		report.LedgerCounts = CountByType(entries)
	}

	if len(errs) > 0 {
		report.Degraded = true
		report.Err = errors.Join(errs...)
		r.degraded("admin", report.Err)
	}
	return report
}

// rankPharmacies orders pharmacies by outstanding desc, then name asc.
// Pharmacies that owe but are missing from the directory are listed by id.
func rankPharmacies(pharmacies []Pharmacy, pending map[string][]PeriodSummary) []PharmacyBalance {
	seen := make(map[string]bool, len(pharmacies))
	rows := make([]PharmacyBalance, 0, len(pharmacies))
	for _, p := range pharmacies {
		seen[p.ID] = true
		rows = append(rows, PharmacyBalance{
			PharmacyID:     p.ID,
			Name:           p.Name,
			Outstanding:    TotalOutstanding(pending[p.ID]),
			PendingPeriods: len(pending[p.ID]),
		})
	}
	for id, list := range pending {
		if seen[id] {
			continue
		}
		rows = append(rows, PharmacyBalance{
			PharmacyID:     id,
			Name:           id,
			Outstanding:    TotalOutstanding(list),
			PendingPeriods: len(list),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].Outstanding.Cmp(rows[j].Outstanding); c != 0 {
			return c > 0
		}
		if rows[i].Name != rows[j].Name {
			return strings.ToLower(rows[i].Name) < strings.ToLower(rows[j].Name)
		}
		return rows[i].PharmacyID < rows[j].PharmacyID
	})
	return rows
}

func (r *Reporter) degraded(view string, err error, fields ...zap.Field) {
	metrics.IncReportDegraded(view)
	r.logger.Warn("report degraded after store error",
		append(fields, zap.String("view", view), zap.Error(err))...)
}
