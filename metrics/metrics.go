// Package metrics exposes Prometheus instruments for settlement operations.
//
// Every helper is safe to call before Init: instruments are nil until
// registered and the helpers skip them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "commission_"

	// ResultSuccess labels a successful operation.
	ResultSuccess = "success"
)

var (
	registerOnce sync.Once

	settlementApplyTotal   *prometheus.CounterVec
	settlementApplyLatency *prometheus.HistogramVec
	settlementResetTotal   *prometheus.CounterVec
	settlementResetLatency *prometheus.HistogramVec
	ledgerEntriesTotal     *prometheus.CounterVec
	appliedAmountTotal     prometheus.Counter
	sequentialRunsTotal    *prometheus.CounterVec
	cycleChangesTotal      *prometheus.CounterVec
	reportDegradedTotal    *prometheus.CounterVec
	ledgerAuditRunsTotal   *prometheus.CounterVec
	ledgerDiscrepancies    prometheus.Gauge
)

// Init registers the instruments with reg, or with the default registerer
// when reg is nil. Safe to call more than once.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		settlementApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_apply_total",
				Help: "Period payment operations by result",
			},
			[]string{"result"},
		)
		settlementApplyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_apply_latency_seconds",
				Help:    "Period payment latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		settlementResetTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_reset_total",
				Help: "Debt reset operations by result",
			},
			[]string{"result"},
		)
		settlementResetLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_reset_latency_seconds",
				Help:    "Debt reset latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		ledgerEntriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_entries_total",
				Help: "Ledger entries appended by operation type",
			},
			[]string{"type"},
		)
		appliedAmountTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "applied_amount_total",
				Help: "Sum of commission amounts applied by settlements",
			},
		)
		sequentialRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sequential_settlement_total",
				Help: "Sequential settlement runs by outcome",
			},
			[]string{"result"},
		)
		cycleChangesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycle_changes_total",
				Help: "Settlement cycle changes by new cycle",
			},
			[]string{"cycle"},
		)
		reportDegradedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_degraded_total",
				Help: "Reports served with empty data after a store error",
			},
			[]string{"view"},
		)
		ledgerAuditRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_audit_runs_total",
				Help: "Ledger replay audits by outcome",
			},
			[]string{"result"},
		)
		ledgerDiscrepancies = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ledger_discrepancies",
				Help: "Discrepancies found by the last ledger audit",
			},
		)
		reg.MustRegister(
			settlementApplyTotal,
			settlementApplyLatency,
			settlementResetTotal,
			settlementResetLatency,
			ledgerEntriesTotal,
			appliedAmountTotal,
			sequentialRunsTotal,
			cycleChangesTotal,
			reportDegradedTotal,
			ledgerAuditRunsTotal,
			ledgerDiscrepancies,
		)
	})
}

// ObserveSettlementApply records one period payment call.
func ObserveSettlementApply(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if settlementApplyTotal != nil {
		settlementApplyTotal.WithLabelValues(result).Inc()
	}
	if settlementApplyLatency != nil {
		settlementApplyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveSettlementReset records one reset call.
func ObserveSettlementReset(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if settlementResetTotal != nil {
		settlementResetTotal.WithLabelValues(result).Inc()
	}
	if settlementResetLatency != nil {
		settlementResetLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddLedgerEntries counts appended ledger entries.
func AddLedgerEntries(entryType string, count int) {
	if count <= 0 || ledgerEntriesTotal == nil {
		return
	}
	ledgerEntriesTotal.WithLabelValues(entryType).Add(float64(count))
}

// AddAppliedAmount adds to the applied-amount counter.
func AddAppliedAmount(amount float64) {
	if amount <= 0 || appliedAmountTotal == nil {
		return
	}
	appliedAmountTotal.Add(amount)
}

// IncSequentialRun counts a sequential settlement run.
func IncSequentialRun(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if sequentialRunsTotal != nil {
		sequentialRunsTotal.WithLabelValues(result).Inc()
	}
}

// IncCycleChange counts a cycle change.
func IncCycleChange(cycle string) {
	if cycleChangesTotal != nil {
		cycleChangesTotal.WithLabelValues(cycle).Inc()
	}
}

// IncReportDegraded counts a degraded report.
func IncReportDegraded(view string) {
	if reportDegradedTotal != nil {
		reportDegradedTotal.WithLabelValues(view).Inc()
	}
}

// ObserveLedgerAudit records one replay audit and its finding count.
func ObserveLedgerAudit(result string, discrepancies int) {
	if result == "" {
		result = ResultSuccess
	}
	if ledgerAuditRunsTotal != nil {
		ledgerAuditRunsTotal.WithLabelValues(result).Inc()
	}
	if ledgerDiscrepancies != nil && result == ResultSuccess {
		ledgerDiscrepancies.Set(float64(discrepancies))
	}
}
