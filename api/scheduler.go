/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically replays the whole ledger against the orders
  (settlement.VerifyLedger) and records the outcome, so a drift between the
  audit trail and the paid amounts is noticed without anyone asking.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Keeps the last run in memory for GET /api/admin/audit
  - Logs discrepancies and sets the commission_ledger_discrepancies gauge

CONFIGURATION:
  - Interval: How often to audit (default: 1 hour)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - settlement/replay.go: Replay rules
  - handlers.go: VerifyLedger (on-demand, optionally per pharmacy)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-ledger/metrics"
	"github.com/warp/commission-ledger/settlement"
)

// AuditSource is the read side the audit needs.
type AuditSource interface {
	settlement.OrderReader
	settlement.LedgerReader
}

// AuditRun is the outcome of one ledger audit.
type AuditRun struct {
	StartedAt      time.Time
	Duration       time.Duration
	OrdersChecked  int
	EntriesChecked int
	Discrepancies  []settlement.Discrepancy
	Err            error
}

// AuditScheduler runs the ledger audit on a ticker.
type AuditScheduler struct {
	Store    AuditSource
	Interval time.Duration
	Enabled  bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditRun
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(store AuditSource, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Store:    store,
		Interval: 1 * time.Hour,
		Enabled:  true,
		logger:   logger,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.logger.Info("ledger audit disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.logger.Info("ledger audit started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("ledger audit stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce audits the full ledger now and stores the result as the last run.
func (s *AuditScheduler) RunOnce(ctx context.Context) (run AuditRun) {
	run.StartedAt = time.Now()
	defer func() {
		run.Duration = time.Since(run.StartedAt)
		last := run
		s.lastMu.Lock()
		s.last = &last
		s.lastMu.Unlock()
	}()

	orders, err := s.Store.ListOrders(ctx, settlement.OrderFilter{})
	if err != nil {
		s.failed(&run, err)
		return run
	}
	entries, err := s.Store.ListLedgerEntries(ctx, settlement.LedgerFilter{})
	if err != nil {
		s.failed(&run, err)
		return run
	}

	run.OrdersChecked = len(orders)
	run.EntriesChecked = len(entries)
	run.Discrepancies = settlement.VerifyLedger(orders, entries)
	metrics.ObserveLedgerAudit(metrics.ResultSuccess, len(run.Discrepancies))

	if len(run.Discrepancies) > 0 {
		for _, d := range run.Discrepancies {
			s.logger.Error("ledger discrepancy",
				zap.String("kind", string(d.Kind)),
				zap.String("order_id", d.OrderID),
				zap.String("entry_id", d.EntryID),
				zap.String("message", d.Message),
			)
		}
	} else {
		s.logger.Debug("ledger audit clean",
			zap.Int("orders", run.OrdersChecked),
			zap.Int("entries", run.EntriesChecked),
		)
	}
	return run
}

func (s *AuditScheduler) failed(run *AuditRun, err error) {
	run.Err = err
	metrics.ObserveLedgerAudit("error", 0)
	s.logger.Warn("ledger audit could not read the store", zap.Error(err))
}

// Last returns the most recent run, if any.
func (s *AuditScheduler) Last() (AuditRun, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return AuditRun{}, false
	}
	return *s.last, true
}

// =============================================================================
// HTTP
// =============================================================================

// AuditRunDTO is the last audit as JSON.
type AuditRunDTO struct {
	StartedAt      string           `json:"started_at"`
	DurationMS     int64            `json:"duration_ms"`
	OK             bool             `json:"ok"`
	OrdersChecked  int              `json:"orders_checked"`
	EntriesChecked int              `json:"entries_checked"`
	Discrepancies  []DiscrepancyDTO `json:"discrepancies"`
	Error          string           `json:"error,omitempty"`
}

// GetLastAudit returns the last scheduled audit.
// GET /api/admin/audit
func (s *AuditScheduler) GetLastAudit(w http.ResponseWriter, r *http.Request) {
	run, ok := s.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "No audit has run yet", nil)
		return
	}
	dto := AuditRunDTO{
		StartedAt:      run.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:     run.Duration.Milliseconds(),
		OK:             run.Err == nil && len(run.Discrepancies) == 0,
		OrdersChecked:  run.OrdersChecked,
		EntriesChecked: run.EntriesChecked,
		Discrepancies:  toDiscrepancyDTOs(run.Discrepancies),
	}
	if run.Err != nil {
		dto.Error = run.Err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}
