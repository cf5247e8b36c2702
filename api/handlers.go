/*
handlers.go - HTTP API handlers for commission settlement

PURPOSE:
  Exposes the settlement engine and the reporting views via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  settlement.Engine / settlement.Reporter. No settlement rule lives here.

ENDPOINTS:
  Cycle:
    GET    /api/settlement/cycle                 Configured cycle
    PUT    /api/admin/settlement/cycle           Change the cycle

  Ledger:
    GET    /api/ledger                           Ledger page, newest first
    GET    /api/ledger/verify                    Replay the ledger against orders

  Settlement (admin):
    POST   /api/admin/settlements/apply          Pay one period
    POST   /api/admin/settlements/reset          Write off outstanding debt
    POST   /api/admin/settlements/settle-all     Pay every pending period
    POST   /api/admin/settlements/distribute     Spread one amount, oldest first

  Reporting:
    GET    /api/pharmacies/{id}/report           Pharmacy-scoped view
    GET    /api/pharmacies/{id}/periods          Every period of a pharmacy
    GET    /api/admin/report                     Admin-scoped view
    GET    /api/admin/audit                      Last background ledger audit (scheduler.go)

ACTOR:
  The authenticated subject (auth.ActorFromContext) is recorded on every
  ledger entry. Without auth the engine records "system".

ERROR HANDLING:
  Settlement endpoints always answer with the structured result DTO. The
  HTTP status follows the result code:
  - 400: invalid_input
  - 404: pharmacy_not_found
  - 500: payment_failed
  - 503: procedure_missing, cancelled
  - 504: outcome_unknown (re-read the period before retrying)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/auth"
	"github.com/warp/commission-ledger/settlement"
)

// maxLedgerLimit caps the limit query parameter.
const maxLedgerLimit = 1000

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from persistence: the settlement
// store plus the order-management writes used by the demo loader.
type Store interface {
	settlement.Store
	SavePharmacy(ctx context.Context, p settlement.Pharmacy) error
	SaveOrder(ctx context.Context, o settlement.Order) error
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Store
	Engine   *settlement.Engine
	Reporter *settlement.Reporter

	logger *zap.Logger
	now    func() time.Time

	// Track currently loaded demo scenario
	mu              sync.RWMutex
	currentScenario string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger shared by the handler, engine and reporter.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock overrides the clock for ledger timestamps and "current period".
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a new handler with the given store.
func NewHandler(store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		Store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Engine = settlement.NewEngine(store,
		settlement.WithLogger(h.logger.Named("engine")),
		settlement.WithClock(func() time.Time { return h.now().UTC() }),
	)
	h.Reporter = settlement.NewReporter(store, h.Engine.Cycles(), h.logger.Named("report"))
	return h
}

// =============================================================================
// CYCLE
// =============================================================================

// GetCycle returns the configured settlement cycle.
// GET /api/settlement/cycle
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	cycle := h.Engine.Cycles().Get(r.Context())
	writeJSON(w, http.StatusOK, CycleDTO{
		Cycle:            string(cycle),
		CurrentPeriodKey: settlement.CurrentPeriodKey(h.now(), cycle),
	})
}

// UpdateCycle changes the configured cycle. Existing ledger entries keep
// the cycle they were written under.
// PUT /api/admin/settlement/cycle
func (h *Handler) UpdateCycle(w http.ResponseWriter, r *http.Request) {
	var req UpdateCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cycle, err := settlement.ParseCycle(req.Cycle)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cycle", err)
		return
	}
	if err := h.Engine.Cycles().Set(r.Context(), cycle); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save cycle", err)
		return
	}
	h.logger.Info("settlement cycle changed",
		zap.String("cycle", string(cycle)),
		zap.String("actor", auth.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, CycleDTO{
		Cycle:            string(cycle),
		CurrentPeriodKey: settlement.CurrentPeriodKey(h.now(), cycle),
	})
}

// =============================================================================
// LEDGER
// =============================================================================

// ListLedger returns ledger entries newest first.
// GET /api/ledger?pharmacy_id=&order_id=&type=&limit=
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pharmacyID, ok := h.scopedPharmacy(w, r, q.Get("pharmacy_id"))
	if !ok {
		return
	}

	limit := settlement.AdminLedgerPageSize
	if pharmacyID != "" {
		limit = settlement.PharmacyLedgerPageSize
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLedgerLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit (1-1000)", err)
			return
		}
		limit = n
	}

	entryType := settlement.EntryType(strings.ToUpper(strings.TrimSpace(q.Get("type"))))
	switch entryType {
	case "", settlement.EntrySettlement, settlement.EntryReset:
	default:
		writeError(w, http.StatusBadRequest, "Invalid type (SETTLEMENT or RESET)", nil)
		return
	}

	entries, err := h.Store.ListLedgerEntries(r.Context(), settlement.LedgerFilter{
		PharmacyID: pharmacyID,
		OrderID:    q.Get("order_id"),
		Type:       entryType,
		Limit:      limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// VerifyLedger replays the ledger and compares it with the orders.
// GET /api/ledger/verify?pharmacy_id=
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	pharmacyID, ok := h.scopedPharmacy(w, r, r.URL.Query().Get("pharmacy_id"))
	if !ok {
		return
	}
	ctx := r.Context()

	orders, err := h.Store.ListOrders(ctx, settlement.OrderFilter{PharmacyID: pharmacyID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list orders", err)
		return
	}
	entries, err := h.Store.ListLedgerEntries(ctx, settlement.LedgerFilter{PharmacyID: pharmacyID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list ledger entries", err)
		return
	}

	findings := settlement.VerifyLedger(orders, entries)
	if len(findings) > 0 {
		h.logger.Warn("ledger verification found discrepancies",
			zap.String("pharmacy_id", pharmacyID),
			zap.Int("count", len(findings)),
		)
	}
	writeJSON(w, http.StatusOK, VerifyLedgerResponse{
		OK:             len(findings) == 0,
		PharmacyID:     pharmacyID,
		EntriesChecked: len(entries),
		OrdersChecked:  len(orders),
		Discrepancies:  toDiscrepancyDTOs(findings),
	})
}

// scopedPharmacy applies the caller's pharmacy scope to a requested id.
// A pharmacy caller without an explicit id is scoped to itself.
func (h *Handler) scopedPharmacy(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	id, authed := auth.IdentityFromContext(r.Context())
	if authed && id.Role == auth.RolePharmacy && requested == "" {
		requested = id.PharmacyID
	}
	if requested != "" && !auth.CanAccessPharmacy(r.Context(), requested) {
		writeError(w, http.StatusForbidden, "Access to this pharmacy is not allowed", nil)
		return "", false
	}
	return requested, true
}

// =============================================================================
// SETTLEMENT (admin)
// =============================================================================

// ApplyPayment pays one period of one pharmacy.
// POST /api/admin/settlements/apply
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Zero on the wire means "no amount". The engine rejects an explicit zero.
	amount := req.Amount
	if amount != nil && amount.IsZero() {
		amount = nil
	}
	res := h.Engine.ApplyCommissionPaymentByPeriod(r.Context(), settlement.PaymentRequest{
		PharmacyID: strings.TrimSpace(req.PharmacyID),
		PeriodKey:  strings.TrimSpace(req.PeriodKey),
		Cycle:      settlement.Cycle(strings.ToUpper(strings.TrimSpace(req.Cycle))),
		Amount:     amount,
		Actor:      auth.ActorFromContext(r.Context()),
		Note:       req.Note,
	})
	writeJSON(w, statusForCode(res.Code), toPaymentResultDTO(res))
}

// ResetDebt writes off the outstanding debt of one or every pharmacy.
// POST /api/admin/settlements/reset
func (h *Handler) ResetDebt(w http.ResponseWriter, r *http.Request) {
	var req ResetDebtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res := h.Engine.ResetCommissionDebtByAdmin(r.Context(), settlement.ResetRequest{
		PharmacyID: strings.TrimSpace(req.PharmacyID),
		Actor:      auth.ActorFromContext(r.Context()),
		Note:       req.Note,
	})
	writeJSON(w, statusForCode(res.Code), toResetResultDTO(res))
}

// SettleAll pays every pending period of a pharmacy, oldest first.
// POST /api/admin/settlements/settle-all
func (h *Handler) SettleAll(w http.ResponseWriter, r *http.Request) {
	var req SettleAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res := h.Engine.SettleAllPeriods(r.Context(), strings.TrimSpace(req.PharmacyID), auth.ActorFromContext(r.Context()))
	writeJSON(w, statusForCode(res.Code), toSequentialResultDTO(res))
}

// Distribute spreads one payment over pending periods, oldest first.
// POST /api/admin/settlements/distribute
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res := h.Engine.DistributePayment(r.Context(), strings.TrimSpace(req.PharmacyID), req.Amount, auth.ActorFromContext(r.Context()))
	writeJSON(w, statusForCode(res.Code), toSequentialResultDTO(res))
}

// =============================================================================
// REPORTING
// =============================================================================

// GetPharmacyReport returns the pharmacy-scoped view.
// GET /api/pharmacies/{id}/report
func (h *Handler) GetPharmacyReport(w http.ResponseWriter, r *http.Request) {
	pharmacyID := chi.URLParam(r, "id")
	if !auth.CanAccessPharmacy(r.Context(), pharmacyID) {
		writeError(w, http.StatusForbidden, "Access to this pharmacy is not allowed", nil)
		return
	}

	report, err := h.Reporter.PharmacyReport(r.Context(), pharmacyID, h.now())
	switch {
	case errors.Is(err, settlement.ErrPharmacyNotFound):
		writeError(w, http.StatusNotFound, "Pharmacy not found", err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "Invalid pharmacy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPharmacyReportDTO(report))
}

// GetPharmacyPeriods returns every period of a pharmacy, newest first.
// GET /api/pharmacies/{id}/periods?cycle=
func (h *Handler) GetPharmacyPeriods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pharmacyID := chi.URLParam(r, "id")
	if !auth.CanAccessPharmacy(ctx, pharmacyID) {
		writeError(w, http.StatusForbidden, "Access to this pharmacy is not allowed", nil)
		return
	}

	cycle := h.Engine.Cycles().Get(ctx)
	if raw := r.URL.Query().Get("cycle"); raw != "" {
		parsed, err := settlement.ParseCycle(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cycle", err)
			return
		}
		cycle = parsed
	}

	if _, err := h.Store.GetPharmacy(ctx, pharmacyID); err != nil {
		if errors.Is(err, settlement.ErrPharmacyNotFound) {
			writeError(w, http.StatusNotFound, "Pharmacy not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get pharmacy", err)
		return
	}
	orders, err := h.Store.ListOrders(ctx, settlement.OrderFilter{PharmacyID: pharmacyID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodSummaryDTOs(settlement.BuildPharmacyPeriods(orders, pharmacyID, cycle)))
}

// GetAdminReport returns the admin-scoped view.
// GET /api/admin/report?pharmacy_id=
func (h *Handler) GetAdminReport(w http.ResponseWriter, r *http.Request) {
	report := h.Reporter.AdminReport(r.Context(), r.URL.Query().Get("pharmacy_id"))
	writeJSON(w, http.StatusOK, toAdminReportDTO(report))
}

// =============================================================================
// OPS
// =============================================================================

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func statusForCode(code settlement.ResultCode) int {
	switch code {
	case settlement.CodeOK:
		return http.StatusOK
	case settlement.CodeInvalidInput:
		return http.StatusBadRequest
	case settlement.CodePharmacyNotFound:
		return http.StatusNotFound
	case settlement.CodeProcedureMissing, settlement.CodeCancelled:
		return http.StatusServiceUnavailable
	case settlement.CodeOutcomeUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
