/*
scenarios.go - Demo marketplace data for testing and demonstrations

PURPOSE:

	Populates the store with realistic pharmacies and orders so the admin
	and pharmacy views have something to show. Order dates are relative to
	the handler clock, so "current period" always has data.

AVAILABLE SCENARIOS:

	single-pharmacy:  One pharmacy, three months of orders, mixed status spellings
	marketplace:      Four pharmacies, partial payments already in the ledger
	legacy-migration: Orders settled before the ledger existed (PAID, paid=0)

HOW SCENARIOS WORK:
 1. Reset the store (clear all data, ledger included)
 2. Save pharmacies
 3. Save orders with the commission snapshot (total x rate)
 4. Optionally run settlements through the engine, so the ledger is real

USAGE VIA API:

	POST /api/demo/load
	{"scenario_id": "marketplace"}

NOTE:

	Scenarios reset the store. Only mounted when demo mode is enabled.

SEE ALSO:
  - handlers.go: Engine wiring
  - settlement/order.go: SnapshotCommission
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/auth"
	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-pharmacy",
		Name:        "Single Pharmacy",
		Description: "One pharmacy with three months of orders and mixed status spellings",
	},
	{
		ID:          "marketplace",
		Name:        "Marketplace",
		Description: "Four pharmacies, some periods partially paid through the ledger",
	},
	{
		ID:          "legacy-migration",
		Name:        "Legacy Migration",
		Description: "Orders marked PAID before the ledger existed, next to open debt",
	},
}

// GetDemo returns the scenarios and the one currently loaded.
// GET /api/demo
func (h *Handler) GetDemo(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	state := DemoStateDTO{Scenarios: scenarios}
	for i := range scenarios {
		if scenarios[i].ID == current {
			state.Current = &scenarios[i]
		}
	}
	writeJSON(w, http.StatusOK, state)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/demo/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "single-pharmacy":
		loader = h.loadSinglePharmacyScenario
	case "marketplace":
		loader = h.loadMarketplaceScenario
	case "legacy-migration":
		loader = h.loadLegacyMigrationScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.logger.Info("demo scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.String("actor", auth.ActorFromContext(ctx)),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoOrder describes one order relative to the handler clock.
type demoOrder struct {
	id        string
	monthsAgo int
	day       int
	total     string
	status    string
	legacy    settlement.CommissionStatus
	paid      string
}

func (h *Handler) loadSinglePharmacyScenario(ctx context.Context) error {
	ph := settlement.Pharmacy{ID: "ph-central", Name: "Farmácia Central", CommissionRate: decimal.RequireFromString("0.12")}
	return h.savePharmacy(ctx, ph, []demoOrder{
		{id: "ord-1001", monthsAgo: 2, day: 3, total: "250.00", status: "Concluído"},
		{id: "ord-1002", monthsAgo: 2, day: 17, total: "480.50", status: "completed"},
		{id: "ord-1003", monthsAgo: 1, day: 5, total: "1200.00", status: "CONCLUIDO"},
		{id: "ord-1004", monthsAgo: 1, day: 21, total: "89.90", status: "Cancelado"},
		{id: "ord-1005", monthsAgo: 0, day: 1, total: "310.00", status: "Completo"},
		{id: "ord-1006", monthsAgo: 0, day: 2, total: "75.00", status: "em separação"},
	})
}

func (h *Handler) loadMarketplaceScenario(ctx context.Context) error {
	pharmacies := []struct {
		pharmacy settlement.Pharmacy
		orders   []demoOrder
	}{
		{
			settlement.Pharmacy{ID: "ph-central", Name: "Farmácia Central", CommissionRate: decimal.RequireFromString("0.12")},
			[]demoOrder{
				{id: "c-1", monthsAgo: 3, day: 4, total: "1000.00", status: "Concluído"},
				{id: "c-2", monthsAgo: 2, day: 9, total: "640.00", status: "Concluído"},
				{id: "c-3", monthsAgo: 1, day: 12, total: "820.00", status: "completed"},
				{id: "c-4", monthsAgo: 0, day: 1, total: "150.00", status: "Concluído"},
			},
		},
		{
			settlement.Pharmacy{ID: "ph-saude", Name: "Drogaria Saúde", CommissionRate: decimal.RequireFromString("0.10")},
			[]demoOrder{
				{id: "s-1", monthsAgo: 2, day: 2, total: "2000.00", status: "Concluído"},
				{id: "s-2", monthsAgo: 2, day: 25, total: "500.00", status: "Concluído"},
				{id: "s-3", monthsAgo: 1, day: 14, total: "900.00", status: "Cancelado"},
			},
		},
		{
			settlement.Pharmacy{ID: "ph-bairro", Name: "Farmácia do Bairro", CommissionRate: decimal.RequireFromString("0.15")},
			[]demoOrder{
				{id: "b-1", monthsAgo: 1, day: 3, total: "300.00", status: "Concluído"},
				{id: "b-2", monthsAgo: 0, day: 1, total: "120.00", status: "COMPLETED"},
			},
		},
		{
			settlement.Pharmacy{ID: "ph-nova", Name: "Nova Farma", CommissionRate: decimal.RequireFromString("0.08")},
			nil,
		},
	}
	for _, p := range pharmacies {
		if err := h.savePharmacy(ctx, p.pharmacy, p.orders); err != nil {
			return err
		}
	}

	// Real ledger history: one full settlement and one partial payment.
	cycle := h.Engine.Cycles().Get(ctx)
	payments := []struct {
		pharmacyID string
		monthsAgo  int
		day        int
		amount     *decimal.Decimal
	}{
		{"ph-central", 3, 4, nil},
		{"ph-saude", 2, 2, decimalPtr("120.00")},
	}
	for _, p := range payments {
		res := h.Engine.ApplyCommissionPaymentByPeriod(ctx, settlement.PaymentRequest{
			PharmacyID: p.pharmacyID,
			PeriodKey:  settlement.CurrentPeriodKey(h.demoDate(p.monthsAgo, p.day), cycle),
			Cycle:      cycle,
			Amount:     p.amount,
			Actor:      "demo",
			Note:       "Demo settlement",
		})
		if !res.Success {
			return fmt.Errorf("demo payment %s: %w", p.pharmacyID, res.Err)
		}
	}
	return nil
}

func (h *Handler) loadLegacyMigrationScenario(ctx context.Context) error {
	ph := settlement.Pharmacy{ID: "ph-antiga", Name: "Farmácia Antiga", CommissionRate: decimal.RequireFromString("0.10")}
	return h.savePharmacy(ctx, ph, []demoOrder{
		// Settled before the ledger: PAID with no paid amount.
		{id: "l-1", monthsAgo: 4, day: 2, total: "800.00", status: "Concluído", legacy: settlement.StatusPaid},
		{id: "l-2", monthsAgo: 4, day: 20, total: "400.00", status: "Concluído", legacy: settlement.StatusPaid},
		// Partly paid before the ledger.
		{id: "l-3", monthsAgo: 3, day: 8, total: "600.00", status: "Concluído", paid: "20.00"},
		{id: "l-4", monthsAgo: 2, day: 11, total: "350.00", status: "Concluído", legacy: settlement.StatusWaitingApproval},
		{id: "l-5", monthsAgo: 1, day: 6, total: "990.00", status: "completed"},
	})
}

func (h *Handler) savePharmacy(ctx context.Context, ph settlement.Pharmacy, orders []demoOrder) error {
	if err := h.Store.SavePharmacy(ctx, ph); err != nil {
		return err
	}
	for _, d := range orders {
		total := decimal.RequireFromString(d.total)
		o := settlement.Order{
			ID:               d.id,
			PharmacyID:       ph.ID,
			Total:            total,
			Status:           d.status,
			CreatedAt:        h.demoDate(d.monthsAgo, d.day),
			CommissionAmount: settlement.SnapshotCommission(total, ph.CommissionRate),
			CommissionStatus: settlement.StatusPending,
		}
		if d.legacy != "" {
			o.CommissionStatus = d.legacy
		}
		if d.paid != "" {
			o.CommissionPaidAmount = decimal.RequireFromString(d.paid)
		}
		if err := h.Store.SaveOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// demoDate is day of the month that is monthsAgo months before now, local time.
func (h *Handler) demoDate(monthsAgo, day int) time.Time {
	now := h.now().In(time.Local)
	return time.Date(now.Year(), now.Month()-time.Month(monthsAgo), day, 10, 0, 0, 0, time.Local)
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
