/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal, serialized as JSON strings ("123.45").
  Requests accept either a string or a number.

TYPES:
  Settlement:
    ApplyPaymentRequest, PaymentResultDTO, ResetDebtRequest, ResetResultDTO,
    SettleAllRequest, DistributeRequest, SequentialResultDTO

  Reporting:
    PeriodSummaryDTO, PharmacyReportDTO, AdminReportDTO, PharmacyBalanceDTO

  Ledger:
    LedgerEntryDTO, VerifyLedgerResponse, DiscrepancyDTO

  Demo:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// CYCLE
// =============================================================================

// CycleDTO is the configured settlement cycle.
type CycleDTO struct {
	Cycle            string `json:"cycle"`
	CurrentPeriodKey string `json:"current_period_key"`
}

// UpdateCycleRequest changes the configured cycle.
type UpdateCycleRequest struct {
	Cycle string `json:"cycle"`
}

// =============================================================================
// SETTLEMENT REQUESTS
// =============================================================================

// ApplyPaymentRequest pays one period of one pharmacy. An absent or zero
// amount means "the full outstanding of the period" and reaches the engine
// as a nil amount. Any other amount must be positive with at most 2 decimal
// places.
type ApplyPaymentRequest struct {
	PharmacyID string           `json:"pharmacy_id"`
	PeriodKey  string           `json:"period_key"`
	Cycle      string           `json:"cycle,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// ResetDebtRequest writes off debt. Empty pharmacy_id means every pharmacy.
type ResetDebtRequest struct {
	PharmacyID string `json:"pharmacy_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

// SettleAllRequest settles every outstanding period of a pharmacy.
type SettleAllRequest struct {
	PharmacyID string `json:"pharmacy_id"`
}

// DistributeRequest spreads one payment over a pharmacy's periods, oldest first.
type DistributeRequest struct {
	PharmacyID string          `json:"pharmacy_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// =============================================================================
// SETTLEMENT RESULTS
// =============================================================================

// PaymentResultDTO is the outcome of one period payment.
type PaymentResultDTO struct {
	Success         bool             `json:"success"`
	Code            string           `json:"code,omitempty"`
	Error           string           `json:"error,omitempty"`
	PharmacyID      string           `json:"pharmacy_id"`
	PeriodKey       string           `json:"period_key"`
	Cycle           string           `json:"cycle,omitempty"`
	AttemptedAmount *decimal.Decimal `json:"attempted_amount"`
	UpdatedCount    int              `json:"updated_count"`
	AppliedAmount   decimal.Decimal  `json:"applied_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
}

// ResetResultDTO is the outcome of a debt reset.
type ResetResultDTO struct {
	Success      bool            `json:"success"`
	Code         string          `json:"code,omitempty"`
	Error        string          `json:"error,omitempty"`
	PharmacyID   string          `json:"pharmacy_id,omitempty"`
	UpdatedCount int             `json:"updated_count"`
	WrittenOff   decimal.Decimal `json:"written_off"`
}

// SequentialResultDTO is the outcome of settle-all or distribute.
type SequentialResultDTO struct {
	Success         bool               `json:"success"`
	Code            string             `json:"code,omitempty"`
	Error           string             `json:"error,omitempty"`
	PharmacyID      string             `json:"pharmacy_id"`
	Cycle           string             `json:"cycle,omitempty"`
	SettledPeriods  []string           `json:"settled_periods"`
	FailedPeriod    string             `json:"failed_period,omitempty"`
	AppliedAmount   decimal.Decimal    `json:"applied_amount"`
	RemainingAmount decimal.Decimal    `json:"remaining_amount"`
	Steps           []PaymentResultDTO `json:"steps"`
}

// =============================================================================
// REPORTING
// =============================================================================

// PeriodSummaryDTO is one period bucket.
type PeriodSummaryDTO struct {
	PharmacyID  string          `json:"pharmacy_id,omitempty"`
	PeriodKey   string          `json:"period_key"`
	Cycle       string          `json:"cycle"`
	OrdersCount int             `json:"orders_count"`
	Commission  decimal.Decimal `json:"commission"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Status      string          `json:"status"`
}

// PharmacyReportDTO is the pharmacy-scoped view.
type PharmacyReportDTO struct {
	PharmacyID         string             `json:"pharmacy_id"`
	PharmacyName       string             `json:"pharmacy_name"`
	Cycle              string             `json:"cycle"`
	CurrentPeriodKey   string             `json:"current_period_key"`
	CurrentOutstanding decimal.Decimal    `json:"current_outstanding"`
	TotalOutstanding   decimal.Decimal    `json:"total_outstanding"`
	History            []PeriodSummaryDTO `json:"history"`
	Ledger             []LedgerEntryDTO   `json:"ledger"`
	Degraded           bool               `json:"degraded"`
	Warning            string             `json:"warning,omitempty"`
}

// PharmacyBalanceDTO is one row of the admin ranking.
type PharmacyBalanceDTO struct {
	PharmacyID     string          `json:"pharmacy_id"`
	Name           string          `json:"name"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	PendingPeriods int             `json:"pending_periods"`
}

// AdminReportDTO is the admin-scoped view.
type AdminReportDTO struct {
	Cycle              string               `json:"cycle"`
	Pharmacies         []PharmacyBalanceDTO `json:"pharmacies"`
	TotalOutstanding   decimal.Decimal      `json:"total_outstanding"`
	SelectedPharmacyID string               `json:"selected_pharmacy_id,omitempty"`
	SelectedPending    []PeriodSummaryDTO   `json:"selected_pending"`
	Ledger             []LedgerEntryDTO     `json:"ledger"`
	LedgerCounts       map[string]int       `json:"ledger_counts"`
	Degraded           bool                 `json:"degraded"`
	Warning            string               `json:"warning,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryDTO is one audit record.
type LedgerEntryDTO struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	OrderID       string          `json:"order_id,omitempty"`
	PharmacyID    string          `json:"pharmacy_id,omitempty"`
	PeriodKey     string          `json:"period_key,omitempty"`
	Cycle         string          `json:"cycle"`
	Type          string          `json:"type"`
	Note          string          `json:"note,omitempty"`
	AppliedAmount decimal.Decimal `json:"applied_amount"`
	PaidBefore    decimal.Decimal `json:"paid_before"`
	PaidAfter     decimal.Decimal `json:"paid_after"`
	StatusBefore  string          `json:"status_before"`
	StatusAfter   string          `json:"status_after"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     string          `json:"created_at"`
}

// DiscrepancyDTO is one replay finding.
type DiscrepancyDTO struct {
	Kind     string          `json:"kind"`
	OrderID  string          `json:"order_id,omitempty"`
	EntryID  string          `json:"entry_id,omitempty"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	Message  string          `json:"message"`
}

// VerifyLedgerResponse is the result of replaying the ledger.
type VerifyLedgerResponse struct {
	OK             bool             `json:"ok"`
	PharmacyID     string           `json:"pharmacy_id,omitempty"`
	EntriesChecked int              `json:"entries_checked"`
	OrdersChecked  int              `json:"orders_checked"`
	Discrepancies  []DiscrepancyDTO `json:"discrepancies"`
}

// =============================================================================
// DEMO
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// DemoStateDTO lists the scenarios and the one currently loaded.
type DemoStateDTO struct {
	Scenarios []ScenarioDTO `json:"scenarios"`
	Current   *ScenarioDTO  `json:"current"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentResultDTO(r settlement.PaymentResult) PaymentResultDTO {
	return PaymentResultDTO{
		Success:         r.Success,
		Code:            string(r.Code),
		Error:           r.Error,
		PharmacyID:      r.PharmacyID,
		PeriodKey:       r.PeriodKey,
		Cycle:           string(r.Cycle),
		AttemptedAmount: r.AttemptedAmount,
		UpdatedCount:    r.UpdatedCount,
		AppliedAmount:   r.AppliedAmount,
		RemainingAmount: r.RemainingAmount,
	}
}

func toResetResultDTO(r settlement.ResetResult) ResetResultDTO {
	return ResetResultDTO{
		Success:      r.Success,
		Code:         string(r.Code),
		Error:        r.Error,
		PharmacyID:   r.PharmacyID,
		UpdatedCount: r.UpdatedCount,
		WrittenOff:   r.WrittenOff,
	}
}

func toSequentialResultDTO(r settlement.SequentialResult) SequentialResultDTO {
	steps := make([]PaymentResultDTO, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = toPaymentResultDTO(s.Result)
	}
	settled := r.SettledPeriods
	if settled == nil {
		settled = []string{}
	}
	return SequentialResultDTO{
		Success:         r.Success,
		Code:            string(r.Code),
		Error:           r.Error,
		PharmacyID:      r.PharmacyID,
		Cycle:           string(r.Cycle),
		SettledPeriods:  settled,
		FailedPeriod:    r.FailedPeriod,
		AppliedAmount:   r.AppliedAmount,
		RemainingAmount: r.RemainingAmount,
		Steps:           steps,
	}
}

func toPeriodSummaryDTOs(summaries []settlement.PeriodSummary) []PeriodSummaryDTO {
	dtos := make([]PeriodSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = PeriodSummaryDTO{
			PharmacyID:  s.PharmacyID,
			PeriodKey:   s.PeriodKey,
			Cycle:       string(s.Cycle),
			OrdersCount: s.OrdersCount,
			Commission:  s.Commission,
			Paid:        s.Paid,
			Outstanding: s.Outstanding,
			Status:      string(s.Status),
		}
	}
	return dtos
}

func toLedgerEntryDTOs(entries []settlement.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:            e.ID,
			Seq:           e.Seq,
			OrderID:       e.OrderID,
			PharmacyID:    e.PharmacyID,
			PeriodKey:     e.PeriodKey,
			Cycle:         string(e.Cycle),
			Type:          string(e.Type),
			Note:          e.Note,
			AppliedAmount: e.AppliedAmount,
			PaidBefore:    e.PaidBefore,
			PaidAfter:     e.PaidAfter,
			StatusBefore:  string(e.StatusBefore),
			StatusAfter:   string(e.StatusAfter),
			CreatedBy:     e.CreatedBy,
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return dtos
}

func toPharmacyReportDTO(r settlement.PharmacyReport) PharmacyReportDTO {
	dto := PharmacyReportDTO{
		PharmacyID:         r.PharmacyID,
		PharmacyName:       r.PharmacyName,
		Cycle:              string(r.Cycle),
		CurrentPeriodKey:   r.CurrentPeriodKey,
		CurrentOutstanding: r.CurrentOutstanding,
		TotalOutstanding:   r.TotalOutstanding,
		History:            toPeriodSummaryDTOs(r.History),
		Ledger:             toLedgerEntryDTOs(r.Ledger),
		Degraded:           r.Degraded,
	}
	if r.Err != nil {
		dto.Warning = r.Err.Error()
	}
	return dto
}

func toAdminReportDTO(r settlement.AdminReport) AdminReportDTO {
	pharmacies := make([]PharmacyBalanceDTO, len(r.Pharmacies))
	for i, p := range r.Pharmacies {
		pharmacies[i] = PharmacyBalanceDTO{
			PharmacyID:     p.PharmacyID,
			Name:           p.Name,
			Outstanding:    p.Outstanding,
			PendingPeriods: p.PendingPeriods,
		}
	}
	counts := make(map[string]int, len(r.LedgerCounts))
	for t, n := range r.LedgerCounts {
		counts[string(t)] = n
	}
	dto := AdminReportDTO{
		Cycle:              string(r.Cycle),
		Pharmacies:         pharmacies,
		TotalOutstanding:   r.TotalOutstanding,
		SelectedPharmacyID: r.SelectedPharmacyID,
		SelectedPending:    toPeriodSummaryDTOs(r.SelectedPending),
		Ledger:             toLedgerEntryDTOs(r.Ledger),
		LedgerCounts:       counts,
		Degraded:           r.Degraded,
	}
	if r.Err != nil {
		dto.Warning = r.Err.Error()
	}
	return dto
}

func toDiscrepancyDTOs(findings []settlement.Discrepancy) []DiscrepancyDTO {
	dtos := make([]DiscrepancyDTO, len(findings))
	for i, d := range findings {
		dtos[i] = DiscrepancyDTO{
			Kind:     string(d.Kind),
			OrderID:  d.OrderID,
			EntryID:  d.EntryID,
			Expected: d.Expected,
			Actual:   d.Actual,
			Message:  d.Message,
		}
	}
	return dtos
}
