/*
engine.go - Settlement Ledger Engine

PURPOSE:
  The entry point for every commission write. Validates requests, hands them
  to the store's atomic procedure, and turns whatever happens into a result
  object. Callers never receive a bare error or a panic: the result carries
  success, a machine-readable code and a human-readable reason.

OPERATIONS:
  ApplyCommissionPaymentByPeriod: pay one period of one pharmacy, greedily,
                                  oldest order first (see plan.go)
  ResetCommissionDebtByAdmin:     write off all outstanding debt of one
                                  pharmacy, or of all pharmacies

  Every successful call on a pharmacy appends at least one ledger entry. A
  payment on a period with nothing outstanding, or a reset of a pharmacy
  with no debt, is rejected as invalid_input instead of succeeding empty.

NOT IDEMPOTENT:
  Each payment call is a new money movement. Calling twice with the same
  explicit amount pays twice. A result with Code=outcome_unknown means the
  write may have committed: re-read the period summaries before retrying.

RESULT CODES:
  invalid_input       bad id, key, cycle or amount, or a period with nothing
                      outstanding; nothing was written
  pharmacy_not_found  unknown pharmacy; nothing was written
  procedure_missing   the store has no settlement function deployed
  cancelled           timeout/cancel before the write was sent; nothing was
                      written
  outcome_unknown     timeout/cancel after the write was sent
  payment_failed      any other store failure; nothing was committed

AMOUNTS:
  PaymentRequest.Amount nil settles the full outstanding of the period. An
  explicit amount must be positive with at most 2 decimal places. The HTTP
  layer maps an absent or zero amount to nil before calling the engine.
*/
package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/metrics"
)

// ResultCode classifies a failed settlement call.
type ResultCode string

const (
	CodeOK               ResultCode = ""
	CodeInvalidInput     ResultCode = "invalid_input"
	CodePharmacyNotFound ResultCode = "pharmacy_not_found"
	CodeProcedureMissing ResultCode = "procedure_missing"
	CodeCancelled        ResultCode = "cancelled"
	CodeOutcomeUnknown   ResultCode = "outcome_unknown"
	CodePaymentFailed    ResultCode = "payment_failed"
)

// SystemActor is recorded when no caller identity is available.
const SystemActor = "system"

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// PaymentRequest asks to settle one period of one pharmacy.
type PaymentRequest struct {
	PharmacyID string
	PeriodKey  string
	Cycle      Cycle // empty = configured cycle

	// Amount is the money to allocate. Nil settles the full outstanding of
	// the period. Zero, negative and sub-cent amounts are invalid_input.
	Amount *decimal.Decimal

	Actor string
	Note  string
}

// PaymentResult is the outcome of ApplyCommissionPaymentByPeriod.
type PaymentResult struct {
	Success         bool
	UpdatedCount    int
	AppliedAmount   decimal.Decimal
	RemainingAmount decimal.Decimal

	PharmacyID      string
	PeriodKey       string
	Cycle           Cycle
	AttemptedAmount *decimal.Decimal

	Code  ResultCode
	Error string
	Err   error
}

// ResetRequest asks to write off debt. Empty PharmacyID means all pharmacies.
type ResetRequest struct {
	PharmacyID string
	Actor      string
	Note       string
}

// ResetResult is the outcome of ResetCommissionDebtByAdmin.
type ResetResult struct {
	Success      bool
	UpdatedCount int
	WrittenOff   decimal.Decimal
	PharmacyID   string

	Code  ResultCode
	Error string
	Err   error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs settlement operations against a Store.
type Engine struct {
	store  Store
	cycles *CycleConfig
	logger *zap.Logger
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cycles = NewCycleConfig(store, e.logger.Named("cycle"))
	return e
}

// Cycles returns the cycle configuration used by the engine.
func (e *Engine) Cycles() *CycleConfig {
	return e.cycles
}

// Store returns the backing store.
func (e *Engine) Store() Store {
	return e.store
}

// ApplyCommissionPaymentByPeriod applies a payment to one period.
func (e *Engine) ApplyCommissionPaymentByPeriod(ctx context.Context, req PaymentRequest) PaymentResult {
	start := time.Now()
	req.PharmacyID = strings.TrimSpace(req.PharmacyID)
	req.PeriodKey = strings.TrimSpace(req.PeriodKey)
	if req.Cycle == "" {
		req.Cycle = e.cycles.Get(ctx)
	}
	res := PaymentResult{
		PharmacyID:      req.PharmacyID,
		PeriodKey:       req.PeriodKey,
		Cycle:           req.Cycle,
		AttemptedAmount: req.Amount,
		AppliedAmount:   decimal.Zero,
		RemainingAmount: decimal.Zero,
	}

	if err := e.validatePayment(ctx, req); err != nil {
		return e.failPayment(res, classifyUnsent(err), err, start)
	}

	outcome, err := e.store.ApplyPaymentByPeriod(ctx, PaymentCommand{
		PharmacyID: req.PharmacyID,
		PeriodKey:  req.PeriodKey,
		Cycle:      req.Cycle,
		Amount:     req.Amount,
		Actor:      actorOrSystem(req.Actor),
		Note:       req.Note,
		At:         e.now(),
	})
	if err != nil {
		err = &PaymentError{
			PharmacyID: req.PharmacyID,
			PeriodKey:  req.PeriodKey,
			Attempted:  req.Amount,
			Err:        err,
		}
		return e.failPayment(res, classify(err), err, start)
	}

	res.Success = true
	res.UpdatedCount = outcome.UpdatedCount
	res.AppliedAmount = outcome.Applied
	res.RemainingAmount = outcome.Remaining
	metrics.ObserveSettlementApply(metrics.ResultSuccess, time.Since(start))
	metrics.AddLedgerEntries(string(EntrySettlement), outcome.UpdatedCount)
	metrics.AddAppliedAmount(outcome.Applied.InexactFloat64())
	e.logger.Info("commission payment applied",
		zap.String("pharmacy_id", req.PharmacyID),
		zap.String("period_key", req.PeriodKey),
		zap.String("cycle", string(req.Cycle)),
		zap.Int("updated_count", outcome.UpdatedCount),
		zap.String("applied", outcome.Applied.StringFixed(2)),
		zap.String("remaining", outcome.Remaining.StringFixed(2)),
	)
	return res
}

// ResetCommissionDebtByAdmin writes off outstanding debt.
func (e *Engine) ResetCommissionDebtByAdmin(ctx context.Context, req ResetRequest) ResetResult {
	start := time.Now()
	req.PharmacyID = strings.TrimSpace(req.PharmacyID)
	res := ResetResult{PharmacyID: req.PharmacyID, WrittenOff: decimal.Zero}

	if req.PharmacyID != "" {
		if _, err := e.store.GetPharmacy(ctx, req.PharmacyID); err != nil {
			return e.failReset(res, classifyUnsent(err), err, start)
		}
	}

	outcome, err := e.store.ResetDebt(ctx, ResetCommand{
		PharmacyID: req.PharmacyID,
		Cycle:      e.cycles.Get(ctx),
		Actor:      actorOrSystem(req.Actor),
		Note:       req.Note,
		At:         e.now(),
	})
	if err != nil {
		return e.failReset(res, classify(err), err, start)
	}

	res.Success = true
	res.UpdatedCount = outcome.UpdatedCount
	res.WrittenOff = outcome.WrittenOff
	metrics.ObserveSettlementReset(metrics.ResultSuccess, time.Since(start))
	metrics.AddLedgerEntries(string(EntryReset), outcome.UpdatedCount)
	e.logger.Warn("commission debt reset",
		zap.String("pharmacy_id", req.PharmacyID),
		zap.String("actor", actorOrSystem(req.Actor)),
		zap.Int("updated_count", outcome.UpdatedCount),
		zap.String("written_off", outcome.WrittenOff.StringFixed(2)),
	)
	return res
}

func (e *Engine) validatePayment(ctx context.Context, req PaymentRequest) error {
	if req.PharmacyID == "" {
		return &InvalidInputError{Field: "pharmacy_id", Reason: "required"}
	}
	if !req.Cycle.Valid() {
		return &InvalidInputError{Field: "cycle", Value: string(req.Cycle), Reason: "must be MONTHLY or WEEKLY"}
	}
	if err := ValidatePeriodKey(req.PeriodKey, req.Cycle); err != nil {
		return err
	}
	if req.Amount != nil {
		if err := validateAmount(*req.Amount); err != nil {
			return err
		}
	}
	if _, err := e.store.GetPharmacy(ctx, req.PharmacyID); err != nil {
		return err
	}
	return nil
}

// validateAmount accepts positive amounts in whole cents, the precision the
// stores persist.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &InvalidInputError{Field: "payment_amount", Value: amount.String(), Reason: "must be greater than zero"}
	}
	if !amount.Equal(amount.Round(2)) {
		return &InvalidInputError{Field: "payment_amount", Value: amount.String(), Reason: "must have at most 2 decimal places"}
	}
	return nil
}

func (e *Engine) failPayment(res PaymentResult, code ResultCode, err error, start time.Time) PaymentResult {
	res.Code = code
	res.Err = err
	res.Error = describe(res.Code, err)
	metrics.ObserveSettlementApply(string(res.Code), time.Since(start))
	e.logger.Error("commission payment failed",
		zap.String("pharmacy_id", res.PharmacyID),
		zap.String("period_key", res.PeriodKey),
		zap.String("code", string(res.Code)),
		zap.Error(err),
	)
	return res
}

func (e *Engine) failReset(res ResetResult, code ResultCode, err error, start time.Time) ResetResult {
	res.Code = code
	res.Err = err
	res.Error = describe(res.Code, err)
	metrics.ObserveSettlementReset(string(res.Code), time.Since(start))
	e.logger.Error("commission debt reset failed",
		zap.String("pharmacy_id", res.PharmacyID),
		zap.String("code", string(res.Code)),
		zap.Error(err),
	)
	return res
}

func classify(err error) ResultCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrPharmacyNotFound):
		return CodePharmacyNotFound
	case errors.Is(err, ErrProcedureMissing):
		return CodeProcedureMissing
	case IsOutcomeUnknown(err):
		return CodeOutcomeUnknown
	default:
		return CodePaymentFailed
	}
}

// classifyUnsent classifies failures raised before the settlement write was
// sent. A cancelled or expired context at that point committed nothing.
func classifyUnsent(err error) ResultCode {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return classify(err)
}

func describe(code ResultCode, err error) string {
	switch code {
	case CodeCancelled:
		return "cancelled before the settlement was sent, nothing was written (" + err.Error() + ")"
	case CodeProcedureMissing:
		return "settlement function not deployed: run the store migrations before settling (" + err.Error() + ")"
	case CodeOutcomeUnknown:
		return "settlement outcome unknown: re-read period summaries before retrying (" + err.Error() + ")"
	default:
		return err.Error()
	}
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return SystemActor
	}
	return actor
}
