/*
sequential.go - Oldest-period-first settlement workflows

PURPOSE:
  Composes ApplyCommissionPaymentByPeriod into multi-period workflows:

  SettleAllPeriods:   clear every outstanding period of a pharmacy
  DistributePayment:  spread one payment over the periods, carrying the
                      overflow of each period into the next one

ORDERING:
  The pending list is recomputed from the store before every step and the
  OLDEST period is always settled first (BuildPendingByPharmacy ordering).
  A later period is never touched while an older one still owes.

FAILURE & CANCELLATION:
  Each period is its own atomic unit. The workflow stops at the first failed
  period and reports it; periods settled before it stay committed. There is
  no global rollback. Cancellation is checked between periods only.
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-ledger/metrics"
)

// PeriodStep is one settled (or failed) period of a workflow.
type PeriodStep struct {
	PeriodKey string
	Result    PaymentResult
}

// SequentialResult is the outcome of a multi-period workflow.
type SequentialResult struct {
	Success         bool
	PharmacyID      string
	Cycle           Cycle
	Steps           []PeriodStep
	SettledPeriods  []string
	FailedPeriod    string
	AppliedAmount   decimal.Decimal
	RemainingAmount decimal.Decimal // unallocated part of a distributed payment

	Code  ResultCode
	Error string
	Err   error
}

// SettleAllPeriods settles every outstanding period of pharmacyID, oldest first.
func (e *Engine) SettleAllPeriods(ctx context.Context, pharmacyID, actor string) SequentialResult {
	return e.runSequential(ctx, pharmacyID, nil, actor)
}

// DistributePayment applies amount across periods oldest first, carrying the
// unused part of each period to the next.
func (e *Engine) DistributePayment(ctx context.Context, pharmacyID string, amount decimal.Decimal, actor string) SequentialResult {
	if err := validateAmount(amount); err != nil {
		return SequentialResult{
			PharmacyID:      pharmacyID,
			AppliedAmount:   decimal.Zero,
			RemainingAmount: amount,
			Code:            CodeInvalidInput,
			Error:           err.Error(),
			Err:             err,
		}
	}
	return e.runSequential(ctx, pharmacyID, &amount, actor)
}

func (e *Engine) runSequential(ctx context.Context, pharmacyID string, budget *decimal.Decimal, actor string) SequentialResult {
	cycle := e.cycles.Get(ctx)
	res := SequentialResult{
		PharmacyID:      pharmacyID,
		Cycle:           cycle,
		AppliedAmount:   decimal.Zero,
		RemainingAmount: decimal.Zero,
	}
	if budget != nil {
		res.RemainingAmount = *budget
	}
	if pharmacyID == "" {
		return e.failSequential(res, "", CodeInvalidInput, &InvalidInputError{Field: "pharmacy_id", Reason: "required"})
	}
	if _, err := e.store.GetPharmacy(ctx, pharmacyID); err != nil {
		return e.failSequential(res, "", classifyUnsent(err), err)
	}

	attempted := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			res.Code = CodeCancelled
			res.Err = err
			res.Error = fmt.Sprintf("stopped after %d settled periods: %v", len(res.SettledPeriods), err)
			metrics.IncSequentialRun(string(CodeCancelled))
			return res
		}

		pending, err := e.PendingPeriods(ctx, pharmacyID, cycle)
		if err != nil {
			return e.failSequential(res, "", classifyUnsent(err), err)
		}
		if len(pending) == 0 {
			break
		}
		oldest := pending[0]
		if attempted[oldest.PeriodKey] {
			return e.failSequential(res, oldest.PeriodKey, CodePaymentFailed,
				fmt.Errorf("%w: period %s still outstanding (%s) after settlement", ErrPaymentFailed, oldest.PeriodKey, oldest.Outstanding.StringFixed(2)))
		}
		attempted[oldest.PeriodKey] = true

		var stepAmount *decimal.Decimal
		if budget != nil {
			remaining := res.RemainingAmount
			stepAmount = &remaining
		}
		step := e.ApplyCommissionPaymentByPeriod(ctx, PaymentRequest{
			PharmacyID: pharmacyID,
			PeriodKey:  oldest.PeriodKey,
			Cycle:      cycle,
			Amount:     stepAmount,
			Actor:      actor,
		})
		res.Steps = append(res.Steps, PeriodStep{PeriodKey: oldest.PeriodKey, Result: step})
		if !step.Success {
			res.FailedPeriod = oldest.PeriodKey
			res.Code = step.Code
			res.Err = step.Err
			res.Error = fmt.Sprintf("period %s failed after %d settled periods: %s", oldest.PeriodKey, len(res.SettledPeriods), step.Error)
			metrics.IncSequentialRun(string(step.Code))
			return res
		}
		res.AppliedAmount = res.AppliedAmount.Add(step.AppliedAmount)
		res.SettledPeriods = append(res.SettledPeriods, oldest.PeriodKey)

		if budget != nil {
			res.RemainingAmount = step.RemainingAmount
			if !res.RemainingAmount.IsPositive() {
				break
			}
		}
	}

	res.Success = true
	metrics.IncSequentialRun(metrics.ResultSuccess)
	e.logger.Info("sequential settlement finished",
		zap.String("pharmacy_id", pharmacyID),
		zap.Strings("periods", res.SettledPeriods),
		zap.String("applied", res.AppliedAmount.StringFixed(2)),
		zap.String("remaining", res.RemainingAmount.StringFixed(2)),
	)
	return res
}

// PendingPeriods returns the outstanding periods of pharmacyID, oldest first,
// recomputed from the store.
func (e *Engine) PendingPeriods(ctx context.Context, pharmacyID string, cycle Cycle) ([]PeriodSummary, error) {
	orders, err := e.store.ListOrders(ctx, OrderFilter{PharmacyID: pharmacyID})
	if err != nil {
		return nil, fmt.Errorf("load orders for %s: %w", pharmacyID, err)
	}
	return BuildPendingByPharmacy(orders, cycle)[pharmacyID], nil
}

func (e *Engine) failSequential(res SequentialResult, period string, code ResultCode, err error) SequentialResult {
	res.FailedPeriod = period
	res.Code = code
	res.Err = err
	res.Error = describe(res.Code, err)
	metrics.IncSequentialRun(string(res.Code))
	e.logger.Error("sequential settlement failed",
		zap.String("pharmacy_id", res.PharmacyID),
		zap.String("period_key", period),
		zap.Error(err),
	)
	return res
}
