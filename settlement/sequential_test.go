package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-ledger/settlement"
	"github.com/warp/commission-ledger/settlement/store"
)

func threePeriodPharmacy(t *testing.T) (*settlement.Engine, *store.Memory) {
	t.Helper()
	engine, mem := newTestEngine(t)
	seedPharmacy(t, mem, "ph-1", "Central",
		completedOrder("jan", "ph-1", day(2025, time.January, 15), "100"),
		completedOrder("feb", "ph-1", day(2025, time.February, 15), "200"),
		completedOrder("mar", "ph-1", day(2025, time.March, 15), "300"))
	return engine, mem
}

func TestSettleAllPeriods_OldestFirst(t *testing.T) {
	// GIVEN: Outstanding periods 01/2025, 02/2025, 03/2025
	// WHEN: Settling everything
	// THEN: Periods are settled in chronological order and nothing remains

	engine, mem := threePeriodPharmacy(t)
	ctx := context.Background()

	res := engine.SettleAllPeriods(ctx, "ph-1", "admin-1")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"01/2025", "02/2025", "03/2025"}, res.SettledPeriods)
	assert.True(t, dec("600").Equal(res.AppliedAmount))
	assert.Empty(t, res.FailedPeriod)

	pending, err := engine.PendingPeriods(ctx, "ph-1", settlement.CycleMonthly)
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries, _ := mem.ListLedgerEntries(ctx, settlement.LedgerFilter{PharmacyID: "ph-1"})
	require.Len(t, entries, 3)
	// Newest first: March was the last settlement.
	assert.Equal(t, "03/2025", entries[0].PeriodKey)
	assert.Equal(t, "01/2025", entries[2].PeriodKey)
}

func TestSettleAllPeriods_NothingPending(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedPharmacy(t, mem, "ph-1", "Central")

	res := engine.SettleAllPeriods(context.Background(), "ph-1", "")
	require.True(t, res.Success)
	assert.Empty(t, res.SettledPeriods)
	assert.True(t, res.AppliedAmount.IsZero())
}

func TestSettleAllPeriods_StopsOnFirstFailure(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedPharmacy(t, mem, "ph-1", "Central",
		completedOrder("jan", "ph-1", day(2025, time.January, 15), "100"))
	mem.SetProceduresDeployed(false)

	res := engine.SettleAllPeriods(context.Background(), "ph-1", "admin-1")

	assert.False(t, res.Success)
	assert.Equal(t, "01/2025", res.FailedPeriod)
	assert.Equal(t, settlement.CodeProcedureMissing, res.Code)
	assert.Empty(t, res.SettledPeriods)
	require.Len(t, res.Steps, 1)
}

func TestSettleAllPeriods_CancelledBetweenPeriods(t *testing.T) {
	engine, mem := threePeriodPharmacy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := engine.SettleAllPeriods(ctx, "ph-1", "admin-1")

	assert.False(t, res.Success)
	assert.Equal(t, settlement.CodeCancelled, res.Code)
	assert.True(t, mem.Outstanding("jan").IsPositive(), "no period touched")
}

func TestSettleAllPeriods_UnknownPharmacy(t *testing.T) {
	engine, _ := newTestEngine(t)
	res := engine.SettleAllPeriods(context.Background(), "ph-x", "")
	assert.False(t, res.Success)
	assert.Equal(t, settlement.CodePharmacyNotFound, res.Code)
}

func TestSequential_SmallPaymentLeavesLaterPeriodsUntouched(t *testing.T) {
	// GIVEN: Three outstanding periods
	// WHEN: Paying 60 into the oldest one only
	// THEN: January is PARTIAL, February and March are untouched

	engine, mem := threePeriodPharmacy(t)
	ctx := context.Background()

	res := engine.ApplyCommissionPaymentByPeriod(ctx, settlement.PaymentRequest{
		PharmacyID: "ph-1", PeriodKey: "01/2025", Cycle: settlement.CycleMonthly, Amount: decPtr("60"),
	})
	require.True(t, res.Success)

	pending, err := engine.PendingPeriods(ctx, "ph-1", settlement.CycleMonthly)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, settlement.StatusPartial, pending[0].Status)
	assert.True(t, dec("40").Equal(pending[0].Outstanding))
	assert.Equal(t, settlement.StatusPending, pending[1].Status)
	assert.True(t, mem.Outstanding("feb").Equal(dec("200")))
	assert.True(t, mem.Outstanding("mar").Equal(dec("300")))
}

func TestDistributePayment_CarriesOverflow(t *testing.T) {
	// GIVEN: Periods owing 100, 200, 300
	// WHEN: Distributing 350
	// THEN: Jan and Feb are paid, March gets 50, nothing is left over

	engine, mem := threePeriodPharmacy(t)

	res := engine.DistributePayment(context.Background(), "ph-1", dec("350"), "admin-1")

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"01/2025", "02/2025", "03/2025"}, res.SettledPeriods)
	assert.True(t, dec("350").Equal(res.AppliedAmount))
	assert.True(t, res.RemainingAmount.IsZero())
	assert.True(t, mem.Outstanding("jan").IsZero())
	assert.True(t, mem.Outstanding("feb").IsZero())
	assert.True(t, dec("250").Equal(mem.Outstanding("mar")))

	require.Len(t, res.Steps, 3)
	assert.True(t, dec("250").Equal(res.Steps[0].Result.RemainingAmount))
}

func TestDistributePayment_LeftoverWhenDebtCleared(t *testing.T) {
	engine, _ := threePeriodPharmacy(t)

	res := engine.DistributePayment(context.Background(), "ph-1", dec("1000"), "")

	require.True(t, res.Success)
	assert.True(t, dec("600").Equal(res.AppliedAmount))
	assert.True(t, dec("400").Equal(res.RemainingAmount))
}

func TestDistributePayment_RejectsInvalidAmounts(t *testing.T) {
	engine, mem := threePeriodPharmacy(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "33.3333", "0.001"} {
		t.Run(amount, func(t *testing.T) {
			res := engine.DistributePayment(ctx, "ph-1", dec(amount), "")
			assert.False(t, res.Success)
			assert.Equal(t, settlement.CodeInvalidInput, res.Code)
			assert.Empty(t, res.Steps)
		})
	}

	// Trailing zeros are still whole cents.
	res := engine.DistributePayment(ctx, "ph-1", dec("150.500"), "")
	require.True(t, res.Success, res.Error)
	assert.True(t, dec("150.5").Equal(res.AppliedAmount))

	entries, _ := mem.ListLedgerEntries(ctx, settlement.LedgerFilter{PharmacyID: "ph-1"})
	for _, e := range entries {
		assert.True(t, e.AppliedAmount.Equal(e.AppliedAmount.Round(2)), e.AppliedAmount.String())
	}
}

func TestSettleAllPeriods_CancelledBeforeFirstPeriod(t *testing.T) {
	// GIVEN: The pharmacy lookup is cut short by the caller
	// WHEN: Settling everything
	// THEN: The run is cancelled, not outcome_unknown, and nothing is written

	engine, mem := threePeriodPharmacy(t)
	mem.SetReadError(context.Canceled)

	res := engine.SettleAllPeriods(context.Background(), "ph-1", "admin-1")

	assert.False(t, res.Success)
	assert.Equal(t, settlement.CodeCancelled, res.Code)
	assert.Empty(t, res.Steps)

	mem.SetReadError(nil)
	assert.True(t, mem.Outstanding("jan").Equal(dec("100")))
}
