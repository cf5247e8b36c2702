/*
handlers_test.go - Tests for the HTTP API handlers

Tests for:
- Period payments (full, partial, zero amount, rejected input)
- Debt reset, settle-all and distribute
- Cycle read/change and ledger listing/verification
- Pharmacy and admin reports
- Auth scoping and the result-code to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-ledger/auth"
	"github.com/warp/commission-ledger/settlement"
	"github.com/warp/commission-ledger/store/sqlite"
)

func TestMain(m *testing.M) {
	time.Local = time.UTC
	os.Exit(m.Run())
}

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.July, 10, 12, 0, 0, 0, time.UTC)

var testSecret = []byte("test-secret")

type testServer struct {
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, WithClock(func() time.Time { return testNow }))
	return &testServer{store: store, handler: h, router: NewRouter(h, cfg)}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedPharmacy(t *testing.T, id string, orders ...settlement.Order) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.store.SavePharmacy(ctx, settlement.Pharmacy{ID: id, Name: "Farmácia " + id, CommissionRate: dec("0.10")}))
	for _, o := range orders {
		o.PharmacyID = id
		require.NoError(t, s.store.SaveOrder(ctx, o))
	}
}

func completed(id string, createdAt time.Time, commission string) settlement.Order {
	return settlement.Order{
		ID:               id,
		Total:            dec(commission).Mul(dec("10")),
		Status:           "Concluído",
		CreatedAt:        createdAt,
		CommissionAmount: dec(commission),
		CommissionStatus: settlement.StatusPending,
	}
}

func on(month time.Month, day int) time.Time {
	return time.Date(2025, month, day, 10, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func token(t *testing.T, subject string, role auth.Role, pharmacyID string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, subject, role, pharmacyID, time.Hour)
	require.NoError(t, err)
	return tok
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

func TestApplyPayment_FullPeriod(t *testing.T) {
	// GIVEN: Two completed June orders owing 12.00 and 8.00
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-1", on(time.June, 3), "12.00"),
		completed("o-2", on(time.June, 20), "8.00"),
	)

	// WHEN: The period is paid without an amount
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		ApplyPaymentRequest{PharmacyID: "ph-1", PeriodKey: "06/2025"}, "")

	// THEN: Both orders are settled and each gets a ledger entry
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.True(t, res.Success)
	assert.Empty(t, res.Code)
	assert.Equal(t, "MONTHLY", res.Cycle)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.True(t, res.AppliedAmount.Equal(dec("20")), res.AppliedAmount.String())
	assert.True(t, res.RemainingAmount.IsZero())
	assert.Nil(t, res.AttemptedAmount)

	rec = srv.do(t, http.MethodGet, "/api/ledger?pharmacy_id=ph-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, string(settlement.EntrySettlement), e.Type)
		assert.Equal(t, "06/2025", e.PeriodKey)
		assert.Equal(t, settlement.SystemActor, e.CreatedBy)
		assert.Equal(t, string(settlement.StatusPaid), e.StatusAfter)
	}
}

func TestApplyPayment_Partial(t *testing.T) {
	// GIVEN: A June period owing 20.00
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-1", on(time.June, 3), "12.00"),
		completed("o-2", on(time.June, 20), "8.00"),
	)

	// WHEN: 5.00 is paid
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"5.00","note":"pix"}`, "")

	// THEN: Only the oldest order moves, 15.00 stays outstanding
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, 1, res.UpdatedCount)
	assert.True(t, res.AppliedAmount.Equal(dec("5")))
	assert.True(t, res.RemainingAmount.IsZero(), "the whole payment was used")
	require.NotNil(t, res.AttemptedAmount)
	assert.True(t, res.AttemptedAmount.Equal(dec("5")))

	o, err := srv.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.True(t, o.CommissionPaidAmount.Equal(dec("5")))

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PharmacyReportDTO](t, rec).TotalOutstanding.Equal(dec("15")))
}

func TestApplyPayment_Overpayment(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))

	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"20"}`, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.True(t, res.AppliedAmount.Equal(dec("12")))
	assert.True(t, res.RemainingAmount.Equal(dec("8")), "unallocated part of the payment")
}

func TestApplyPayment_ZeroAmountMeansFullOutstanding(t *testing.T) {
	// GIVEN: Two pharmacies owing 12.00 in June
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))
	srv.seedPharmacy(t, "ph-2", completed("o-2", on(time.June, 3), "12.00"))

	// WHEN: One is paid with a zero amount, the other with no amount
	zero := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025","amount":0}`, "")
	absent := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-2","period_key":"06/2025"}`, "")

	// THEN: Both settle the full outstanding and report no attempted amount
	for _, rec := range []*httptest.ResponseRecorder{zero, absent} {
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode[PaymentResultDTO](t, rec)
		assert.True(t, res.AppliedAmount.Equal(dec("12")))
		assert.Nil(t, res.AttemptedAmount)
	}
}

func TestApplyPayment_SettledPeriodIsRejected(t *testing.T) {
	// GIVEN: A June period already paid in full
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: The same request is sent again
	rec = srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025"}`, "")

	// THEN: It is a 400 naming the period and no entry is added
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "invalid_input", res.Code)
	assert.Contains(t, res.Error, "06/2025")

	entries, err := srv.store.ListLedgerEntries(context.Background(), settlement.LedgerFilter{PharmacyID: "ph-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyPayment_Rejected(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown pharmacy", `{"pharmacy_id":"ph-x","period_key":"06/2025"}`, http.StatusNotFound, "pharmacy_not_found"},
		{"missing pharmacy", `{"period_key":"06/2025"}`, http.StatusBadRequest, "invalid_input"},
		{"malformed key", `{"pharmacy_id":"ph-1","period_key":"2025-06"}`, http.StatusBadRequest, "invalid_input"},
		{"weekly key under monthly cycle", `{"pharmacy_id":"ph-1","period_key":"2025-W23"}`, http.StatusBadRequest, "invalid_input"},
		{"negative amount", `{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"-1"}`, http.StatusBadRequest, "invalid_input"},
		{"sub-cent amount", `{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"33.3333"}`, http.StatusBadRequest, "invalid_input"},
		{"period without orders", `{"pharmacy_id":"ph-1","period_key":"05/2025"}`, http.StatusBadRequest, "invalid_input"},
		{"unknown cycle", `{"pharmacy_id":"ph-1","period_key":"06/2025","cycle":"daily"}`, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply", tt.body, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			res := decode[PaymentResultDTO](t, rec)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}

	// Nothing was written by any of the rejected calls.
	entries, err := srv.store.ListLedgerEntries(context.Background(), settlement.LedgerFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyPayment_BadBody(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/apply", `{"pharmacy_id":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

// =============================================================================
// RESET / SEQUENTIAL
// =============================================================================

func TestResetDebt(t *testing.T) {
	// GIVEN: A pharmacy with 20.00 owed, 5.00 already paid
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-1", on(time.June, 3), "12.00"),
		completed("o-2", on(time.June, 20), "8.00"),
	)
	srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"5"}`, "")

	// WHEN: The admin resets its debt
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/reset", ResetDebtRequest{PharmacyID: "ph-1", Note: "acordo"}, "")

	// THEN: The remaining 15.00 is written off, one RESET entry per order
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ResetResultDTO](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.True(t, res.WrittenOff.Equal(dec("15")))

	rec = srv.do(t, http.MethodGet, "/api/ledger?type=reset", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LedgerEntryDTO](t, rec), 2)

	rec = srv.do(t, http.MethodGet, "/api/ledger/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	verify := decode[VerifyLedgerResponse](t, rec)
	assert.True(t, verify.OK)
	assert.Equal(t, 3, verify.EntriesChecked)
}

func TestResetDebt_UnknownPharmacy(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/reset", ResetDebtRequest{PharmacyID: "ph-x"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "pharmacy_not_found", decode[ResetResultDTO](t, rec).Code)
}

func TestSettleAll_OldestFirst(t *testing.T) {
	// GIVEN: Debt in May and June
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-jun", on(time.June, 3), "12.00"),
		completed("o-may", on(time.May, 9), "8.00"),
	)

	// WHEN: Everything is settled
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/settle-all", SettleAllRequest{PharmacyID: "ph-1"}, "")

	// THEN: May goes first and nothing remains
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SequentialResultDTO](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"05/2025", "06/2025"}, res.SettledPeriods)
	assert.True(t, res.AppliedAmount.Equal(dec("20")))
	assert.Len(t, res.Steps, 2)

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PharmacyReportDTO](t, rec).TotalOutstanding.IsZero())
}

func TestDistribute_CarriesRemainder(t *testing.T) {
	// GIVEN: 10.00 owed in May and 10.00 in June
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-may", on(time.May, 9), "10.00"),
		completed("o-jun", on(time.June, 3), "10.00"),
	)

	// WHEN: 15.00 is distributed
	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/distribute", `{"pharmacy_id":"ph-1","amount":"15"}`, "")

	// THEN: May is paid, June gets the remaining 5.00
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SequentialResultDTO](t, rec)
	assert.Equal(t, []string{"05/2025", "06/2025"}, res.SettledPeriods)
	assert.True(t, res.AppliedAmount.Equal(dec("15")))
	assert.True(t, res.RemainingAmount.IsZero())

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/periods", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decode[[]PeriodSummaryDTO](t, rec)
	require.Len(t, periods, 2)
	assert.Equal(t, "06/2025", periods[0].PeriodKey)
	assert.True(t, periods[0].Outstanding.Equal(dec("5")))
	assert.Equal(t, string(settlement.StatusPartial), periods[0].Status)
	assert.Equal(t, string(settlement.StatusPaid), periods[1].Status)
}

func TestDistribute_NonPositiveAmount(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "10.00"))

	rec := srv.do(t, http.MethodPost, "/api/admin/settlements/distribute", `{"pharmacy_id":"ph-1","amount":"0"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode[SequentialResultDTO](t, rec).Code)
}

// =============================================================================
// CYCLE / LEDGER
// =============================================================================

func TestCycle_GetAndUpdate(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	rec := srv.do(t, http.MethodGet, "/api/settlement/cycle", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CycleDTO{Cycle: "MONTHLY", CurrentPeriodKey: "07/2025"}, decode[CycleDTO](t, rec))

	rec = srv.do(t, http.MethodPut, "/api/admin/settlement/cycle", UpdateCycleRequest{Cycle: "weekly"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, CycleDTO{Cycle: "WEEKLY", CurrentPeriodKey: "2025-W28"}, decode[CycleDTO](t, rec))

	rec = srv.do(t, http.MethodGet, "/api/settlement/cycle", nil, "")
	assert.Equal(t, "WEEKLY", decode[CycleDTO](t, rec).Cycle)

	rec = srv.do(t, http.MethodPut, "/api/admin/settlement/cycle", UpdateCycleRequest{Cycle: "daily"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLedger_InvalidQuery(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	for _, q := range []string{"limit=0", "limit=abc", "limit=1001", "type=REFUND"} {
		rec := srv.do(t, http.MethodGet, "/api/ledger?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListLedger_Limit(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-1", on(time.June, 3), "1.00"),
		completed("o-2", on(time.June, 4), "1.00"),
		completed("o-3", on(time.June, 5), "1.00"),
	)
	srv.do(t, http.MethodPost, "/api/admin/settlements/apply", ApplyPaymentRequest{PharmacyID: "ph-1", PeriodKey: "06/2025"}, "")

	rec := srv.do(t, http.MethodGet, "/api/ledger?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Greater(t, entries[0].Seq, entries[1].Seq, "newest first")
}

func TestVerifyLedger_DetectsTamperedOrder(t *testing.T) {
	// GIVEN: A settled order
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))
	srv.do(t, http.MethodPost, "/api/admin/settlements/apply",
		`{"pharmacy_id":"ph-1","period_key":"06/2025","amount":"4"}`, "")

	// WHEN: The paid amount is changed outside the ledger
	o, err := srv.store.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	o.CommissionPaidAmount = dec("9")
	require.NoError(t, srv.store.SaveOrder(context.Background(), o))

	// THEN: Verification reports the balance mismatch
	rec := srv.do(t, http.MethodGet, "/api/ledger/verify?pharmacy_id=ph-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[VerifyLedgerResponse](t, rec)
	assert.False(t, res.OK)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, string(settlement.DiscrepancyBalance), res.Discrepancies[0].Kind)
	assert.Equal(t, "o-1", res.Discrepancies[0].OrderID)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestPharmacyReport(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-jul", on(time.July, 2), "3.00"),
		completed("o-jun", on(time.June, 3), "12.00"),
		settlement.Order{ID: "o-open", Status: "em separação", CreatedAt: on(time.July, 3), CommissionAmount: dec("50")},
	)

	rec := srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[PharmacyReportDTO](t, rec)
	assert.Equal(t, "Farmácia ph-1", report.PharmacyName)
	assert.Equal(t, "07/2025", report.CurrentPeriodKey)
	assert.True(t, report.CurrentOutstanding.Equal(dec("3")), "non-completed orders never owe")
	assert.True(t, report.TotalOutstanding.Equal(dec("15")))
	assert.Len(t, report.History, 2)
	assert.False(t, report.Degraded)
	assert.Empty(t, report.Ledger)

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-x/report", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPharmacyPeriods_CycleOverride(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-1",
		completed("o-1", on(time.June, 2), "1.00"),
		completed("o-2", on(time.June, 10), "1.00"),
	)

	rec := srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/periods?cycle=WEEKLY", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decode[[]PeriodSummaryDTO](t, rec)
	require.Len(t, periods, 2)
	assert.Equal(t, "2025-W24", periods[0].PeriodKey)
	assert.Equal(t, "2025-W23", periods[1].PeriodKey)

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/periods?cycle=yearly", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-x/periods", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminReport_RanksByOutstanding(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.seedPharmacy(t, "ph-small", completed("s-1", on(time.June, 3), "5.00"))
	srv.seedPharmacy(t, "ph-big", completed("b-1", on(time.June, 3), "50.00"))
	srv.seedPharmacy(t, "ph-none")

	rec := srv.do(t, http.MethodGet, "/api/admin/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[AdminReportDTO](t, rec)
	require.Len(t, report.Pharmacies, 3)
	assert.Equal(t, "ph-big", report.Pharmacies[0].PharmacyID)
	assert.Equal(t, "ph-small", report.Pharmacies[1].PharmacyID)
	assert.True(t, report.TotalOutstanding.Equal(dec("55")))
	assert.Equal(t, "ph-big", report.SelectedPharmacyID)
	assert.Len(t, report.SelectedPending, 1)
}

// =============================================================================
// OPS / AUTH
// =============================================================================

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	rec := srv.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, srv.store.Close())
	rec = srv.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth_PharmacyScope(t *testing.T) {
	// GIVEN: Auth enabled and two pharmacies with settled debt
	srv := newTestServer(t, RouterConfig{
		Auth: auth.NewMiddleware(testSecret, auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)),
	})
	srv.seedPharmacy(t, "ph-1", completed("o-1", on(time.June, 3), "12.00"))
	srv.seedPharmacy(t, "ph-2", completed("o-2", on(time.June, 3), "7.00"))
	admin := token(t, "ops@warp", auth.RoleAdmin, "")
	pharmacy := token(t, "owner@ph-1", auth.RolePharmacy, "ph-1")

	// WHEN: The admin settles both
	for _, id := range []string{"ph-1", "ph-2"} {
		rec := srv.do(t, http.MethodPost, "/api/admin/settlements/settle-all", SettleAllRequest{PharmacyID: id}, admin)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// THEN: The ledger records the admin as actor
	rec := srv.do(t, http.MethodGet, "/api/ledger", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, all, 2)
	assert.Equal(t, "ops@warp", all[0].CreatedBy)

	// THEN: A pharmacy user only ever sees its own pharmacy
	rec = srv.do(t, http.MethodGet, "/api/ledger", nil, pharmacy)
	require.Equal(t, http.StatusOK, rec.Code)
	own := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, own, 1)
	assert.Equal(t, "ph-1", own[0].PharmacyID)

	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/api/ledger?pharmacy_id=ph-2", nil, pharmacy).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/pharmacies/ph-1/report", nil, pharmacy).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/api/pharmacies/ph-2/report", nil, pharmacy).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/api/pharmacies/ph-2/periods", nil, pharmacy).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/api/admin/report", nil, pharmacy).Code)
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/api/settlement/cycle", nil, "").Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/healthz", nil, "").Code)
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code   settlement.ResultCode
		status int
	}{
		{settlement.CodeOK, http.StatusOK},
		{settlement.CodeInvalidInput, http.StatusBadRequest},
		{settlement.CodePharmacyNotFound, http.StatusNotFound},
		{settlement.CodeProcedureMissing, http.StatusServiceUnavailable},
		{settlement.CodeCancelled, http.StatusServiceUnavailable},
		{settlement.CodeOutcomeUnknown, http.StatusGatewayTimeout},
		{settlement.CodePaymentFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusForCode(tt.code), string(tt.code))
	}
}
