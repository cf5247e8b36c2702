/*
scenarios_test.go - Tests for the demo scenario loader

Tests for:
- Each scenario loads and leaves a ledger that replays cleanly
- Real engine payments in the marketplace scenario
- Legacy PAID orders count as settled
- Demo routes are only mounted when enabled
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-ledger/settlement"
)

func TestLoadScenario_AllReplayCleanly(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			// GIVEN: A demo-enabled server
			srv := newTestServer(t, RouterConfig{Demo: true})

			// WHEN: The scenario is loaded
			rec := srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: sc.ID}, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			// THEN: It is the current scenario and the ledger verifies
			rec = srv.do(t, http.MethodGet, "/api/demo", nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			state := decode[DemoStateDTO](t, rec)
			require.NotNil(t, state.Current)
			assert.Equal(t, sc.ID, state.Current.ID)
			assert.Len(t, state.Scenarios, len(scenarios))

			rec = srv.do(t, http.MethodGet, "/api/ledger/verify", nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.True(t, decode[VerifyLedgerResponse](t, rec).OK)
		})
	}
}

func TestLoadScenario_MarketplaceWritesLedger(t *testing.T) {
	srv := newTestServer(t, RouterConfig{Demo: true})
	rec := srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "marketplace"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/api/ledger", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "demo", e.CreatedBy)
	}

	// The partial payment left the Saúde period open.
	rec = srv.do(t, http.MethodGet, "/api/admin/report", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AdminReportDTO](t, rec)
	require.Len(t, report.Pharmacies, 4)
	assert.Equal(t, "ph-central", report.Pharmacies[0].PharmacyID)
	assert.True(t, report.Pharmacies[0].Outstanding.Equal(dec("193.2")), report.Pharmacies[0].Outstanding.String())
	assert.Equal(t, "ph-saude", report.Pharmacies[1].PharmacyID)
	assert.True(t, report.Pharmacies[1].Outstanding.Equal(dec("130")), report.Pharmacies[1].Outstanding.String())
	assert.Equal(t, "ph-nova", report.Pharmacies[3].PharmacyID)
	assert.Equal(t, 2, report.LedgerCounts[string(settlement.EntrySettlement)])
}

func TestLoadScenario_LegacyPaidIsSettled(t *testing.T) {
	srv := newTestServer(t, RouterConfig{Demo: true})
	rec := srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "legacy-migration"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/api/pharmacies/ph-antiga/periods", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decode[[]PeriodSummaryDTO](t, rec)
	require.NotEmpty(t, periods)

	oldest := periods[len(periods)-1]
	assert.Equal(t, 2, oldest.OrdersCount)
	assert.Equal(t, string(settlement.StatusPaid), oldest.Status)
	assert.True(t, oldest.Outstanding.IsZero())
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	srv := newTestServer(t, RouterConfig{Demo: true})
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "marketplace"}, "").Code)
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "single-pharmacy"}, "").Code)

	rec := srv.do(t, http.MethodGet, "/api/admin/report", nil, "")
	report := decode[AdminReportDTO](t, rec)
	require.Len(t, report.Pharmacies, 1)
	assert.Equal(t, "ph-central", report.Pharmacies[0].PharmacyID)
	assert.Empty(t, report.Ledger)
}

func TestLoadScenario_Unknown(t *testing.T) {
	srv := newTestServer(t, RouterConfig{Demo: true})
	rec := srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "nope"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDemoRoutes_DisabledByDefault(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	rec := srv.do(t, http.MethodPost, "/api/demo/load", LoadScenarioRequest{ScenarioID: "marketplace"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
