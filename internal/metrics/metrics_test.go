package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementCounters(t *testing.T) {
	m := New()
	m.SettlementAccepted("CASH_CHANGE", 20*time.Millisecond)
	m.SettlementAccepted("CASH_CHANGE", 10*time.Millisecond)
	m.SettlementRejected("INSUFFICIENT_TENDER")
	m.ChangeGiven(12.5)
	m.WalletCredited(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlementsTotal.WithLabelValues("CASH_CHANGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectionsTotal.WithLabelValues("INSUFFICIENT_TENDER")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.changeGivenTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.walletCreditTotal))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SettlementAccepted("NONE", time.Second)
	m.SettlementRejected("NO_ALLOCATION")
	m.SettlementReplayed()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	m.Instrument(next, func(*http.Request) string { return "x" }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestInstrumentAndHandler(t *testing.T) {
	m := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	handler := m.Instrument(next, func(*http.Request) string { return "/api/v1/settlements" })
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/settlements", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodPost, "/api/v1/settlements", "201")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}
