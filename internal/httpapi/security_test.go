package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posbalance/backend/internal/domain"
	"posbalance/backend/internal/metrics"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	rec := newClient(t, newTestAPI(t)).do(http.MethodGet, "/healthz", nil)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPreflightShortCircuits(t *testing.T) {
	rec := newClient(t, newTestAPI(t)).do(http.MethodOptions, "/api/v1/settlements", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoginRateLimitReturns429(t *testing.T) {
	c := newClient(t, newTestAPI(t))
	c.remote = "127.0.0.1:5000"

	for i := 0; i < 6; i++ {
		rec := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "admin", Password: "wrong-pass"})
		if i < 5 {
			require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}

	c.remote = "127.0.0.2:5000"
	rec := c.do(http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, strings.Repeat("a", maxBodyBytes+1024))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds")
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	c := newClient(t, newTestAPI(t)).login("admin", "admin123")
	c.remote = "127.0.0.1:5001"
	adjust := domain.WalletAdjustRequest{Amount: dec("5"), Reason: "test", ManagerPIN: "000000"}

	for i := 0; i < 9; i++ {
		rec := c.do(http.MethodPost, "/api/v1/wallets/cust-nadia/adjust", adjust)
		if i < 8 {
			require.Equal(t, http.StatusForbidden, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestAPIRateLimitPerClient(t *testing.T) {
	c := newClient(t, newTestAPI(t, WithRateLimit(3))).login("cashier", "cashier123")

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/counterparties", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, c.do(http.MethodGet, "/api/v1/counterparties", nil).Code)
}

func TestKeyedLimiterSeparatesKeys(t *testing.T) {
	l := newKeyedLimiter(2, time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	var unlimited *keyedLimiter
	assert.True(t, unlimited.Allow("a"))
}

func TestClientKeyStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientKey(req))

	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientKey(req))

	req.RemoteAddr = ""
	assert.Equal(t, "unknown", clientKey(req))
}

func TestCSRFTokenAcceptsPreviousHourOnly(t *testing.T) {
	api := newTestAPI(t)
	current := time.Now().UTC().Truncate(time.Hour).Unix()

	assert.True(t, api.validateCSRFToken(api.generateCSRFToken()))
	assert.True(t, api.validateCSRFToken(api.csrfTokenForHour(current-3600)))
	assert.False(t, api.validateCSRFToken(api.csrfTokenForHour(current-7200)))
	assert.False(t, api.validateCSRFToken(""))
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	c := newClient(t, newTestAPI(t, WithMetrics(metrics.New())))

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", nil).Code)
	c.do(http.MethodGet, "/api/v1/documents/doc-1", nil)

	rec := c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/documents/{id}",status="401"`)
}

func TestMetricsEndpointWithoutCollectorIs404(t *testing.T) {
	rec := newClient(t, newTestAPI(t)).do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParsePositiveLimitCaps(t *testing.T) {
	assert.Equal(t, 200, parsePositiveLimit("9999", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("invalid", 50, 200))
	assert.Equal(t, 50, parsePositiveLimit("-3", 50, 200))
	assert.Equal(t, 7, parsePositiveLimit("7", 50, 200))
}

func TestPathParam(t *testing.T) {
	assert.Equal(t, "doc-1", pathParam("/api/v1/documents/doc-1", "/api/v1/documents/"))
	assert.Equal(t, "", pathParam("/api/v1/documents/", "/api/v1/documents/"))
	assert.Equal(t, "", pathParam("/api/v1/documents/a/b", "/api/v1/documents/"))
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	handler := newTestAPI(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "till-7-0042")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "till-7-0042", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}
