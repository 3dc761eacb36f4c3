package httpapi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"posbalance/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken hands out the token mutating requests must echo in the
// X-CSRF-Token header.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		resp, err := a.service.ListOpenDocuments(r.Context(), domain.DocumentFilter{
			StoreID:        q.Get("store_id"),
			Kind:           domain.DocumentKind(strings.ToUpper(strings.TrimSpace(q.Get("kind")))),
			CounterpartyID: strings.TrimSpace(q.Get("counterparty_id")),
			Query:          strings.TrimSpace(q.Get("q")),
			Limit:          parsePositiveLimit(q.Get("limit"), 50, 200),
		})
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.DocumentCreateRequest
		if err := a.decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CreateDocument(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	id := pathParam(r.URL.Path, "/api/v1/documents/")
	if id == "" {
		a.writeError(w, http.StatusNotFound, errors.New("document not found"))
		return
	}
	resp, err := a.service.GetDocument(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.SettlementRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.Settle(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.SettlementRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.PreviewSettlement(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSettlementLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	key := pathParam(r.URL.Path, "/api/v1/settlements/idempotency/")
	if key == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("idempotency key required"))
		return
	}
	resp, err := a.service.LookupSettlement(r.Context(), r.URL.Query().Get("store_id"), key)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.CheckoutRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Settlement.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.ShiftOpenRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.ShiftCloseRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	resp, err := a.service.GetActiveShift(r.Context(), q.Get("store_id"), q.Get("terminal_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCounterparties(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		resp, err := a.service.ListCounterparties(r.Context(), strings.TrimSpace(q.Get("q")), parsePositiveLimit(q.Get("limit"), 50, 200))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.CounterpartyCreateRequest
		if err := a.decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CreateCounterparty(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		a.writeMethodNotAllowed(w)
	}
}

// handleWallet serves /api/v1/wallets/{id} and /api/v1/wallets/{id}/adjust.
func (a *API) handleWallet(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/wallets/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.GetWallet(r.Context(), parts[0], parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "adjust":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		a.adjustWallet(w, r, parts[0])
	default:
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (a *API) adjustWallet(w http.ResponseWriter, r *http.Request, counterpartyID string) {
	var req domain.WalletAdjustRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		a.writeError(w, http.StatusForbidden, errors.New("invalid manager PIN"))
		return
	}
	resp, err := a.service.AdjustWallet(r.Context(), counterpartyID, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	report, err := a.service.DailyReport(r.Context(), q.Get("store_id"), q.Get("date"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "csv") {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"daily-report-%s.csv\"", report.Date))
		w.WriteHeader(http.StatusOK)
		if err := writeDailyReportCSV(w, report); err != nil {
			a.log.Warn("daily report csv write failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeDailyReportCSV(w http.ResponseWriter, report domain.DailyReport) error {
	out := csv.NewWriter(w)
	rows := [][]string{
		{"section", "key", "value"},
		{"summary", "date", report.Date},
		{"summary", "store_id", report.StoreID},
		{"summary", "settlements", strconv.FormatInt(report.Settlements, 10)},
		{"summary", "tendered", report.Tendered.StringFixed(2)},
		{"summary", "applied", report.Applied.StringFixed(2)},
		{"summary", "change_given", report.ChangeGiven.StringFixed(2)},
		{"summary", "wallet_credited", report.WalletCredited.StringFixed(2)},
	}
	for _, m := range report.ByMethod {
		rows = append(rows,
			[]string{"method", string(m.Method) + "_payments", strconv.FormatInt(m.Payments, 10)},
			[]string{"method", string(m.Method) + "_total", m.Total.StringFixed(2)},
		)
	}
	for _, k := range report.ByKind {
		rows = append(rows,
			[]string{"kind", string(k.Kind) + "_documents", strconv.FormatInt(k.Documents, 10)},
			[]string{"kind", string(k.Kind) + "_applied", k.Applied.StringFixed(2)},
		)
	}
	if err := out.WriteAll(rows); err != nil {
		return err
	}
	return out.Error()
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("store_id"), q.Get("date"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cashiers, err := a.auth.ListCashiers(r.Context())
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": cashiers})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := a.decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		cashier, err := a.auth.CreateCashier(r.Context(), req)
		if err != nil {
			if errors.Is(err, errInvalidCashier) {
				a.writeError(w, http.StatusBadRequest, err)
				return
			}
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
	default:
		a.writeMethodNotAllowed(w)
	}
}
