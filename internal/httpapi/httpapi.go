package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"posbalance/backend/internal/allocation"
	"posbalance/backend/internal/logger"
	"posbalance/backend/internal/metrics"
	"posbalance/backend/internal/service"
	"posbalance/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *keyedLimiter
	pinLimiter    *keyedLimiter
	apiLimiter    *keyedLimiter
	csrfSecret    []byte
	validate      *validator.Validate
	log           *zap.Logger
	metrics       *metrics.Metrics
}

type Option func(*API)

func WithLogger(log *zap.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithRateLimit caps authenticated API calls per user and client address. Zero or a
// negative value leaves the API unlimited.
func WithRateLimit(perMinute int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.apiLimiter = newKeyedLimiter(perMinute, time.Minute)
		}
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("httpapi: generate csrf secret: %v", err))
	}
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newKeyedLimiter(5, time.Minute),
		pinLimiter:    newKeyedLimiter(8, time.Minute),
		csrfSecret:    secret,
		validate:      newValidator(),
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/documents", a.requireAuth(a.handleDocuments, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/documents/", a.requireAuth(a.handleDocument, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/settlements", a.requireAuth(a.handleSettle, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/settlements/preview", a.requireAuth(a.handlePreview, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/settlements/idempotency/", a.requireAuth(a.handleSettlementLookup, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, roleCashier, roleAdmin))

	mux.HandleFunc("/api/v1/shifts/open", a.requireAuth(a.handleShiftOpen, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/shifts/close", a.requireAuth(a.handleShiftClose, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/shifts/active", a.requireAuth(a.handleShiftActive, roleCashier, roleAdmin))

	mux.HandleFunc("/api/v1/counterparties", a.requireAuth(a.handleCounterparties, roleCashier, roleAdmin))
	mux.HandleFunc("/api/v1/wallets/", a.requireAuth(a.handleWallet, roleCashier, roleAdmin))

	mux.HandleFunc("/api/v1/reports/daily", a.requireAuth(a.handleDailyReport, roleAdmin))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, roleAdmin))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, roleAdmin))

	return a.metrics.Instrument(a.withMiddleware(mux), routeLabel)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(authorization) < 7 || !strings.EqualFold(authorization[:7], "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[7:]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		if !a.apiLimiter.Allow(actor.Username + "|" + clientKey(r)) {
			a.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) csrfTokenForHour(bucket int64) string {
	mac := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(mac, "%d", bucket)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the token for the current or the previous hour.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	for _, bucket := range []int64{current, current - 3600} {
		if hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket))) {
			return true
		}
	}
	return false
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	if r.URL.Path == "/api/v1/auth/login" {
		return true
	}
	if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
		a.writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		if !a.checkCSRF(w, r) {
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		h.Set("X-Request-ID", requestID)
		reqLog := a.log.With(zap.String("request_id", requestID))
		r = r.WithContext(logger.WithContext(r.Context(), reqLog))

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		reqLog.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", clientKey(r)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses path parameters so metrics stay low-cardinality.
func routeLabel(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/settlements/idempotency/"):
		return "/api/v1/settlements/idempotency/{key}"
	case strings.HasPrefix(path, "/api/v1/documents/"):
		return "/api/v1/documents/{id}"
	case strings.HasPrefix(path, "/api/v1/wallets/"):
		if strings.HasSuffix(path, "/adjust") {
			return "/api/v1/wallets/{id}/adjust"
		}
		return "/api/v1/wallets/{id}"
	case path == "/healthz", path == "/metrics", strings.HasPrefix(path, "/api/v1/"):
		return path
	}
	return "other"
}

// pathParam returns the single path segment after prefix, or "" when the
// remainder is empty or nested.
func pathParam(path string, prefix string) string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *API) decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := a.validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, validationMessage(fe))
	}
	return errors.New(strings.Join(messages, "; "))
}

func validationMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s long", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	}
	return field + " is invalid"
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeServiceError maps domain and store errors onto HTTP statuses. Business
// rejections keep their machine-readable reason.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	if rejection, ok := allocation.AsRejection(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  rejection.Message,
			"reason": rejection.Reason,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrInsufficientWalletBalance):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"reason": "INSUFFICIENT_WALLET_BALANCE",
		})
	case errors.Is(err, store.ErrShiftClosed):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  err.Error(),
			"reason": allocation.ReasonCashRegisterClosed,
		})
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, service.ErrShiftAlreadyOpen):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrForbidden):
		a.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, allocation.ErrInvalidRequest):
		a.writeError(w, http.StatusBadRequest, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError masks 5xx details from the client and logs them instead.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
