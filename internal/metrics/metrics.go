package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors the service and HTTP layer report to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	settlementsTotal   *prometheus.CounterVec
	rejectionsTotal    *prometheus.CounterVec
	tenderedTotal      *prometheus.CounterVec
	changeGivenTotal   prometheus.Counter
	walletCreditTotal  prometheus.Counter
	replaysTotal       prometheus.Counter
	settlementDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		settlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posbalance_settlements_total",
			Help: "Accepted settlements by excess disposition.",
		}, []string{"disposition"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posbalance_settlement_rejections_total",
			Help: "Rejected settlement attempts by reason.",
		}, []string{"reason"}),
		tenderedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posbalance_tendered_amount_total",
			Help: "Money tendered by payment method, in base currency.",
		}, []string{"method"}),
		changeGivenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posbalance_change_given_total",
			Help: "Cash change handed back to payers.",
		}),
		walletCreditTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posbalance_wallet_credit_total",
			Help: "Excess routed to counterparty wallets.",
		}),
		replaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posbalance_settlement_replays_total",
			Help: "Settlements answered from an earlier idempotent request.",
		}),
		settlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "posbalance_settlement_duration_seconds",
			Help:    "Time spent allocating and persisting one settlement.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.settlementsTotal, m.rejectionsTotal, m.tenderedTotal,
		m.changeGivenTotal, m.walletCreditTotal, m.replaysTotal, m.settlementDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SettlementAccepted(disposition string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(disposition).Inc()
	m.settlementDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SettlementRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Tendered(method string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.tenderedTotal.WithLabelValues(method).Add(amount)
}

func (m *Metrics) ChangeGiven(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.changeGivenTotal.Add(amount)
}

func (m *Metrics) WalletCredited(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.walletCreditTotal.Add(amount)
}

func (m *Metrics) SettlementReplayed() {
	if m == nil {
		return
	}
	m.replaysTotal.Inc()
}

// Instrument records request count and latency per route label.
func (m *Metrics) Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		label := route(r)
		m.httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
