// Package metrics — Prometheus-метрики бота.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradeReports — разобранные отчёты оператора по action и исходу.
	TradeReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_trade_reports_total",
		Help: "Trade reports handled, by action and outcome",
	}, []string{"action", "outcome"})

	// Distributions — исходы раздач по участникам (succeeded/skipped/failed).
	Distributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_distribution_participants_total",
		Help: "Per-participant distribution outcomes",
	}, []string{"outcome"})

	DistributionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrade_distribution_duration_seconds",
		Help:    "Full fan-out duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	StoreHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_store_healthy",
		Help: "1 when the store is considered healthy",
	})

	StoreConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_store_consecutive_failures",
		Help: "Consecutive failed store calls",
	})

	StoreCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_store_calls_total",
		Help: "Guarded store calls by operation and result",
	}, []string{"op", "result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_executor_queue_depth",
		Help: "Tasks waiting in the background executor",
	})

	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_executor_tasks_total",
		Help: "Background tasks by kind and result",
	}, []string{"kind", "result"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrade_websocket_clients",
		Help: "Number of connected feed clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copytrade_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware пишет метрики запросов. Путь берём из шаблона chi, чтобы не раздувать кардинальность.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack нужен websocket-апгрейду.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
