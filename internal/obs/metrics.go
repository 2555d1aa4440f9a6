// Package obs holds Prometheus instrumentation for the API and the
// loader core.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colloquy_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	messageBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colloquy_message_loader_batch_size",
		Help:    "Number of distinct message IDs coalesced into one batch query.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	privacyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_privacy_decisions_total",
			Help: "Privacy loader decisions by check and outcome.",
		},
		[]string{"check", "decision"},
	)

	messagePageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colloquy_message_page_size",
		Help:    "Messages returned per list operation.",
		Buckets: []float64{0, 1, 10, 30, 50, 100, 200},
	})
)

// Init registers the metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		messageBatchSize,
		privacyDecisions,
		messagePageSize,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveBatchSize(n int) {
	messageBatchSize.Observe(float64(n))
}

func ObservePageSize(n int) {
	messagePageSize.Observe(float64(n))
}

func RecordPrivacyDecision(check string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	privacyDecisions.WithLabelValues(check, decision).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with request count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
