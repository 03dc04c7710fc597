package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flywheel_build_info",
			Help: "Build information of the flywheel service",
		},
		[]string{"version", "commit", "date"},
	)

	TickTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_tick_total",
			Help: "Total number of scheduler ticks",
		},
		[]string{"status"}, // "success", "error", "skipped", "panic"
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flywheel_tick_duration_seconds",
			Help:    "Duration of scheduler ticks",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	TickStepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_tick_step_total",
			Help: "Total number of tick steps by outcome",
		},
		[]string{"step", "status"},
	)

	EpochID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flywheel_epoch_id",
			Help: "Identifier of the open epoch",
		},
	)

	EpochRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flywheel_epoch_rate",
			Help: "Reward units per standing unit for the open epoch",
		},
	)

	EpochAdvanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_epoch_advance_total",
			Help: "Total number of epoch transitions",
		},
		[]string{"status"},
	)

	OracleReadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_oracle_read_failures_total",
			Help: "Total number of failed ledger reads",
		},
		[]string{"operation"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	PoolClipTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flywheel_pool_clip_total",
			Help: "Total number of claims clipped to the pool balance",
		},
	)

	DistributionBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_distribution_batches_total",
			Help: "Total number of push distribution batches",
		},
		[]string{"status"},
	)

	QuoteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flywheel_quote_duration_seconds",
			Help:    "Duration of price quotes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)

	StoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_store_queries_total",
			Help: "Total number of store queries",
		},
		[]string{"operation", "status"},
	)

	AnalyticsWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_analytics_writes_total",
			Help: "Total number of analytics inserts",
		},
		[]string{"table", "status"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_notifications_total",
			Help: "Total number of operator notifications",
		},
		[]string{"kind", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flywheel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flywheel_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flywheel_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordStoreQuery records the outcome of a store operation.
func RecordStoreQuery(operation string, err error) {
	StoreQueriesTotal.WithLabelValues(operation, status(err)).Inc()
}

// RecordQuote records the outcome and duration of a price quote.
func RecordQuote(duration time.Duration, err error) {
	QuoteDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// RecordStep records the outcome of one scheduler tick step.
func RecordStep(step string, err error) {
	TickStepTotal.WithLabelValues(step, status(err)).Inc()
}

// RecordAnalyticsWrite records the outcome of an analytics insert.
func RecordAnalyticsWrite(table string, err error) {
	AnalyticsWritesTotal.WithLabelValues(table, status(err)).Inc()
}

// RecordNotification records the outcome of an operator notification.
func RecordNotification(kind string, err error) {
	NotificationsTotal.WithLabelValues(kind, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
