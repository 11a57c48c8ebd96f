// Package metrics exposes Prometheus instrumentation for the bid
// notification pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidalert_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidalert_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidalert_jobs_enqueued_total",
			Help: "Total evaluation jobs enqueued by lane",
		},
		[]string{"lane"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidalert_jobs_processed_total",
			Help: "Total evaluation jobs processed by lane and status",
		},
		[]string{"lane", "status"},
	)

	jobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bidalert_job_latency_seconds",
			Help:    "Time from enqueue to completed evaluation",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"lane"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bidalert_queue_depth",
			Help: "Jobs per lane and queue state",
		},
		[]string{"lane", "state"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidalert_notifications_total",
			Help: "Notification outcomes by match type",
		},
		[]string{"match_type", "outcome"},
	)

	filterFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidalert_filter_failopen_total",
			Help: "Relevance filter failures that fell back to all active carriers",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidalert_rate_limit_rejections_total",
			Help: "Notifications suppressed by the hourly ceiling, by tier",
		},
		[]string{"tier"},
	)

	emailsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidalert_emails_sent_total",
			Help: "Emails handed to the provider",
		},
	)

	emailBatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bidalert_email_batch_failures_total",
			Help: "Email batches dropped after a provider error",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidalert_sqs_messages_in_flight",
			Help: "Current bid events being processed from SQS",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidalert_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bidalert_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records an evaluation job entering a lane
func RecordJobEnqueued(lane string) {
	jobsEnqueued.WithLabelValues(lane).Inc()
}

// RecordJobProcessed records the terminal status of one job attempt
func RecordJobProcessed(lane, status string) {
	jobsProcessed.WithLabelValues(lane, status).Inc()
}

// RecordJobLatency records enqueue-to-completion time
func RecordJobLatency(lane string, latency time.Duration) {
	jobLatency.WithLabelValues(lane).Observe(latency.Seconds())
}

// SetQueueDepth sets the gauge for one lane and queue state
func SetQueueDepth(lane, state string, depth int64) {
	queueDepth.WithLabelValues(lane, state).Set(float64(depth))
}

// RecordNotification records a notification outcome
// (sent, rate_limited, deduplicated, failed)
func RecordNotification(matchType, outcome string) {
	notificationsTotal.WithLabelValues(matchType, outcome).Inc()
}

// RecordFilterFailOpen counts a relevance filter fallback
func RecordFilterFailOpen() {
	filterFailOpen.Inc()
}

// RecordRateLimitRejection records a suppressed notification
func RecordRateLimitRejection(tier string) {
	rateLimitRejections.WithLabelValues(tier).Inc()
}

// RecordEmailsSent counts emails handed to the provider
func RecordEmailsSent(n int) {
	emailsSent.Add(float64(n))
}

// RecordEmailBatchFailure counts a dropped batch
func RecordEmailBatchFailure() {
	emailBatchFailures.Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
