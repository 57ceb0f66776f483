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
			Name: "autoscouter_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoscouter_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	matchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscouter_match_runs_total",
			Help: "Matching engine runs by outcome",
		},
		[]string{"outcome"},
	)

	matchesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoscouter_matches_found_total",
			Help: "Listing/alert pairs that scored at or above the threshold",
		},
	)

	matchesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscouter_matches_skipped_total",
			Help: "Matches dropped before enqueue, by reason",
		},
		[]string{"reason"}, // duplicate, rate_limited, score_error
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscouter_notifications_enqueued_total",
			Help: "Notifications enqueued by type and priority",
		},
		[]string{"type", "priority"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscouter_deliveries_total",
			Help: "Queue entries processed by result",
		},
		[]string{"result"}, // sent, retried, deferred, failed
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoscouter_delivery_latency_seconds",
			Help:    "Time from enqueue to successful send",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoscouter_queue_depth",
			Help: "Delivery queue entries by status",
		},
		[]string{"status"},
	)

	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscouter_websocket_clients",
			Help: "Currently connected realtime clients",
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

// RecordMatchRun records the outcome of one matching engine run
func RecordMatchRun(outcome string) {
	matchRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordMatchFound records a listing/alert pair over the threshold
func RecordMatchFound() {
	matchesFound.Inc()
}

// RecordMatchSkipped records a match dropped before enqueue
func RecordMatchSkipped(reason string) {
	matchesSkipped.WithLabelValues(reason).Inc()
}

// RecordNotificationEnqueued records an enqueue event
func RecordNotificationEnqueued(notifType string, priority int) {
	notificationsEnqueued.WithLabelValues(notifType, strconv.Itoa(priority)).Inc()
}

// RecordDelivery records the result of processing one queue entry
func RecordDelivery(result string) {
	deliveriesTotal.WithLabelValues(result).Inc()
}

// RecordDeliveryLatency records enqueue-to-send latency
func RecordDeliveryLatency(latency time.Duration) {
	deliveryLatency.Observe(latency.Seconds())
}

// SetQueueDepth sets the queue depth gauge for one status
func SetQueueDepth(status string, depth int) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// SetWebsocketClients sets the connected realtime client count
func SetWebsocketClients(count int) {
	websocketClients.Set(float64(count))
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
