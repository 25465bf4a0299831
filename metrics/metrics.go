// Package metrics provides Prometheus metrics for rdcsync.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdcsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Synchronization metrics
	synchronizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_synchronizations_total",
			Help: "Total synchronization attempts by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdcsync_bytes_transferred_total",
			Help: "Total bytes received from source peers",
		},
	)

	bytesCopied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdcsync_bytes_copied_total",
			Help: "Total bytes reused from local seed files",
		},
	)

	needListLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdcsync_need_list_length",
			Help:    "Number of entries in computed need lists",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Signature metrics
	signatureGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdcsync_signature_generation_duration_seconds",
			Help:    "Time to generate a signature cascade",
			Buckets: prometheus.DefBuckets,
		},
	)

	signatureLevelsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_signature_levels_fetched_total",
			Help: "Remote signature levels, fetched or reused from cache",
		},
		[]string{"result"},
	)

	// Storage metrics
	pageCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_page_cache_total",
			Help: "Page cache lookups",
		},
		[]string{"result"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_notifications_total",
			Help: "Total notifications published",
		},
		[]string{"type"},
	)

	notificationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdcsync_notifications_dropped_total",
			Help: "Notifications a slow subscriber missed",
		},
		[]string{"type"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdcsync_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSynchronization records the outcome of one synchronization.
func RecordSynchronization(direction string, transferred, copied int64, needs int, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	synchronizationsTotal.WithLabelValues(direction, outcome).Inc()
	if transferred > 0 {
		bytesTransferred.Add(float64(transferred))
	}
	if copied > 0 {
		bytesCopied.Add(float64(copied))
	}
	if needs > 0 {
		needListLength.Observe(float64(needs))
	}
}

// RecordConflict records a synchronization stopped by a version conflict.
func RecordConflict(direction string) {
	synchronizationsTotal.WithLabelValues(direction, "conflict").Inc()
}

// RecordSignatureGeneration records how long a cascade took to generate.
func RecordSignatureGeneration(duration time.Duration) {
	signatureGenerationDuration.Observe(duration.Seconds())
}

// RecordSignatureLevel records whether a remote level was downloaded or
// already cached.
func RecordSignatureLevel(cached bool) {
	result := "fetched"
	if cached {
		result = "cached"
	}
	signatureLevelsFetched.WithLabelValues(result).Inc()
}

// RecordPageCache records a page cache lookup.
func RecordPageCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	pageCacheTotal.WithLabelValues(result).Inc()
}

// RecordNotification records a published notification.
func RecordNotification(eventType string) {
	notificationsTotal.WithLabelValues(eventType).Inc()
}

// RecordNotificationDropped records a notification a subscriber missed.
func RecordNotificationDropped(eventType string) {
	notificationsDroppedTotal.WithLabelValues(eventType).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their route pattern, not their path, so file names don't
// blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
