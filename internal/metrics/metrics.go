// Package metrics provides Prometheus metrics for the flowshelf server.
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
			Name: "flowshelf_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowshelf_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Tree mutation metrics
	treeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowshelf_tree_operations_total",
			Help: "Total tree operations by outcome (ok or error kind)",
		},
		[]string{"op", "result"},
	)

	treeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowshelf_tree_operation_duration_seconds",
			Help:    "Tree operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	companionSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowshelf_companion_sync_total",
			Help: "Companion preview synchronization attempts",
		},
		[]string{"op", "result"},
	)

	uploadFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowshelf_upload_files_total",
			Help: "Uploaded workflow files by outcome",
		},
		[]string{"result"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowshelf_upload_bytes_total",
			Help: "Total bytes written by workflow uploads",
		},
	)

	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowshelf_lock_wait_seconds",
			Help:    "Time spent waiting for path locks",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// Journal metrics
	journalQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowshelf_journal_query_duration_seconds",
			Help:    "Activity journal query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Event metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowshelf_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowshelf_events_published_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	// Mirror metrics
	mirrorOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowshelf_mirror_operations_total",
			Help: "Mirror backend operations",
		},
		[]string{"op", "result"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowshelf_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op", "result"},
	)

	mirrorQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowshelf_mirror_queue_dropped_total",
			Help: "Events dropped because the mirror queue was full",
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

// RecordTreeOperation records a tree operation. result is "ok" or an error kind.
func RecordTreeOperation(op, result string, duration time.Duration) {
	treeOperationsTotal.WithLabelValues(op, result).Inc()
	treeOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCompanionSync records a companion synchronization attempt.
func RecordCompanionSync(op string, success bool) {
	companionSyncTotal.WithLabelValues(op, outcome(success)).Inc()
}

// RecordUploadFile records a single uploaded file.
func RecordUploadFile(bytes int64, success bool) {
	uploadFilesTotal.WithLabelValues(outcome(success)).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordLockWait records how long a caller waited for path locks.
func RecordLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// RecordJournalQuery records an activity journal query.
func RecordJournalQuery(query string, duration time.Duration) {
	journalQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the active SSE connection count.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordEvent records a published change event.
func RecordEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordMirrorOperation records a mirror backend call.
func RecordMirrorOperation(op string, success bool) {
	mirrorOperationsTotal.WithLabelValues(op, outcome(success)).Inc()
}

// RecordStorageOperation records a storage backend call.
func RecordStorageOperation(backend, op string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, op, outcome(success)).Observe(duration.Seconds())
}

// RecordMirrorDrop records an event the mirror could not queue.
func RecordMirrorDrop() {
	mirrorQueueDropped.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by route pattern to keep label cardinality bounded.
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
