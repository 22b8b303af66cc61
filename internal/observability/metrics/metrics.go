package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orgbridge_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_remote_calls_total",
		Help: "Count of remote directory API calls by operation and result",
	}, []string{"operation", "result"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_token_refreshes_total",
		Help: "Count of access token issuances per application",
	}, []string{"app_key"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orgbridge_sync_run_duration_seconds",
		Help:    "Wall-clock duration of directory sync runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"result"})

	syncRunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orgbridge_sync_runs_active",
		Help: "Number of sync runs currently executing",
	})

	callbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_callback_events_total",
		Help: "Count of processed callback events by type and result",
	}, []string{"event_type", "result"})

	callbackRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_callback_rejections_total",
		Help: "Count of callbacks rejected before processing",
	}, []string{"reason"})

	loginTickets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orgbridge_login_tickets_total",
		Help: "Count of QR login tickets by terminal outcome",
	}, []string{"outcome"})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveRemoteCall counts one remote API call
func ObserveRemoteCall(operation, result string) {
	remoteCalls.WithLabelValues(operation, result).Inc()
}

// ObserveTokenRefresh counts one token issuance for an application
func ObserveTokenRefresh(appKey string) {
	tokenRefreshes.WithLabelValues(appKey).Inc()
}

// SyncRunStarted marks a run as active
func SyncRunStarted() {
	syncRunsActive.Inc()
}

// SyncRunFinished records the run's duration and releases the gauge
func SyncRunFinished(result string, duration time.Duration) {
	syncRunsActive.Dec()
	syncRunDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveCallbackEvent counts one processed callback event
func ObserveCallbackEvent(eventType, result string) {
	callbackEvents.WithLabelValues(eventType, result).Inc()
}

// ObserveCallbackRejection counts a callback rejected before decoding
func ObserveCallbackRejection(reason string) {
	callbackRejections.WithLabelValues(reason).Inc()
}

// ObserveLoginTicket counts a ticket reaching a terminal outcome
func ObserveLoginTicket(outcome string) {
	loginTickets.WithLabelValues(outcome).Inc()
}
