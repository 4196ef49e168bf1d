package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	channelDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	dispatchSizeBuckets    = []float64{1, 10, 50, 100, 500, 1000, 5000}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Dispatch metrics
	DispatchStartsTotal  *prometheus.CounterVec
	DispatchEndsTotal    *prometheus.CounterVec
	DispatchActive       prometheus.Gauge
	DispatchLeadCount    prometheus.Histogram
	RecipientSendsTotal  *prometheus.CounterVec

	// Flow metrics
	FlowSessionStartsTotal *prometheus.CounterVec
	FlowStepsTotal         *prometheus.CounterVec
	FlowSessionEndsTotal   *prometheus.CounterVec
	FlowWaitingSessions    prometheus.Gauge

	// Channel gateway metrics
	ChannelRequestsTotal   *prometheus.CounterVec
	ChannelRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zaplane_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Dispatches
		DispatchStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_dispatch_starts_total",
			Help: "Total number of dispatch runs started.",
		}, []string{"kind"}),
		DispatchEndsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_dispatch_ends_total",
			Help: "Total number of dispatch runs ended, by final status.",
		}, []string{"kind", "status"}),
		DispatchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaplane_dispatch_active",
			Help: "Number of dispatch runs currently sending.",
		}),
		DispatchLeadCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zaplane_dispatch_lead_count",
			Help:    "Number of leads per dispatch.",
			Buckets: dispatchSizeBuckets,
		}),
		RecipientSendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_recipient_sends_total",
			Help: "Total number of per-recipient send attempts.",
		}, []string{"kind", "status"}),

		// Flows
		FlowSessionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_flow_session_starts_total",
			Help: "Total number of flow sessions started.",
		}, []string{"flow_id"}),
		FlowStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_flow_steps_total",
			Help: "Total number of flow steps executed, by node type.",
		}, []string{"node_type"}),
		FlowSessionEndsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_flow_session_ends_total",
			Help: "Total number of flow sessions ended, by final status.",
		}, []string{"status"}),
		FlowWaitingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaplane_flow_waiting_sessions",
			Help: "Number of sessions waiting on a contact reply.",
		}),

		// Channel gateway
		ChannelRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_channel_requests_total",
			Help: "Total number of channel API requests.",
		}, []string{"operation", "status"}),
		ChannelRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zaplane_channel_request_duration_seconds",
			Help:    "Channel API request duration in seconds.",
			Buckets: channelDurationBuckets,
		}, []string{"operation"}),

		// Webhook
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_webhook_events_total",
			Help: "Total number of webhook events received, by outcome.",
		}, []string{"outcome"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zaplane_notifications_total",
			Help: "Total number of notifications published.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Dispatches
		m.DispatchStartsTotal,
		m.DispatchEndsTotal,
		m.DispatchActive,
		m.DispatchLeadCount,
		m.RecipientSendsTotal,
		// Flows
		m.FlowSessionStartsTotal,
		m.FlowStepsTotal,
		m.FlowSessionEndsTotal,
		m.FlowWaitingSessions,
		// Channel
		m.ChannelRequestsTotal,
		m.ChannelRequestDuration,
		// Webhook
		m.WebhookEventsTotal,
		// Notifications
		m.NotificationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordDispatchStart records the beginning of a dispatch run.
func (m *Metrics) RecordDispatchStart(kind string, leads int) {
	m.DispatchStartsTotal.WithLabelValues(kind).Inc()
	m.DispatchActive.Inc()
	m.DispatchLeadCount.Observe(float64(leads))
}

// RecordDispatchEnd records a dispatch run reaching a terminal or paused state.
func (m *Metrics) RecordDispatchEnd(kind, status string) {
	m.DispatchEndsTotal.WithLabelValues(kind, status).Inc()
	m.DispatchActive.Dec()
}

// RecordRecipientSend records a per-recipient send attempt.
func (m *Metrics) RecordRecipientSend(kind, status string) {
	m.RecipientSendsTotal.WithLabelValues(kind, status).Inc()
}

// RecordFlowSessionStart records a session kickoff.
func (m *Metrics) RecordFlowSessionStart(flowID string) {
	m.FlowSessionStartsTotal.WithLabelValues(flowID).Inc()
}

// RecordFlowStep records an executed flow step.
func (m *Metrics) RecordFlowStep(nodeType string) {
	m.FlowStepsTotal.WithLabelValues(nodeType).Inc()
}

// RecordFlowSessionEnd records a session reaching a terminal status.
func (m *Metrics) RecordFlowSessionEnd(status string) {
	m.FlowSessionEndsTotal.WithLabelValues(status).Inc()
}

// SetFlowWaitingSessions sets the waiting-session gauge.
func (m *Metrics) SetFlowWaitingSessions(count float64) {
	m.FlowWaitingSessions.Set(count)
}

// RecordChannelRequest records a channel API request.
func (m *Metrics) RecordChannelRequest(operation, status string, duration time.Duration) {
	m.ChannelRequestsTotal.WithLabelValues(operation, status).Inc()
	m.ChannelRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWebhookEvent records a received webhook event.
func (m *Metrics) RecordWebhookEvent(outcome string) {
	m.WebhookEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordNotification records a published notification.
func (m *Metrics) RecordNotification(event string) {
	m.NotificationsTotal.WithLabelValues(event).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
