package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocapn",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "sessions_active",
			Help:      "CapTP sessions currently connected.",
		},
		[]string{"node"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "session_events_total",
			Help:      "CapTP session lifecycle events.",
		},
		[]string{"node", "event"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "messages_total",
			Help:      "CapTP operations sent and received.",
		},
		[]string{"node", "direction", "op"},
	)
	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "dispatch_errors_total",
			Help:      "Inbound messages that failed to decode or dispatch.",
		},
		[]string{"node", "op"},
	)
	gcDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "gc_dropped_exports_total",
			Help:      "Exports deleted after their refcount reached zero.",
		},
		[]string{"node"},
	)
	handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "handoffs_total",
			Help:      "Handoff steps by role and result.",
		},
		[]string{"node", "role", "result"},
	)
	dialDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocapn",
			Subsystem: "captp",
			Name:      "dial_duration_seconds",
			Help:      "Time to dial a peer and finish start-session.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "transport", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsActive, sessionEvents, messages, dispatchErrors, gcDrops, handoffs, dialDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSessionOpened counts a session that finished start-session.
func RecordSessionOpened(node string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(node).Inc()
	sessionEvents.WithLabelValues(node, "opened").Inc()
}

// RecordSessionClosed counts a session reaching the disconnected state.
// reason is one of "local-abort", "peer-abort" or "transport".
func RecordSessionClosed(node, reason string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(node).Dec()
	sessionEvents.WithLabelValues(node, reason).Inc()
}

func RecordMessage(node, direction, op string) {
	RegisterMetrics()
	messages.WithLabelValues(node, direction, op).Inc()
}

func RecordDispatchError(node, op string) {
	RegisterMetrics()
	dispatchErrors.WithLabelValues(node, op).Inc()
}

func RecordGCDrop(node string) {
	RegisterMetrics()
	gcDrops.WithLabelValues(node).Inc()
}

func RecordHandoff(node, role, result string) {
	RegisterMetrics()
	handoffs.WithLabelValues(node, role, result).Inc()
}

func RecordDial(node, transport string, duration time.Duration, success bool) {
	RegisterMetrics()
	dialDuration.WithLabelValues(node, transport, strconv.FormatBool(success)).Observe(duration.Seconds())
}
