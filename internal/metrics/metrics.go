// Package metrics exposes ruleflow's Prometheus collectors: HTTP surface
// metrics for internal/apiserver, and engine-internal counters/gauges for
// rule dispatch, action execution, and the stimulus queue (spec §4.10
// observability surface).
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every ruleflow Prometheus collector.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ruleflow",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path"},
	)

	ruleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "rules",
			Name:      "executions_total",
			Help:      "Total number of rule dispatches, by outcome.",
		},
		[]string{"rule_id", "status"},
	)

	ruleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleflow",
			Subsystem: "rules",
			Name:      "execution_duration_seconds",
			Help:      "Duration of a rule's resolve→evaluate→execute pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"rule_id"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total number of events accepted onto the stimulus queue, by topic.",
		},
		[]string{"topic"},
	)

	actionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ruleflow",
			Subsystem: "actions",
			Name:      "executions_total",
			Help:      "Total number of actions executed, by type and outcome.",
		},
		[]string{"type", "status"},
	)

	actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ruleflow",
			Subsystem: "actions",
			Name:      "execution_duration_seconds",
			Help:      "Duration of individual action execution.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ruleflow",
			Subsystem: "engine",
			Name:      "stimulus_queue_depth",
			Help:      "Current number of stimuli buffered in the engine's queue.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ruleExecutions,
		ruleDuration,
		eventsProcessed,
		actionExecutions,
		actionDuration,
		queueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request-count, duration, and in-flight
// gauge collection. The /metrics route itself is excluded to avoid a
// collector observing its own scrape.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordRuleExecution records one rule dispatch outcome: "executed",
// "skipped", "failed", "condition_error" or "not_matched".
func RecordRuleExecution(ruleID, status string, duration time.Duration) {
	if ruleID == "" {
		ruleID = "unknown"
	}
	ruleExecutions.WithLabelValues(ruleID, status).Inc()
	ruleDuration.WithLabelValues(ruleID).Observe(duration.Seconds())
}

// RecordEvent records one event accepted onto the stimulus queue.
func RecordEvent(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	eventsProcessed.WithLabelValues(topic).Inc()
}

// RecordAction records one action's execution outcome.
func RecordAction(actionType, status string, duration time.Duration) {
	if actionType == "" {
		actionType = "unknown"
	}
	actionExecutions.WithLabelValues(actionType, status).Inc()
	actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// SetQueueDepth reports the current stimulus queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so high-cardinality identifiers
// (rule ids, group ids, fact keys) don't explode the requests_total label
// set, the same trade-off the teacher's httpapi metrics middleware makes
// for account ids.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "v1":
		return canonicalV1Path(parts[1:])
	default:
		return "/" + parts[0]
	}
}

func canonicalV1Path(parts []string) string {
	if len(parts) == 0 {
		return "/v1"
	}
	resource := parts[0] // "rules" | "groups" | "facts" | "events"
	if len(parts) == 1 {
		return "/v1/" + resource
	}
	// /v1/<resource>/:id[...]
	rest := parts[2:]
	path := "/v1/" + resource + "/:id"
	for _, p := range rest {
		path += "/" + p
	}
	return path
}
