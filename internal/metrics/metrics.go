package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome classifies a completed upstream call.
type FetchOutcome string

const (
	// FetchSuccess indicates the source returned a usable sample.
	FetchSuccess FetchOutcome = "success"
	// FetchHTTPError indicates a non-2xx upstream status.
	FetchHTTPError FetchOutcome = "http_error"
	// FetchTimeout indicates the call exceeded its deadline.
	FetchTimeout FetchOutcome = "timeout"
	// FetchTransportError indicates a connection-level failure.
	FetchTransportError FetchOutcome = "transport_error"
	// FetchParseError indicates the response shape could not be normalized.
	FetchParseError FetchOutcome = "parse_error"
	// FetchConfigError indicates missing credentials or invalid source setup.
	FetchConfigError FetchOutcome = "config_error"
	// FetchRejected indicates the acceptance guard refused the sample.
	FetchRejected FetchOutcome = "rejected"
)

// CacheResult captures the result of a cache operation.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStored  CacheResult = "stored"
	CacheRemoved CacheResult = "removed"
	CacheError   CacheResult = "error"
)

// Recorder publishes Prometheus metrics for ingestion activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	cacheMemory     prometheus.Gauge

	schedulerRuns *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldsync",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Total upstream source calls by outcome.",
	}, []string{"source", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "yieldsync",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for upstream source calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"source", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldsync",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Sample cache operations by result.",
	}, []string{"operation", "result"})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldsync",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Live entries currently held by the sample cache.",
	})

	cacheMemory := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "yieldsync",
		Subsystem: "cache",
		Name:      "memory_bytes",
		Help:      "Approximate serialized size of cached samples.",
	})

	schedulerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yieldsync",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Completed sync runs by service and outcome.",
	}, []string{"service", "outcome"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheEntries, cacheMemory, schedulerRuns)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheEntries:    cacheEntries,
		cacheMemory:     cacheMemory,
		schedulerRuns:   schedulerRuns,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the outcome and latency of one upstream source call.
func (r *Recorder) ObserveFetch(source string, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(source)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(FetchTransportError)
	}
	r.fetchRequests.WithLabelValues(sourceLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(sourceLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheOp records one sample cache operation.
func (r *Recorder) ObserveCacheOp(operation string, result CacheResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheError)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(operation), resultLabel).Inc()
}

// SetCacheUsage publishes the current entry count and approximate memory use.
func (r *Recorder) SetCacheUsage(entries int, memoryBytes int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(entries))
	r.cacheMemory.Set(float64(memoryBytes))
}

// ObserveRun records a completed sync run for a service.
func (r *Recorder) ObserveRun(service string, success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.schedulerRuns.WithLabelValues(normalizeLabel(service), outcome).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
