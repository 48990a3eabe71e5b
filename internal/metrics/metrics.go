package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/millipress/millicache/internal/storage"
)

// Store operation results.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Recorder publishes Prometheus metrics for the page cache.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	storeOperations *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	invalidated     *prometheus.CounterVec
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

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "millicache",
		Name:      "requests_total",
		Help:      "Requests handled by the cache engine, by cache status.",
	}, []string{"status"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "millicache",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for requests handled by the cache engine.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"status"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "millicache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Cache store operations, by operation and result.",
	}, []string{"operation", "result"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "millicache",
		Name:      "invalidations_total",
		Help:      "Tag invalidations applied, by mode.",
	}, []string{"mode"})

	invalidated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "millicache",
		Name:      "invalidated_entries_total",
		Help:      "Entries expired or deleted by tag invalidations.",
	}, []string{"mode"})

	reg.MustRegister(requests, requestLatency, storeOperations, invalidations, invalidated)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestLatency:  requestLatency,
		storeOperations: storeOperations,
		invalidations:   invalidations,
		invalidated:     invalidated,
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

// ObserveRequest records a finished request under its cache status marker.
func (r *Recorder) ObserveRequest(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(status)
	r.requests.WithLabelValues(label).Inc()
	r.requestLatency.WithLabelValues(label).Observe(elapsed.Seconds())
}

// ObserveInvalidation records one applied invalidation and the entries it touched.
func (r *Recorder) ObserveInvalidation(mode string, affected int) {
	if r == nil {
		return
	}
	label := normalizeLabel(mode)
	r.invalidations.WithLabelValues(label).Inc()
	if affected > 0 {
		r.invalidated.WithLabelValues(label).Add(float64(affected))
	}
}

// ObserveStore counts completed store operations. Register it with
// Store.Observe; before-phase events are ignored.
func (r *Recorder) ObserveStore(ev storage.Event) {
	if r == nil || ev.Phase != storage.PhaseAfter {
		return
	}
	result := ResultSkipped
	switch {
	case ev.OK:
		result = ResultOK
	case ev.Err != nil:
		result = ResultError
	}
	r.storeOperations.WithLabelValues(normalizeLabel(ev.Operation), result).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
