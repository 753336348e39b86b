// Package metrics publishes Prometheus metrics for gateway activity.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallOutcome captures how a dispatched remote call ended.
type CallOutcome string

const (
	// CallSucceeded indicates the call returned a value.
	CallSucceeded CallOutcome = "success"
	// CallFailed indicates a permanent failure or exhausted retries.
	CallFailed CallOutcome = "failure"
	// CallRejected indicates the call was refused during shutdown.
	CallRejected CallOutcome = "rejected"
	// CallAbandoned indicates the caller gave up before execution finished.
	CallAbandoned CallOutcome = "abandoned"
)

// CacheOutcome captures the result of a cache lookup.
type CacheOutcome string

const (
	CacheHit   CacheOutcome = "hit"
	CacheMiss  CacheOutcome = "miss"
	CacheError CacheOutcome = "error"
)

// Recorder publishes Prometheus metrics for dispatcher and cache
// activity. A nil Recorder is valid and records nothing, so callers
// never need to guard instrumentation sites.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	calls       *prometheus.CounterVec
	queueWait   *prometheus.HistogramVec
	callLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist
// without conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edubot",
		Subsystem: "dispatch",
		Name:      "calls_total",
		Help:      "Remote calls completed by the dispatcher.",
	}, []string{"service", "outcome"})

	queueWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edubot",
		Subsystem: "dispatch",
		Name:      "queue_wait_seconds",
		Help:      "Time operations spent queued before starting.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})

	callLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "edubot",
		Subsystem: "dispatch",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for remote call execution.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service", "outcome"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edubot",
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "Retry attempts by failure class.",
	}, []string{"service", "class"})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "edubot",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Operations currently waiting in the dispatch queue.",
	}, []string{"service"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edubot",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "edubot",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted to stay within the size bound.",
	})

	cacheSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edubot",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held in the cache.",
	})

	reg.MustRegister(calls, queueWait, callLatency, retries, queueDepth, cacheLookups, cacheEvictions, cacheSize)

	return &Recorder{
		gatherer:       reg,
		handler:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		calls:          calls,
		queueWait:      queueWait,
		callLatency:    callLatency,
		retries:        retries,
		queueDepth:     queueDepth,
		cacheLookups:   cacheLookups,
		cacheEvictions: cacheEvictions,
		cacheSize:      cacheSize,
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

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCall records a completed dispatch, its queue wait and run time.
func (r *Recorder) ObserveCall(service string, outcome CallOutcome, queued, ran time.Duration) {
	if r == nil {
		return
	}
	svc := normalizeLabel(service)
	out := string(outcome)
	if out == "" {
		out = string(CallFailed)
	}
	r.calls.WithLabelValues(svc, out).Inc()
	r.queueWait.WithLabelValues(svc).Observe(queued.Seconds())
	r.callLatency.WithLabelValues(svc, out).Observe(ran.Seconds())
}

// ObserveRetry records a retry attempt with its failure class label
// ("transient" or "rate_limited").
func (r *Recorder) ObserveRetry(service, class string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(normalizeLabel(service), normalizeLabel(class)).Inc()
}

// SetQueueDepth updates the pending-operation gauge for a service.
func (r *Recorder) SetQueueDepth(service string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(normalizeLabel(service)).Set(float64(depth))
}

// ObserveCacheLookup records a cache lookup result.
func (r *Recorder) ObserveCacheLookup(result CacheOutcome) {
	if r == nil {
		return
	}
	res := string(result)
	if res == "" {
		res = string(CacheMiss)
	}
	r.cacheLookups.WithLabelValues(res).Inc()
}

// ObserveCacheEviction counts one evicted entry.
func (r *Recorder) ObserveCacheEviction() {
	if r == nil {
		return
	}
	r.cacheEvictions.Inc()
}

// SetCacheSize updates the cache entry gauge.
func (r *Recorder) SetCacheSize(n int) {
	if r == nil {
		return
	}
	r.cacheSize.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
