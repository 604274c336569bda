package core

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taxonmap/pkg/domain"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	resolveDuration  prometheus.Histogram
	tierLookups      *prometheus.CounterVec
	remoteCalls      *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	failedKeys       prometheus.Counter
	conflicts        prometheus.Counter
	negativeHits     prometheus.Counter
	writeBackFailure prometheus.Counter
}

// NewPrometheusMetrics creates the resolver collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taxonmap",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of Resolve calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		tierLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "tier_lookups_total",
			Help:      "Pending keys settled (hit) or passed on (miss) per tier.",
		}, []string{"tier", "result"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "remote_calls_total",
			Help:      "Remote authority batch calls per key type.",
		}, []string{"key_type", "status"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taxonmap",
			Name:      "remote_call_duration_seconds",
			Help:      "Remote authority batch call latency per key type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key_type"}),
		failedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "failed_keys_total",
			Help:      "Keys no tier could resolve.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "identity_conflicts_total",
			Help:      "Identity conflicts surfaced to callers.",
		}),
		negativeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "negative_cache_hits_total",
			Help:      "Keys skipped because the remote authority recently reported them unknown.",
		}),
		writeBackFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taxonmap",
			Name:      "writeback_failures_total",
			Help:      "Failed local store write-backs.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.resolveDuration, m.tierLookups, m.remoteCalls, m.remoteDuration,
		m.failedKeys, m.conflicts, m.negativeHits, m.writeBackFailure,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveResolve implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveResolve(_ context.Context, _ int, d time.Duration) {
	m.resolveDuration.Observe(d.Seconds())
}

// ObserveTier implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveTier(_ context.Context, tier Tier, hits, misses int) {
	m.tierLookups.WithLabelValues(string(tier), "hit").Add(float64(hits))
	m.tierLookups.WithLabelValues(string(tier), "miss").Add(float64(misses))
}

// ObserveRemoteCall implements MetricsRecorder.
func (m *PrometheusMetrics) ObserveRemoteCall(_ context.Context, kt domain.KeyType, _ int, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.remoteCalls.WithLabelValues(string(kt), status).Inc()
	m.remoteDuration.WithLabelValues(string(kt)).Observe(d.Seconds())
}

// AddFailed implements MetricsRecorder.
func (m *PrometheusMetrics) AddFailed(_ context.Context, n int) { m.failedKeys.Add(float64(n)) }

// AddConflicts implements MetricsRecorder.
func (m *PrometheusMetrics) AddConflicts(_ context.Context, n int) { m.conflicts.Add(float64(n)) }

// AddNegativeHits implements MetricsRecorder.
func (m *PrometheusMetrics) AddNegativeHits(_ context.Context, n int) { m.negativeHits.Add(float64(n)) }

// WriteBackFailed implements MetricsRecorder.
func (m *PrometheusMetrics) WriteBackFailed(context.Context) { m.writeBackFailure.Inc() }
