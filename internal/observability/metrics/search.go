package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SearchMetrics covers the embedding index, the sampler and label writes
type SearchMetrics struct {
	registry *prometheus.Registry

	indexQueriesTotal   *prometheus.CounterVec
	indexQueryDuration  *prometheus.HistogramVec
	clipsScoredTotal    prometheus.Counter
	missingEmbeddings   prometheus.Counter
	scopeCacheTotal     *prometheus.CounterVec
	iterationsTotal     *prometheus.CounterVec
	iterationDuration   prometheus.Histogram
	candidatesAdded     *prometheus.CounterVec
	labelsAppliedTotal  *prometheus.CounterVec
	labelRetriesTotal   prometheus.Counter
	labelConflictsTotal prometheus.Counter
	reconcileDrift      *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewSearchMetrics creates and registers new search metrics
func NewSearchMetrics(registry *prometheus.Registry) (*SearchMetrics, error) {
	m := &SearchMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SearchMetrics) initMetrics() {
	m.indexQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_index_queries_total",
			Help: "Total number of embedding index queries",
		},
		[]string{"operation", "metric", "status"}, // operation: query, score
	)
	m.indexQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "search_index_query_duration_seconds",
			Help:    "Time taken to score a scope against query vectors",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
		[]string{"operation"},
	)
	m.clipsScoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_index_clips_scored_total",
		Help: "Total number of clip embeddings scored",
	})
	m.missingEmbeddings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_index_missing_embeddings_total",
		Help: "Clips skipped because their embedding was missing or malformed",
	})
	m.scopeCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_index_scope_cache_total",
			Help: "Decoded scope cache lookups",
		},
		[]string{"result"}, // hit, miss
	)
	m.iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_iterations_total",
			Help: "Total number of sampling iterations",
		},
		[]string{"status"},
	)
	m.iterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "search_iteration_duration_seconds",
		Help:    "Time taken by one sampling iteration",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
	})
	m.candidatesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_candidates_added_total",
			Help: "Candidates surfaced by sampling",
		},
		[]string{"sample_type"},
	)
	m.labelsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_labels_applied_total",
			Help: "Label transitions written to the ledger",
		},
		[]string{"state"},
	)
	m.labelRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_label_retries_total",
		Help: "Compare-and-swap label writes retried after a version change",
	})
	m.labelConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "search_label_conflicts_total",
		Help: "Label writes rejected after exhausting retries or on expected version mismatch",
	})
	m.reconcileDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_reconcile_drift_total",
			Help: "Absolute counter drift corrected by reconciliation",
		},
		[]string{"counter"},
	)

	m.collectors = []prometheus.Collector{
		m.indexQueriesTotal,
		m.indexQueryDuration,
		m.clipsScoredTotal,
		m.missingEmbeddings,
		m.scopeCacheTotal,
		m.iterationsTotal,
		m.iterationDuration,
		m.candidatesAdded,
		m.labelsAppliedTotal,
		m.labelRetriesTotal,
		m.labelConflictsTotal,
		m.reconcileDrift,
	}
}

// Describe implements the Collector interface
func (m *SearchMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *SearchMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordIndexQuery records one index operation with its scan statistics
func (m *SearchMetrics) RecordIndexQuery(operation, metric, status string, seconds float64, scored, missing int) {
	if m == nil {
		return
	}
	m.indexQueriesTotal.WithLabelValues(operation, metric, status).Inc()
	m.indexQueryDuration.WithLabelValues(operation).Observe(seconds)
	m.clipsScoredTotal.Add(float64(scored))
	m.missingEmbeddings.Add(float64(missing))
}

// RecordScopeCache records a scope cache hit or miss
func (m *SearchMetrics) RecordScopeCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.scopeCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.scopeCacheTotal.WithLabelValues("miss").Inc()
}

// RecordIteration records a finished sampling iteration
func (m *SearchMetrics) RecordIteration(status string, seconds float64) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(status).Inc()
	if status != StatusReused {
		m.iterationDuration.Observe(seconds)
	}
}

// RecordCandidatesAdded records newly surfaced candidates per sample type
func (m *SearchMetrics) RecordCandidatesAdded(sampleType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.candidatesAdded.WithLabelValues(sampleType).Add(float64(n))
}

// RecordLabel records a label transition
func (m *SearchMetrics) RecordLabel(state string) {
	if m == nil {
		return
	}
	m.labelsAppliedTotal.WithLabelValues(state).Inc()
}

// RecordLabelRetry records a compare-and-swap retry
func (m *SearchMetrics) RecordLabelRetry() {
	if m == nil {
		return
	}
	m.labelRetriesTotal.Inc()
}

// RecordLabelConflict records a rejected label write
func (m *SearchMetrics) RecordLabelConflict() {
	if m == nil {
		return
	}
	m.labelConflictsTotal.Inc()
}

// RecordReconcileDrift records corrected drift for a counter
func (m *SearchMetrics) RecordReconcileDrift(counter string, drift int) {
	if m == nil || drift == 0 {
		return
	}
	if drift < 0 {
		drift = -drift
	}
	m.reconcileDrift.WithLabelValues(counter).Add(float64(drift))
}
