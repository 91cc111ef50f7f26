package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// InferenceMetrics covers batch inference and prediction review
type InferenceMetrics struct {
	registry *prometheus.Registry

	batchesTotal     *prometheus.CounterVec
	chunkDuration    prometheus.Histogram
	predictionsTotal *prometheus.CounterVec
	reviewsTotal     *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewInferenceMetrics creates and registers new inference metrics
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *InferenceMetrics) initMetrics() {
	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_batches_total",
			Help: "Inference batches that reached a terminal status",
		},
		[]string{"status"},
	)
	m.chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_chunk_duration_seconds",
		Help:    "Time taken to score and write one chunk",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	})
	m.predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_predictions_total",
			Help: "Predictions written by inference batches",
		},
		[]string{"predicted"}, // positive, negative
	)
	m.reviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_reviews_total",
			Help: "Prediction review status changes",
		},
		[]string{"review_status"},
	)

	m.collectors = []prometheus.Collector{
		m.batchesTotal,
		m.chunkDuration,
		m.predictionsTotal,
		m.reviewsTotal,
	}
}

// Describe implements the Collector interface
func (m *InferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *InferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordBatch records a batch reaching a terminal status
func (m *InferenceMetrics) RecordBatch(status string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(status).Inc()
}

// RecordChunk records one written chunk
func (m *InferenceMetrics) RecordChunk(seconds float64, positive, negative int) {
	if m == nil {
		return
	}
	m.chunkDuration.Observe(seconds)
	m.predictionsTotal.WithLabelValues("positive").Add(float64(positive))
	m.predictionsTotal.WithLabelValues("negative").Add(float64(negative))
}

// RecordReview records review status changes
func (m *InferenceMetrics) RecordReview(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reviewsTotal.WithLabelValues(status).Add(float64(n))
}
