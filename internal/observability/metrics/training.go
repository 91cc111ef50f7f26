package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics covers classifier training and lifecycle transitions
type TrainingMetrics struct {
	registry *prometheus.Registry

	trainingsTotal    *prometheus.CounterVec
	trainingDuration  *prometheus.HistogramVec
	trainingSamples   *prometheus.HistogramVec
	lifecycleTotal    *prometheus.CounterVec
	validationF1Gauge *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewTrainingMetrics creates and registers new training metrics
func NewTrainingMetrics(registry *prometheus.Registry) (*TrainingMetrics, error) {
	m := &TrainingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics() {
	m.trainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_trainings_total",
			Help: "Total number of classifier training runs",
		},
		[]string{"model_type", "status"},
	)
	m.trainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_training_duration_seconds",
			Help:    "Time taken to fit a classifier",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
		},
		[]string{"model_type"},
	)
	m.trainingSamples = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_training_samples",
			Help:    "Number of labeled samples used per training run",
			Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor2, BucketCount15),
		},
		[]string{"model_type"},
	)
	m.lifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_lifecycle_transitions_total",
			Help: "Classifier model status transitions",
		},
		[]string{"to"}, // deployed, archived
	)
	m.validationF1Gauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classifier_last_validation_f1",
			Help: "Validation F1 of the most recently trained model per type",
		},
		[]string{"model_type"},
	)

	m.collectors = []prometheus.Collector{
		m.trainingsTotal,
		m.trainingDuration,
		m.trainingSamples,
		m.lifecycleTotal,
		m.validationF1Gauge,
	}
}

// Describe implements the Collector interface
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTraining records a finished training run
func (m *TrainingMetrics) RecordTraining(modelType, status string, seconds float64, samples int, f1 float64) {
	if m == nil {
		return
	}
	m.trainingsTotal.WithLabelValues(modelType, status).Inc()
	m.trainingDuration.WithLabelValues(modelType).Observe(seconds)
	if status == StatusSuccess {
		m.trainingSamples.WithLabelValues(modelType).Observe(float64(samples))
		m.validationF1Gauge.WithLabelValues(modelType).Set(f1)
	}
}

// RecordTransition records a deploy or archive
func (m *TrainingMetrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.lifecycleTotal.WithLabelValues(to).Inc()
}
