package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics covers the background job runner
type JobMetrics struct {
	registry *prometheus.Registry

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  *prometheus.GaugeVec
	jobDuration  *prometheus.HistogramVec
	jobConflicts *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewJobMetrics creates and registers new job runner metrics
func NewJobMetrics(registry *prometheus.Registry) (*JobMetrics, error) {
	m := &JobMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *JobMetrics) initMetrics() {
	m.jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_started_total",
			Help: "Background jobs started",
		},
		[]string{"kind"}, // iteration, training, inference
	)
	m.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Background jobs finished",
		},
		[]string{"kind", "status"},
	)
	m.jobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Background jobs currently running",
		},
		[]string{"kind"},
	)
	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time of background jobs",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15),
		},
		[]string{"kind"},
	)
	m.jobConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_rejected_total",
			Help: "Job starts rejected because the same key was already active",
		},
		[]string{"kind"},
	)

	m.collectors = []prometheus.Collector{
		m.jobsStarted,
		m.jobsFinished,
		m.jobsRunning,
		m.jobDuration,
		m.jobConflicts,
	}
}

// Describe implements the Collector interface
func (m *JobMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *JobMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordStart records a job start
func (m *JobMetrics) RecordStart(kind string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind).Inc()
	m.jobsRunning.WithLabelValues(kind).Inc()
}

// RecordFinish records a job finishing with status
func (m *JobMetrics) RecordFinish(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
	m.jobsRunning.WithLabelValues(kind).Dec()
	m.jobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordConflict records a rejected duplicate start
func (m *JobMetrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.jobConflicts.WithLabelValues(kind).Inc()
}
