package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var search *SearchMetrics
	var training *TrainingMetrics
	var inference *InferenceMetrics
	var jobs *JobMetrics
	var httpm *HTTPMetrics

	assert.NotPanics(t, func() {
		search.RecordIndexQuery("query", "cosine", StatusSuccess, 0.1, 10, 1)
		search.RecordLabel("skipped")
		training.RecordTraining("mlp", StatusSuccess, 1, 10, 0.9)
		inference.RecordChunk(0.1, 1, 2)
		jobs.RecordStart("inference")
		httpm.RecordRequest("GET", "/health", "200", 0.01)
	})
	assert.Zero(t, httpm.InFlight())
}

func TestSearchMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSearchMetrics(registry)
	require.NoError(t, err)

	m.RecordIndexQuery("query", "cosine", StatusSuccess, 0.01, 100, 3)
	m.RecordCandidatesAdded("boundary", 4)
	m.RecordCandidatesAdded("others", 0)
	m.RecordReconcileDrift("labeled_count", -2)

	assert.InDelta(t, 100, testutil.ToFloat64(m.clipsScoredTotal), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.missingEmbeddings), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.candidatesAdded.WithLabelValues("boundary")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.reconcileDrift.WithLabelValues("labeled_count")), 0)

	// registering twice on one registry is rejected
	_, err = NewSearchMetrics(registry)
	assert.Error(t, err)
}

func TestJobMetricsRunningGauge(t *testing.T) {
	m, err := NewJobMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordStart("inference")
	m.RecordStart("inference")
	m.RecordFinish("inference", StatusCancelled, 1.5)

	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsRunning.WithLabelValues("inference")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.jobsFinished.WithLabelValues("inference", StatusCancelled)), 0)
}

func TestHTTPInFlight(t *testing.T) {
	m, err := NewHTTPMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RequestStarted()
	m.RequestStarted()
	m.RequestFinished()
	assert.InDelta(t, 1, m.InFlight(), 0)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusFor(nil))
	assert.Equal(t, StatusError, StatusFor(assert.AnError))
}
