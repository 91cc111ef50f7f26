package observability

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called concurrently
// since every instance owns its registry.
func TestNewMetricsConcurrency(t *testing.T) {
	const numGoroutines = 20

	var wg sync.WaitGroup
	results := make([]*Metrics, numGoroutines)
	errs := make([]error, numGoroutines)
	for i := range numGoroutines {
		wg.Go(func() {
			results[i], errs[i] = NewMetrics()
		})
	}
	wg.Wait()

	for i := range numGoroutines {
		require.NoError(t, errs[i])
		m := results[i]
		require.NotNil(t, m)
		assert.NotNil(t, m.registry)
		assert.NotNil(t, m.HTTP)
		assert.NotNil(t, m.Search)
		assert.NotNil(t, m.Training)
		assert.NotNil(t, m.Inference)
		assert.NotNil(t, m.Jobs)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.Search.RecordLabel("negative")
	m.Jobs.RecordStart("training")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `search_labels_applied_total{state="negative"} 1`)
	assert.Contains(t, body, `jobs_running{kind="training"} 1`)
}
