package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(nil)
	t.Cleanup(func() { require.NoError(t, r.StopWithTimeout(time.Second)) })
	return r
}

func TestStartRunsJob(t *testing.T) {
	r := newRunner(t)
	var ran atomic.Bool

	h, err := r.Start(Key{KindTraining, "cat-1"}, func(_ context.Context, _ *Handle) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	<-h.Done()
	assert.True(t, ran.Load())
	assert.False(t, r.Active(h.Key()))
}

func TestSecondStartForSameKeyConflicts(t *testing.T) {
	r := newRunner(t)
	release := make(chan struct{})
	key := Key{KindInference, "model-1:abc"}

	h, err := r.Start(key, func(_ context.Context, _ *Handle) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = r.Start(key, func(context.Context, *Handle) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	// other keys are independent
	other, err := r.Start(Key{KindInference, "model-2:abc"}, func(context.Context, *Handle) error { return nil })
	require.NoError(t, err)
	<-other.Done()

	close(release)
	<-h.Done()

	again, err := r.Start(key, func(context.Context, *Handle) error { return nil })
	require.NoError(t, err)
	<-again.Done()
}

func TestReleaseFreesUnstartedReservation(t *testing.T) {
	r := newRunner(t)
	key := Key{KindIteration, "s-1"}

	h, err := r.Reserve(key)
	require.NoError(t, err)
	assert.True(t, r.Active(key))

	h.Release()
	h.Release()
	assert.False(t, r.Active(key))
	<-h.Done()

	h2, err := r.Reserve(key)
	require.NoError(t, err)
	h2.Go(func(context.Context, *Handle) error { return nil })
	h2.Release() // no-op once started
	<-h2.Done()
}

func TestCancelIsCooperative(t *testing.T) {
	r := newRunner(t)
	key := Key{KindInference, "b-1"}
	started := make(chan struct{})
	var chunks atomic.Int32

	h, err := r.Start(key, func(ctx context.Context, h *Handle) error {
		close(started)
		for !h.CancelRequested() {
			chunks.Add(1)
			time.Sleep(time.Millisecond)
		}
		return errors.CancelledError("batch cancelled")
	})
	require.NoError(t, err)

	<-started
	assert.True(t, r.Cancel(key))
	<-h.Done()
	assert.Positive(t, chunks.Load())
	assert.False(t, r.Cancel(key))
}

func TestPanicBecomesFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewJobMetrics(reg)
	require.NoError(t, err)
	r := NewRunner(m)
	defer func() { require.NoError(t, r.Stop()) }()

	h, err := r.Start(Key{KindTraining, "x"}, func(context.Context, *Handle) error {
		panic("boom")
	})
	require.NoError(t, err)
	<-h.Done()
	r.Wait()

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "jobs_finished_total"))
}

func TestStopCancelsContextAndRejectsNewJobs(t *testing.T) {
	r := NewRunner(nil)
	started := make(chan struct{})

	_, err := r.Start(Key{KindIteration, "s-2"}, func(ctx context.Context, _ *Handle) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, r.StopWithTimeout(time.Second))
	require.NoError(t, r.StopWithTimeout(time.Second))

	_, err = r.Reserve(Key{KindIteration, "s-3"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopWithTimeoutReportsStuckJob(t *testing.T) {
	r := NewRunner(nil)
	release := make(chan struct{})

	_, err := r.Start(Key{KindTraining, "stuck"}, func(context.Context, *Handle) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	require.Error(t, r.StopWithTimeout(10*time.Millisecond))
	close(release)
	r.Wait()
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, metrics.StatusSuccess, statusOf(nil))
	assert.Equal(t, metrics.StatusCancelled, statusOf(errors.CancelledError("x")))
	assert.Equal(t, metrics.StatusCancelled, statusOf(context.Canceled))
	assert.Equal(t, metrics.StatusError, statusOf(errors.NewStd("x")))
}

func TestWaitKeyBlocksUntilJobFinishes(t *testing.T) {
	r := newRunner(t)
	key := Key{KindIteration, "session-1"}
	release := make(chan struct{})
	var finished atomic.Bool

	_, err := r.Start(key, func(_ context.Context, _ *Handle) error {
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitKey(ctx, key), context.DeadlineExceeded)

	close(release)
	require.NoError(t, r.WaitKey(context.Background(), key))
	assert.True(t, finished.Load())
	assert.NoError(t, r.WaitKey(context.Background(), Key{KindIteration, "idle"}))
}
