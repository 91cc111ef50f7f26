// Package jobs runs long operations in the background. At most one job per
// (kind, target) key is active; a second start is rejected with a conflict.
// Cancellation is cooperative: a job polls its Handle between units of work.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

var log = logger.Global().Module("jobs")

// Kind identifies a family of background jobs.
type Kind string

// Job kinds.
const (
	KindIteration Kind = "iteration"
	KindTraining  Kind = "training"
	KindInference Kind = "inference"
)

// Key identifies one job target, e.g. an iteration of a session or a category.
type Key struct {
	Kind   Kind
	Target string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Target
}

// Func is the body of a job. The context is cancelled only on runner shutdown.
type Func func(ctx context.Context, h *Handle) error

// Handle is a reserved job slot. It is returned by Reserve and must be either
// started with Go or given back with Release.
type Handle struct {
	key       Key
	runner    *Runner
	cancelled atomic.Bool
	started   atomic.Bool
	done      chan struct{}
	released  sync.Once
}

// Key returns the job key.
func (h *Handle) Key() Key { return h.key }

// CancelRequested reports whether Cancel was called for this job.
func (h *Handle) CancelRequested() bool { return h.cancelled.Load() }

// Done is closed once the job body returned or the reservation was released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Release frees a reservation that was never started. It is a no-op after Go.
func (h *Handle) Release() {
	if h.started.Load() {
		return
	}
	h.release()
}

func (h *Handle) release() {
	h.released.Do(func() {
		h.runner.mu.Lock()
		if h.runner.active[h.key] == h {
			delete(h.runner.active, h.key)
		}
		h.runner.mu.Unlock()
		close(h.done)
	})
}

// Go starts the job body in a new goroutine.
func (h *Handle) Go(fn Func) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	r := h.runner
	r.running.Add(1)
	r.metrics.RecordStart(string(h.key.Kind))

	go func() {
		defer r.running.Done()
		defer h.release()

		start := time.Now()
		err := r.execute(h, fn)
		status := statusOf(err)
		r.metrics.RecordFinish(string(h.key.Kind), status, time.Since(start).Seconds())

		fields := []logger.Field{
			logger.String("job", h.key.String()),
			logger.String("status", status),
			logger.Duration("elapsed", time.Since(start)),
		}
		if err != nil && status != metrics.StatusCancelled {
			log.Warn("job failed", append(fields, logger.Error(err))...)
			return
		}
		log.Info("job finished", fields...)
	}()
}

// Runner tracks active jobs.
type Runner struct {
	mu      sync.Mutex
	active  map[Key]*Handle
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	running sync.WaitGroup
	metrics *metrics.JobMetrics
}

// NewRunner creates a runner. m may be nil.
func NewRunner(m *metrics.JobMetrics) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		active:  make(map[Key]*Handle),
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
	}
}

// ErrStopped is returned by Reserve after the runner was stopped.
var ErrStopped = errors.NewStd("job runner has been stopped")

// Reserve claims key. It fails with a conflict when a job for key is active.
func (r *Runner) Reserve(key Key) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, errors.New(ErrStopped).
			Component("jobs").
			Category(errors.CategoryJobQueue).
			Build()
	}
	if _, busy := r.active[key]; busy {
		r.metrics.RecordConflict(string(key.Kind))
		return nil, errors.New(fmt.Errorf("a %s job for %s is already running", key.Kind, key.Target)).
			Component("jobs").
			Category(errors.CategoryConflict).
			Context("job", key.String()).
			Build()
	}

	h := &Handle{key: key, runner: r, done: make(chan struct{})}
	r.active[key] = h
	return h, nil
}

// Start reserves key and starts fn.
func (r *Runner) Start(key Key, fn Func) (*Handle, error) {
	h, err := r.Reserve(key)
	if err != nil {
		return nil, err
	}
	h.Go(fn)
	return h, nil
}

// Cancel flags the active job for key. It reports whether a job was found.
func (r *Runner) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[key]
	if ok {
		h.cancelled.Store(true)
	}
	return ok
}

// Active reports whether a job for key is reserved or running.
func (r *Runner) Active(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[key]
	return ok
}

// WaitKey blocks until the job for key, if any, finished or ctx is done.
func (r *Runner) WaitKey(ctx context.Context, key Key) error {
	r.mu.Lock()
	h, ok := r.active[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started job returned.
func (r *Runner) Wait() {
	r.running.Wait()
}

// Stop stops the runner with the default timeout.
func (r *Runner) Stop() error {
	return r.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout rejects new jobs, cancels the context of running ones and
// waits for them to return.
func (r *Runner) StopWithTimeout(timeout time.Duration) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.cancel()
	r.mu.Unlock()

	c := make(chan struct{})
	go func() {
		r.running.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}
}

// execute runs fn and converts a panic into an error.
func (r *Runner) execute(h *Handle, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked",
				logger.String("job", h.key.String()),
				logger.Any("panic", p),
				logger.String("stack", string(debug.Stack())))
			err = errors.Newf("job panicked: %v", p).
				Component("jobs").
				Category(errors.CategoryJobQueue).
				Context("job", h.key.String()).
				Build()
		}
	}()
	return fn(r.ctx, h)
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return metrics.StatusSuccess
	case errors.IsCategory(err, errors.CategoryCancellation), errors.Is(err, context.Canceled):
		return metrics.StatusCancelled
	default:
		return metrics.StatusError
	}
}
