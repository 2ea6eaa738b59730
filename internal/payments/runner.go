package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
)

// ErrRunnerBusy is returned when every async slot is taken.
var ErrRunnerBusy = errors.New("payments: async settlement pool is full")

// DefaultAsyncWorkers bounds concurrent background ledger calls.
const DefaultAsyncWorkers = 16

// Runner executes settlement calls off the request path.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRunner allows workers concurrent jobs, each bounded by timeout.
func NewRunner(workers int, timeout time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sem: semaphore.NewWeighted(int64(workers)), timeout: timeout, logger: logger}
}

// Go starts job in the background. The job gets a fresh context carrying
// the caller's logger, since the request context ends before it does.
func (r *Runner) Go(ctx context.Context, name string, job func(ctx context.Context) error) error {
	if !r.sem.TryAcquire(1) {
		return ErrRunnerBusy
	}
	r.wg.Add(1)
	metrics.AsyncSettlementsInFlight.Inc()

	logger := logging.L(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("async settlement panicked", "job", name, "panic", fmt.Sprint(rec))
			}
			metrics.AsyncSettlementsInFlight.Dec()
			r.sem.Release(1)
			r.wg.Done()
		}()

		jobCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), r.timeout)
		defer cancel()
		if err := job(jobCtx); err != nil {
			logger.Warn("async settlement failed", "job", name, "error", err)
		}
	}()
	return nil
}

// Wait blocks until running jobs finish or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
