package answer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("answer: run queue full")
	// ErrRunnerStopped is returned by Submit before Start or after Drain.
	ErrRunnerStopped = errors.New("answer: runner not accepting runs")
)

// Runner executes runs in the background on a fixed pool of workers.
// Submitting a run that is already queued or executing is a no-op.
type Runner struct {
	engine  *Engine
	workers int
	logger  *slog.Logger

	queue    chan uuid.UUID
	inflight sync.Map // uuid.UUID → struct{}

	mu         sync.RWMutex
	accepting  bool
	started    atomic.Bool
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	once       sync.Once
}

// NewRunner creates a runner with the given pool size and queue capacity.
func NewRunner(engine *Engine, workers, queueSize int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Runner{
		engine:  engine,
		workers: workers,
		logger:  logger,
		queue:   make(chan uuid.UUID, queueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Runs execute under ctx.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("answer runner: Start called more than once, ignoring")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancelRuns = cancel

	r.mu.Lock()
	r.accepting = true
	r.mu.Unlock()

	for range r.workers {
		r.wg.Add(1)
		go r.work(runCtx)
	}
	go func() {
		r.wg.Wait()
		r.once.Do(func() { close(r.done) })
	}()
}

// Submit queues a run for execution without blocking.
func (r *Runner) Submit(runID uuid.UUID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.accepting {
		return ErrRunnerStopped
	}
	if _, dup := r.inflight.LoadOrStore(runID, struct{}{}); dup {
		return nil
	}
	select {
	case r.queue <- runID:
		return nil
	default:
		r.inflight.Delete(runID)
		return ErrQueueFull
	}
}

// QueueDepth returns the number of runs waiting for a worker.
func (r *Runner) QueueDepth() int { return len(r.queue) }

// Capacity returns the queue capacity.
func (r *Runner) Capacity() int { return cap(r.queue) }

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for id := range r.queue {
		if ctx.Err() != nil {
			// Shutting down: leave the run pending for the next process.
			r.inflight.Delete(id)
			continue
		}
		res, err := r.engine.RunIteration(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			r.logger.Info("answer runner: run interrupted by shutdown", "run_id", id)
		case err != nil:
			r.logger.Error("answer runner: run failed to execute", "run_id", id, "error", err)
		default:
			r.logger.Info("answer runner: run finished", "run_id", id, "status", res.Run.Status)
		}
		r.inflight.Delete(id)
	}
}

// Drain stops accepting runs and waits for queued and executing runs to
// finish. When ctx expires first, executing runs are cancelled (they stay
// pending and resume later) and Drain waits for the workers to exit.
func (r *Runner) Drain(ctx context.Context) {
	r.mu.Lock()
	wasAccepting := r.accepting
	r.accepting = false
	r.mu.Unlock()
	if !r.started.Load() {
		return
	}
	if wasAccepting {
		close(r.queue)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("answer runner: drain timed out, cancelling in-flight runs")
		r.cancelRuns()
		<-r.done
	}
	r.cancelRuns()
}
