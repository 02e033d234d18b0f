package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxAttempts is how many times a job runs before it is given up.
	DefaultMaxAttempts = 2
	// DefaultBackoff is the fixed delay between attempts.
	DefaultBackoff = 30 * time.Second
	// DefaultDequeueTimeout bounds one blocking wait on the job source.
	DefaultDequeueTimeout = 5 * time.Second
)

// Executor runs execution jobs. *ExecutionService implements it.
type Executor interface {
	Execute(ctx context.Context, executionID string, useMock bool) error
	Fail(ctx context.Context, executionID string, cause error) error
}

// JobSource hands out queued jobs. Dequeue reports ok=false when no job
// arrived within timeout.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (job models.Job, ok bool, err error)
}

type PoolConfig struct {
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration // zero means no limit beyond the worker's own
}

// WorkerPool runs execution jobs on a fixed number of goroutines. Each job
// is attempted up to MaxAttempts times with a fixed backoff, and the
// execution is failed once the attempts are exhausted.
type WorkerPool struct {
	executor Executor
	cfg      PoolConfig
	logger   Logger
	jobChan  chan models.Job
	stopped  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
}

func NewWorkerPool(mainCtx context.Context, executor Executor, cfg PoolConfig, logger Logger) *WorkerPool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &WorkerPool{
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		ctx:      mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobChan = make(chan models.Job, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop stops accepting jobs and waits for the running ones to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobChan)
	wp.mu.Unlock()

	wp.wg.Wait()
}

// Submit hands a job to the pool, blocking while all workers are busy.
func (wp *WorkerPool) Submit(job models.Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped || wp.jobChan == nil {
		return ErrPoolStopped
	}
	select {
	case wp.jobChan <- job:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Consume feeds jobs from source into the pool until ctx is done.
func (wp *WorkerPool) Consume(ctx context.Context, source JobSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok, err := source.Dequeue(ctx, DefaultDequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wp.logger.Errorf("Failed to dequeue job: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		wp.logger.Infof("Dequeued execution %s (mock=%t)", job.ExecutionID, job.UseMock)
		if err := wp.Submit(job); err != nil {
			return errors.Wrapf(err, "failed to submit execution %s", job.ExecutionID)
		}
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobChan {
		if wp.ctx.Err() != nil {
			wp.logger.Infof("Skipping execution %s: worker pool is shutting down", job.ExecutionID)
			continue
		}
		wp.process(job)
	}
}

func (wp *WorkerPool) process(job models.Job) {
	var jobErr error
	for attempt := 1; attempt <= wp.cfg.MaxAttempts; attempt++ {
		wp.logger.Infof("Starting execution %s attempt %d/%d", job.ExecutionID, attempt, wp.cfg.MaxAttempts)

		ctx, cancel := wp.ctx, context.CancelFunc(func() {})
		if wp.cfg.AttemptTimeout > 0 {
			ctx, cancel = context.WithTimeout(wp.ctx, wp.cfg.AttemptTimeout)
		}
		jobErr = wp.executor.Execute(ctx, job.ExecutionID, job.UseMock)
		cancel()

		if jobErr == nil {
			wp.logger.Infof("Execution %s attempt %d finished", job.ExecutionID, attempt)
			return
		}
		if errors.Is(jobErr, ErrUnreconciled) {
			// Another attempt would find the record running and skip it.
			wp.logger.Errorf("Execution %s attempt %d could not record its failure: %v", job.ExecutionID, attempt, jobErr)
			break
		}
		if attempt < wp.cfg.MaxAttempts {
			wp.logger.Infof("Retrying execution %s in %s (attempt %d/%d): %v", job.ExecutionID, wp.cfg.Backoff, attempt, wp.cfg.MaxAttempts, jobErr)
			select {
			case <-time.After(wp.cfg.Backoff):
			case <-wp.ctx.Done():
				wp.logger.Infof("Worker pool context done, abandoning retries of execution %s", job.ExecutionID)
				attempt = wp.cfg.MaxAttempts
			}
		}
	}

	wp.logger.Errorf("Execution %s gave up: %v", job.ExecutionID, jobErr)
	wp.fail(job, jobErr)
}

// fail records the final failure, retrying with the job backoff so a
// transient store error does not leave the record unfinished. The pool may
// be shutting down; the failure must still be recorded.
func (wp *WorkerPool) fail(job models.Job, cause error) {
	ctx := context.WithoutCancel(wp.ctx)
	for attempt := 1; ; attempt++ {
		err := wp.executor.Fail(ctx, job.ExecutionID, cause)
		if err == nil {
			return
		}
		if attempt >= wp.cfg.MaxAttempts {
			wp.logger.Errorf("Failed to record final failure of execution %s: %v", job.ExecutionID, err)
			return
		}
		wp.logger.Warnf("Recording failure of execution %s failed, retrying in %s: %v", job.ExecutionID, wp.cfg.Backoff, err)
		<-time.After(wp.cfg.Backoff)
	}
}
