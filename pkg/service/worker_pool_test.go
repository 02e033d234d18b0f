package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/service"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor fails the first failures attempts of every execution.
type fakeExecutor struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	failed   map[string]error
	mock     map[string]bool
}

func newFakeExecutor(failures int) *fakeExecutor {
	return &fakeExecutor{
		failures: failures,
		attempts: make(map[string]int),
		failed:   make(map[string]error),
		mock:     make(map[string]bool),
	}
}

func (e *fakeExecutor) Execute(ctx context.Context, id string, useMock bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[id]++
	e.mock[id] = useMock
	if e.attempts[id] <= e.failures {
		return errors.Errorf("attempt %d failed", e.attempts[id])
	}
	return nil
}

func (e *fakeExecutor) Fail(ctx context.Context, id string, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed[id] = cause
	return nil
}

func (e *fakeExecutor) snapshot() (map[string]int, map[string]error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempts := make(map[string]int, len(e.attempts))
	for k, v := range e.attempts {
		attempts[k] = v
	}
	failed := make(map[string]error, len(e.failed))
	for k, v := range e.failed {
		failed[k] = v
	}
	return attempts, failed
}

// sliceSource hands out a fixed list of jobs, then reports an empty queue.
type sliceSource struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (s *sliceSource) Dequeue(ctx context.Context, timeout time.Duration) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
		}
		return models.Job{}, false, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, true, nil
}

func TestWorkerPool(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		maxAttempts  int
		wantAttempts int
		wantFailed   bool
	}{
		{name: "SucceedsFirstTime", failures: 0, maxAttempts: 2, wantAttempts: 1},
		{name: "SucceedsOnRetry", failures: 1, maxAttempts: 2, wantAttempts: 2},
		{name: "ExhaustsAttempts", failures: 5, maxAttempts: 2, wantAttempts: 2, wantFailed: true},
		{name: "SingleAttempt", failures: 1, maxAttempts: 1, wantAttempts: 1, wantFailed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExecutor(tt.failures)
			wp := service.NewWorkerPool(context.Background(), exec, service.PoolConfig{
				MaxAttempts: tt.maxAttempts,
				Backoff:     10 * time.Millisecond,
			}, testLogger{})
			wp.Start(2)
			require.NoError(t, wp.Submit(models.Job{ExecutionID: "e1", UseMock: true}))
			wp.Stop()

			attempts, failed := exec.snapshot()
			assert.Equal(t, tt.wantAttempts, attempts["e1"])
			assert.True(t, exec.mock["e1"])
			if tt.wantFailed {
				require.Contains(t, failed, "e1")
				assert.EqualError(t, failed["e1"], fmt.Sprintf("attempt %d failed", tt.wantAttempts))
			} else {
				assert.NotContains(t, failed, "e1")
			}
		})
	}
}

func TestWorkerPool_Backoff(t *testing.T) {
	exec := newFakeExecutor(1)
	wp := service.NewWorkerPool(context.Background(), exec, service.PoolConfig{MaxAttempts: 2, Backoff: 200 * time.Millisecond}, testLogger{})
	wp.Start(1)
	start := time.Now()
	require.NoError(t, wp.Submit(models.Job{ExecutionID: "e1"}))
	wp.Stop()
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestWorkerPool_ShutdownStillRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := newFakeExecutor(5)
	wp := service.NewWorkerPool(ctx, exec, service.PoolConfig{MaxAttempts: 3, Backoff: time.Minute}, testLogger{})
	wp.Start(1)
	require.NoError(t, wp.Submit(models.Job{ExecutionID: "e1"}))
	time.AfterFunc(100*time.Millisecond, cancel)
	wp.Stop()

	attempts, failed := exec.snapshot()
	assert.Equal(t, 1, attempts["e1"])
	assert.Contains(t, failed, "e1")
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	wp := service.NewWorkerPool(context.Background(), newFakeExecutor(0), service.PoolConfig{}, testLogger{})
	wp.Start(1)
	wp.Stop()
	wp.Stop()
	assert.ErrorIs(t, wp.Submit(models.Job{ExecutionID: "e1"}), service.ErrPoolStopped)
}

func TestWorkerPool_Consume(t *testing.T) {
	exec := newFakeExecutor(0)
	wp := service.NewWorkerPool(context.Background(), exec, service.PoolConfig{Backoff: time.Millisecond}, testLogger{})
	wp.Start(2)
	source := &sliceSource{jobs: []models.Job{{ExecutionID: "a"}, {ExecutionID: "b", UseMock: true}, {ExecutionID: "c"}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wp.Consume(ctx, source) }()

	assert.Eventually(t, func() bool {
		attempts, _ := exec.snapshot()
		return len(attempts) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	wp.Stop()

	attempts, failed := exec.snapshot()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, attempts)
	assert.Empty(t, failed)
}

// flakyStore fails the first failures calls to FailExecution, including
// the ones made inside transactions.
type flakyStore struct {
	storage.Store
	failures *atomic.Int32
}

func newFlakyStore(failures int32) *flakyStore {
	s := &flakyStore{Store: storage.NewMockStore(), failures: &atomic.Int32{}}
	s.failures.Store(failures)
	return s
}

func (s *flakyStore) Begin() (storage.Store, error) {
	tx, err := s.Store.Begin()
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: tx, failures: s.failures}, nil
}

func (s *flakyStore) FailExecution(id string, errMsg string, completedAt time.Time) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.Store.FailExecution(id, errMsg, completedAt)
}

func TestWorkerPool_UnrecordedFailure(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
	}{
		{name: "DuringAttempt", failures: 1},
		{name: "DuringFinalFailure", failures: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFlakyStore(tt.failures)
			f := newFixture(t, store)
			sup, dir := fakeWorker(t, "echo run >> runs.txt\nexit 1\n", 10*time.Second)
			svc := newService(store, sup, "sk-test")
			exec := f.queue(t, nil)

			wp := service.NewWorkerPool(context.Background(), svc, service.PoolConfig{MaxAttempts: 2, Backoff: 0}, testLogger{})
			wp.Start(1)
			require.NoError(t, wp.Submit(models.Job{ExecutionID: exec.ID}))
			wp.Stop()

			got := f.execution(t, exec.ID)
			assert.Equal(t, models.FailedExecutionStatus, got.Status)
			assert.Equal(t, "worker exited with code 1", got.ErrorMessage)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, int64(1), f.crewStats(t).FailedExecutions)

			runs, err := os.ReadFile(filepath.Join(dir, "runs.txt"))
			require.NoError(t, err)
			assert.Equal(t, "run\n", string(runs))
		})
	}
}

func TestWorkerPool_AttemptTimeout(t *testing.T) {
	store := storage.NewMockStore()
	f := newFixture(t, store)
	sup, _ := fakeWorker(t, "sleep 30\n", 10*time.Second)
	svc := newService(store, sup, "sk-test")
	exec := f.queue(t, nil)

	wp := service.NewWorkerPool(context.Background(), svc, service.PoolConfig{
		MaxAttempts:    1,
		AttemptTimeout: 300 * time.Millisecond,
	}, testLogger{})
	wp.Start(1)
	start := time.Now()
	require.NoError(t, wp.Submit(models.Job{ExecutionID: exec.ID}))
	wp.Stop()

	assert.Less(t, time.Since(start), 5*time.Second)
	got := f.execution(t, exec.ID)
	assert.Equal(t, models.FailedExecutionStatus, got.Status)
	assert.Equal(t, "execution timed out: worker exceeded its time limit", got.ErrorMessage)

	logs, err := svc.ListLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, string(service.TimeoutErrorKind), last.Data["kind"])
}
