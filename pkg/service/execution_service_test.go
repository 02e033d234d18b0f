package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/service"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/ignatij/crewflow/pkg/supervisor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unusedRunner fails the test if the worker is launched.
type unusedRunner struct{ t *testing.T }

func (r unusedRunner) Run(ctx context.Context, spec supervisor.Spec, onChunk supervisor.ChunkFunc) (supervisor.Exit, error) {
	r.t.Errorf("worker launched for execution %s", spec.ExecutionID)
	return supervisor.Exit{}, nil
}

// scriptedRunner replays canned output chunks and exit error.
type scriptedRunner struct {
	chunks []string
	err    error
}

func (r scriptedRunner) Run(ctx context.Context, spec supervisor.Spec, onChunk supervisor.ChunkFunc) (supervisor.Exit, error) {
	for _, c := range r.chunks {
		onChunk([]byte(c))
	}
	return supervisor.Exit{}, r.err
}

func TestExecute_Mock(t *testing.T) {
	ctx := context.Background()

	t.Run("SynthesizesSuccess", func(t *testing.T) {
		recorder := &progressRecorder{Store: storage.NewMockStore()}
		f := newFixture(t, recorder)
		// No API key: the real backend would refuse to run.
		svc := newService(recorder, unusedRunner{t}, "")
		exec := f.queue(t, models.JSONMap{"topic": "Go generics", "audience": "backend engineers"})

		require.NoError(t, svc.Execute(ctx, exec.ID, true))

		got := f.execution(t, exec.ID)
		assert.Equal(t, models.CompletedExecutionStatus, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, []int{10, 30, 60, 90, 95}, recorder.Values())
		assert.Greater(t, got.TotalTokensUsed, int64(0))
		assert.InDelta(t, float64(got.TotalTokensUsed)/1_000_000*0.150, got.Cost, 1e-12)
		assert.Equal(t, true, got.Results["is_mock"])
		assert.Contains(t, got.Results["final_output"], "Go generics")

		taskResults, ok := got.Results["task_results"].([]interface{})
		require.True(t, ok)
		require.Len(t, taskResults, 2)
		var sum float64
		for _, tr := range taskResults {
			sum += tr.(map[string]interface{})["tokens_used"].(float64)
		}
		assert.Equal(t, float64(got.TotalTokensUsed), sum)
		first := taskResults[0].(map[string]interface{})
		assert.Equal(t, "Research topic", first["task_name"])
		assert.Contains(t, first["result"], "Research notes: Go generics")
		second := taskResults[1].(map[string]interface{})
		assert.Contains(t, second["result"], "backend engineers")

		assert.Equal(t, got.TotalTokensUsed, f.tenantTokens(t))
		crew := f.crewStats(t)
		assert.Equal(t, int64(1), crew.SuccessfulExecutions)
		assert.Equal(t, int64(1), crew.TotalExecutions)

		logs, err := svc.ListLogs(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"Initialized agent: Researcher (Senior Researcher)",
			"Initialized agent: Writer (Content Writer)",
			"Task 1/2: Research topic",
			"Assigned to: Researcher",
			"Finished task: Research topic",
			"Task 2/2: Write article",
			"Assigned to: Writer",
			"Finished task: Write article",
		}, messages(workerLogs(logs)))
	})

	t.Run("DeadlineFailsAsTimeout", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		backend := service.NewSubprocessBackend(unusedRunner{t}, service.SubprocessConfig{}, testLogger{})
		mock := service.NewMockBackend("gpt-4o", time.Minute, testLogger{})
		svc := service.NewExecutionService(store, backend, mock, testLogger{})
		exec := f.queue(t, nil)

		dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		err := svc.Execute(dctx, exec.ID, true)
		assert.Equal(t, service.TimeoutErrorKind, service.KindOf(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		got := f.execution(t, exec.ID)
		assert.Equal(t, models.FailedExecutionStatus, got.Status)
		assert.Equal(t, "execution timed out: context deadline exceeded", got.ErrorMessage)
		assert.Zero(t, f.tenantTokens(t))
	})

	t.Run("CancelledRunFails", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		backend := service.NewSubprocessBackend(unusedRunner{t}, service.SubprocessConfig{}, testLogger{})
		mock := service.NewMockBackend("gpt-4o", time.Minute, testLogger{})
		svc := service.NewExecutionService(store, backend, mock, testLogger{})
		exec := f.queue(t, nil)

		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)
		err := svc.Execute(cctx, exec.ID, true)
		assert.Equal(t, service.InternalErrorKind, service.KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.FailedExecutionStatus, f.execution(t, exec.ID).Status)
		assert.Zero(t, f.tenantTokens(t))
	})
}

func TestExecute_Scripted(t *testing.T) {
	ctx := context.Background()

	t.Run("ByteAtATime", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		out := `{"level":"info","message":"creating agent: Researcher"}` + "\n" +
			`{"level":"error","message":"tool failed","tokens_used":3}` + "\n" +
			"__FINAL_RESULT__\n" + `{"success":true,"tokens_used":42,"cost":0.5,"result":"done"}`
		var chunks []string
		for i := 0; i < len(out); i++ {
			chunks = append(chunks, out[i:i+1])
		}
		svc := newService(store, scriptedRunner{chunks: chunks}, "sk-test")
		exec := f.queue(t, nil)

		require.NoError(t, svc.Execute(ctx, exec.ID, false))
		got := f.execution(t, exec.ID)
		assert.Equal(t, int64(42), got.TotalTokensUsed)
		logs, err := svc.ListLogs(ctx, exec.ID)
		require.NoError(t, err)
		worker := workerLogs(logs)
		require.Len(t, worker, 2)
		assert.Equal(t, models.ErrorLogLevel, worker[1].Level)
		assert.Equal(t, int64(3), worker[1].TokensUsed)
	})

	t.Run("TimeoutFromRunner", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		svc := newService(store, scriptedRunner{err: supervisor.ErrTimeout}, "sk-test")
		exec := f.queue(t, nil)

		err := svc.Execute(ctx, exec.ID, false)
		assert.Equal(t, service.TimeoutErrorKind, service.KindOf(err))
		assert.ErrorIs(t, err, supervisor.ErrTimeout)
	})

	t.Run("CrewWithoutTasks", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		empty := models.Crew{ID: "empty-crew", TenantID: f.tenant.ID, Name: "Empty", ProcessType: models.SequentialProcessType}
		require.NoError(t, store.SaveCrew(empty))
		require.NoError(t, store.SaveAgent(models.Agent{ID: "lonely", CrewID: empty.ID, Name: "Lonely"}))
		exec := models.Execution{ID: "exec-empty", CrewID: empty.ID, TenantID: f.tenant.ID, Status: models.QueuedExecutionStatus}
		require.NoError(t, store.SaveExecution(exec))
		svc := newService(store, unusedRunner{t}, "sk-test")

		err := svc.Execute(ctx, exec.ID, false)
		assert.Equal(t, service.ConfigErrorKind, service.KindOf(err))
		got := f.execution(t, exec.ID)
		assert.Equal(t, models.FailedExecutionStatus, got.Status)
		assert.Equal(t, "crew Empty has no tasks", got.ErrorMessage)
	})

	t.Run("RunningRecordIsSkipped", func(t *testing.T) {
		store := storage.NewMockStore()
		f := newFixture(t, store)
		exec := f.queue(t, nil)
		require.NoError(t, store.MarkExecutionRunning(exec.ID, time.Now()))
		svc := newService(store, unusedRunner{t}, "sk-test")

		require.NoError(t, svc.Execute(ctx, exec.ID, false))
		assert.Equal(t, models.RunningExecutionStatus, f.execution(t, exec.ID).Status)
	})

	t.Run("UnknownExecution", func(t *testing.T) {
		svc := newService(storage.NewMockStore(), unusedRunner{t}, "sk-test")
		err := svc.Execute(ctx, "missing", false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestExecutionService_Fail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	f := newFixture(t, store)
	svc := newService(store, unusedRunner{t}, "sk-test")

	queued := f.queue(t, nil)
	require.NoError(t, svc.Fail(ctx, queued.ID, errors.New("job crashed")))
	got := f.execution(t, queued.ID)
	assert.Equal(t, models.FailedExecutionStatus, got.Status)
	assert.Equal(t, "job crashed", got.ErrorMessage)

	// A second failure keeps the first message and counts once.
	require.NoError(t, svc.Fail(ctx, queued.ID, errors.New("again")))
	assert.Equal(t, "job crashed", f.execution(t, queued.ID).ErrorMessage)
	assert.Equal(t, int64(1), f.crewStats(t).FailedExecutions)
}

func TestExecutionService_CallerOperations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	f := newFixture(t, store)
	svc := newService(store, unusedRunner{t}, "sk-test")

	t.Run("CreateExecution", func(t *testing.T) {
		exec, err := svc.CreateExecution(ctx, f.tenant.ID, f.crew.ID, models.JSONMap{"topic": "Go"})
		require.NoError(t, err)
		assert.NotEmpty(t, exec.ID)
		assert.Equal(t, models.QueuedExecutionStatus, exec.Status)
		assert.Equal(t, 0, exec.Progress)
		assert.Nil(t, exec.StartedAt)

		stored, err := svc.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, "Go", stored.InputVariables["topic"])
	})

	t.Run("CreateExecutionForOtherTenantsCrew", func(t *testing.T) {
		other := models.Tenant{ID: "other-tenant", Name: "other"}
		require.NoError(t, store.SaveTenant(other))
		_, err := svc.CreateExecution(ctx, other.ID, f.crew.ID, nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateExecutionUnknownCrew", func(t *testing.T) {
		_, err := svc.CreateExecution(ctx, f.tenant.ID, "nope", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Retry", func(t *testing.T) {
		failed := f.queue(t, models.JSONMap{"topic": "retry me"})
		require.NoError(t, svc.Fail(ctx, failed.ID, errors.New("boom")))

		retried, err := svc.Retry(ctx, failed.ID)
		require.NoError(t, err)
		assert.NotEqual(t, failed.ID, retried.ID)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Equal(t, models.QueuedExecutionStatus, retried.Status)
		assert.Equal(t, "retry me", retried.InputVariables["topic"])

		again, err := svc.Retry(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, again.RetryCount)

		_, err = svc.Retry(ctx, retried.ID)
		assert.ErrorIs(t, err, service.ErrNotRetryable)
	})

	t.Run("ListLogsUnknownExecution", func(t *testing.T) {
		_, err := svc.ListLogs(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
