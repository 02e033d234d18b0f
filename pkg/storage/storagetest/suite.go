// Package storagetest holds behaviour tests shared by every storage.Store
// implementation.
package storagetest

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a store returned by newStore. Each subtest gets its own
// store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("CrewWithOrderedMembers", func(t *testing.T) { testCrew(t, newStore(t)) })
	t.Run("ExecutionTransitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("CrewStatistics", func(t *testing.T) { testStatistics(t, newStore(t)) })
	t.Run("ConcurrentTenantCharges", func(t *testing.T) { testConcurrentCharges(t, newStore(t)) })
	t.Run("ExecutionLogs", func(t *testing.T) { testLogs(t, newStore(t)) })
	t.Run("TransactionRollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

type seeded struct {
	tenant models.Tenant
	crew   models.Crew
}

func seed(t *testing.T, store storage.Store) seeded {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	tenant := models.Tenant{ID: uuid.NewString(), Name: "tenant", TokensMonthlyLimit: 1000, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveTenant(tenant))
	crew := models.Crew{ID: uuid.NewString(), TenantID: tenant.ID, Name: "crew", ProcessType: models.HierarchicalProcessType, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveCrew(crew))
	return seeded{tenant: tenant, crew: crew}
}

func newExecution(s seeded) models.Execution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Execution{
		ID:             uuid.NewString(),
		CrewID:         s.crew.ID,
		TenantID:       s.tenant.ID,
		Status:         models.QueuedExecutionStatus,
		InputVariables: models.JSONMap{"topic": "storage"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testCrew(t *testing.T, store storage.Store) {
	s := seed(t, store)
	now := time.Now().UTC()
	second := models.Agent{ID: uuid.NewString(), CrewID: s.crew.ID, Name: "second", Role: "r2", Order: 2, MaxIterations: 3,
		Tools: models.JSONList{"search", "scrape"}, LLMConfig: models.JSONMap{"temperature": 0.5}, CreatedAt: now}
	first := models.Agent{ID: uuid.NewString(), CrewID: s.crew.ID, Name: "first", Role: "r1", Order: 1, AllowDelegation: true, CreatedAt: now}
	require.NoError(t, store.SaveAgent(second))
	require.NoError(t, store.SaveAgent(first))
	task := models.Task{ID: uuid.NewString(), CrewID: s.crew.ID, AgentID: &first.ID, Name: "task", Description: "d", ExpectedOutput: "e",
		Context: models.JSONList{"c"}, Dependencies: models.JSONList{}, Order: 1, CreatedAt: now}
	require.NoError(t, store.SaveTask(task))

	crew, err := store.GetCrew(s.crew.ID)
	require.NoError(t, err)
	assert.Equal(t, "crew", crew.Name)
	assert.Equal(t, models.HierarchicalProcessType, crew.ProcessType)
	require.Len(t, crew.Agents, 2)
	assert.Equal(t, "first", crew.Agents[0].Name)
	assert.True(t, crew.Agents[0].AllowDelegation)
	assert.Equal(t, models.JSONList{"search", "scrape"}, crew.Agents[1].Tools)
	assert.Equal(t, 0.5, crew.Agents[1].LLMConfig["temperature"])
	require.Len(t, crew.Tasks, 1)
	require.NotNil(t, crew.Tasks[0].AgentID)
	assert.Equal(t, first.ID, *crew.Tasks[0].AgentID)
	assert.Equal(t, models.JSONList{"c"}, crew.Tasks[0].Context)
}

func testTransitions(t *testing.T, store storage.Store) {
	s := seed(t, store)
	exec := newExecution(s)
	require.NoError(t, store.SaveExecution(exec))

	got, err := store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedExecutionStatus, got.Status)
	assert.Equal(t, "storage", got.InputVariables["topic"])

	assert.ErrorIs(t, store.UpdateExecutionProgress(exec.ID, 20), storage.ErrConflict)
	assert.ErrorIs(t, store.CompleteExecution(exec.ID, storage.Completion{CompletedAt: time.Now()}), storage.ErrConflict)

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.MarkExecutionRunning(exec.ID, started))
	assert.ErrorIs(t, store.MarkExecutionRunning(exec.ID, time.Now()), storage.ErrConflict)
	require.NoError(t, store.UpdateExecutionProgress(exec.ID, 60))
	require.NoError(t, store.UpdateExecutionProgress(exec.ID, 20))

	got, err = store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, got.Status)
	assert.Equal(t, 20, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)

	completed := started.Add(3 * time.Second)
	require.NoError(t, store.CompleteExecution(exec.ID, storage.Completion{
		CompletedAt:     completed,
		TotalTokensUsed: 500,
		Cost:            0.01,
		Results:         models.JSONMap{"final_output": "ok"},
	}))
	assert.ErrorIs(t, store.FailExecution(exec.ID, "late", time.Now()), storage.ErrConflict)
	assert.ErrorIs(t, store.CompleteExecution(exec.ID, storage.Completion{CompletedAt: time.Now()}), storage.ErrConflict)
	assert.ErrorIs(t, store.UpdateExecutionProgress(exec.ID, 40), storage.ErrConflict)

	got, err = store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedExecutionStatus, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(500), got.TotalTokensUsed)
	assert.Equal(t, 0.01, got.Cost)
	assert.Equal(t, "ok", got.Results["final_output"])
	assert.Empty(t, got.ErrorMessage)
	assert.InDelta(t, 3.0, got.Duration(time.Now()).Seconds(), 0.01)

	queued := newExecution(s)
	require.NoError(t, store.SaveExecution(queued))
	require.NoError(t, store.FailExecution(queued.ID, "no api key", time.Now()))
	got, err = store.GetExecution(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedExecutionStatus, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "no api key", got.ErrorMessage)
	assert.Nil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.ErrorIs(t, store.MarkExecutionRunning(queued.ID, time.Now()), storage.ErrConflict)

	list, err := store.ListExecutions(s.tenant.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testStatistics(t *testing.T, store storage.Store) {
	s := seed(t, store)
	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.RecordCrewSuccess(s.crew.ID, 4, at))
	require.NoError(t, store.RecordCrewFailure(s.crew.ID))
	require.NoError(t, store.RecordCrewSuccess(s.crew.ID, 10, at.Add(time.Minute)))

	crew, err := store.GetCrew(s.crew.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), crew.TotalExecutions)
	assert.Equal(t, int64(2), crew.SuccessfulExecutions)
	assert.Equal(t, int64(1), crew.FailedExecutions)
	// ((4 * 2) + 10) / 3
	assert.InDelta(t, 6.0, crew.AverageExecutionTime, 1e-9)
	require.NotNil(t, crew.LastExecutionAt)
	assert.WithinDuration(t, at.Add(time.Minute), *crew.LastExecutionAt, time.Millisecond)
}

func testConcurrentCharges(t *testing.T, store storage.Store) {
	s := seed(t, store)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementTenantTokens(s.tenant.ID, 25))
			assert.NoError(t, store.RecordCrewSuccess(s.crew.ID, 1, time.Now()))
		}()
	}
	wg.Wait()

	tenant, err := store.GetTenant(s.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), tenant.TokensUsedCurrent)
	assert.Equal(t, int64(500), tenant.TokensRemaining())
	crew, err := store.GetCrew(s.crew.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), crew.TotalExecutions)
	assert.InDelta(t, 1.0, crew.AverageExecutionTime, 1e-9)
}

func testLogs(t *testing.T, store storage.Store) {
	s := seed(t, store)
	exec := newExecution(s)
	require.NoError(t, store.SaveExecution(exec))

	for i, msg := range []string{"one", "two", "three"} {
		require.NoError(t, store.AppendExecutionLog(models.ExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Level:       models.InfoLogLevel,
			Message:     msg,
			Data:        models.JSONMap{"i": float64(i)},
			TokensUsed:  int64(i),
			LoggedAt:    time.Now(),
		}))
	}
	logs, err := store.ListExecutionLogs(exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, []string{"one", "two", "three"}[i], l.Message)
		assert.Equal(t, int64(i), l.TokensUsed)
		assert.Equal(t, float64(i), l.Data["i"])
		if i > 0 {
			assert.Less(t, logs[i-1].Seq, l.Seq)
		}
	}

	err = store.AppendExecutionLog(models.ExecutionLog{ID: uuid.NewString(), ExecutionID: uuid.NewString(), Level: models.InfoLogLevel, LoggedAt: time.Now()})
	assert.Error(t, err)

	empty, err := store.ListExecutionLogs(uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRollback(t *testing.T, store storage.Store) {
	s := seed(t, store)
	exec := newExecution(s)
	require.NoError(t, store.SaveExecution(exec))
	require.NoError(t, store.MarkExecutionRunning(exec.ID, time.Now()))

	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.CompleteExecution(exec.ID, storage.Completion{CompletedAt: time.Now(), TotalTokensUsed: 5}))
	require.NoError(t, tx.IncrementTenantTokens(s.tenant.ID, 5))
	require.NoError(t, tx.Rollback())

	got, err := store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, got.Status)
	tenant, err := store.GetTenant(s.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, tenant.TokensUsedCurrent)

	tx, err = store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.FailExecution(exec.ID, "boom", time.Now()))
	require.NoError(t, tx.Commit())
	got, err = store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedExecutionStatus, got.Status)
}

func testNotFound(t *testing.T, store storage.Store) {
	missing := uuid.NewString()
	_, err := store.GetExecution(missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetCrew(missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetTenant(missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.MarkExecutionRunning(missing, time.Now()), storage.ErrNotFound)
	assert.ErrorIs(t, store.IncrementTenantTokens(missing, 1), storage.ErrNotFound)
	assert.ErrorIs(t, store.RecordCrewFailure(missing), storage.ErrNotFound)
}
