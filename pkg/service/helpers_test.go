package service_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/service"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/ignatij/crewflow/pkg/supervisor"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// progressRecorder remembers every advisory progress update.
type progressRecorder struct {
	storage.Store
	mu     sync.Mutex
	values []int
}

func (p *progressRecorder) UpdateExecutionProgress(id string, progress int) error {
	p.mu.Lock()
	p.values = append(p.values, progress)
	p.mu.Unlock()
	return p.Store.UpdateExecutionProgress(id, progress)
}

func (p *progressRecorder) Values() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.values...)
}

type fixture struct {
	store  storage.Store
	tenant models.Tenant
	crew   models.Crew
}

// newFixture seeds a tenant and a crew with a researcher and a writer.
func newFixture(t *testing.T, store storage.Store) fixture {
	t.Helper()
	now := time.Now()
	tenant := models.Tenant{ID: uuid.NewString(), Name: "acme", TokensMonthlyLimit: 1_000_000, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveTenant(tenant))

	crew := models.Crew{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		Name:        "Blog Crew",
		ProcessType: models.SequentialProcessType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.SaveCrew(crew))

	researcher := models.Agent{ID: uuid.NewString(), CrewID: crew.ID, Name: "Researcher", Role: "Senior Researcher", Goal: "Find facts", MaxIterations: 5, Order: 0, CreatedAt: now}
	writer := models.Agent{ID: uuid.NewString(), CrewID: crew.ID, Name: "Writer", Role: "Content Writer", Goal: "Write posts", MaxIterations: 5, Order: 1, CreatedAt: now,
		Tools: models.JSONList{"search"}, LLMConfig: models.JSONMap{"temperature": 0.2}}
	require.NoError(t, store.SaveAgent(writer))
	require.NoError(t, store.SaveAgent(researcher))

	research := models.Task{ID: uuid.NewString(), CrewID: crew.ID, AgentID: &researcher.ID, Name: "Research topic", Description: "Research the topic", ExpectedOutput: "Notes", Order: 0, CreatedAt: now}
	write := models.Task{ID: uuid.NewString(), CrewID: crew.ID, AgentID: &writer.ID, Name: "Write article", Description: "Write the post", ExpectedOutput: "Article", Order: 1, CreatedAt: now,
		Dependencies: models.JSONList{research.ID}}
	require.NoError(t, store.SaveTask(write))
	require.NoError(t, store.SaveTask(research))

	crew, err := store.GetCrew(crew.ID)
	require.NoError(t, err)
	return fixture{store: store, tenant: tenant, crew: crew}
}

// queue stores a queued execution of the fixture crew.
func (f fixture) queue(t *testing.T, inputs models.JSONMap) models.Execution {
	t.Helper()
	now := time.Now()
	exec := models.Execution{
		ID:             uuid.NewString(),
		CrewID:         f.crew.ID,
		TenantID:       f.tenant.ID,
		Status:         models.QueuedExecutionStatus,
		InputVariables: inputs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.SaveExecution(exec))
	return exec
}

func (f fixture) execution(t *testing.T, id string) models.Execution {
	t.Helper()
	exec, err := f.store.GetExecution(id)
	require.NoError(t, err)
	return exec
}

func (f fixture) tenantTokens(t *testing.T) int64 {
	t.Helper()
	tenant, err := f.store.GetTenant(f.tenant.ID)
	require.NoError(t, err)
	return tenant.TokensUsedCurrent
}

func (f fixture) crewStats(t *testing.T) models.Crew {
	t.Helper()
	crew, err := f.store.GetCrew(f.crew.ID)
	require.NoError(t, err)
	return crew
}

// fakeWorker writes a shell script that stands in for the worker process
// and returns a supervisor running it and the script's directory.
func fakeWorker(t *testing.T, body string, timeout time.Duration) (*supervisor.Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "bridge.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755))
	return supervisor.New(supervisor.Config{
		Executable: "/bin/sh",
		Script:     script,
		Dir:        dir,
		Timeout:    timeout,
		WaitDelay:  500 * time.Millisecond,
	}, testLogger{}), dir
}

func newService(store storage.Store, runner service.ProcessRunner, apiKey string) *service.ExecutionService {
	backend := service.NewSubprocessBackend(runner, service.SubprocessConfig{APIKey: apiKey}, testLogger{})
	mock := service.NewMockBackend("gpt-4o-mini", 0, testLogger{})
	return service.NewExecutionService(store, backend, mock, testLogger{})
}

// workerLogs drops the entries written by the orchestrator itself.
func workerLogs(logs []models.ExecutionLog) []models.ExecutionLog {
	var out []models.ExecutionLog
	for _, l := range logs {
		if l.Data[service.LogSourceKey] == service.OrchestratorSource {
			continue
		}
		out = append(out, l)
	}
	return out
}

func messages(logs []models.ExecutionLog) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}
