package storage

import (
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional state transition matched
	// no row, e.g. finalizing an execution that is already terminal.
	ErrConflict = errors.New("state conflict")
)

// Completion holds the fields written when an execution completes.
type Completion struct {
	CompletedAt     time.Time
	TotalTokensUsed int64
	Cost            float64
	Results         models.JSONMap
}

// Store defines the storage operations for crew executions.
type Store interface {
	// Transactions
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Tenant operations
	SaveTenant(t models.Tenant) error
	GetTenant(id string) (models.Tenant, error)
	// IncrementTenantTokens adds delta to the tenant's usage counter in a
	// single atomic update.
	IncrementTenantTokens(id string, delta int64) error

	// Crew operations
	SaveCrew(c models.Crew) error
	SaveAgent(a models.Agent) error
	SaveTask(t models.Task) error
	// GetCrew returns the crew with its agents and tasks in order.
	GetCrew(id string) (models.Crew, error)
	// RecordCrewSuccess increments total and successful executions and
	// folds duration into the running average in one atomic update.
	RecordCrewSuccess(id string, durationSeconds float64, at time.Time) error
	// RecordCrewFailure increments total and failed executions.
	RecordCrewFailure(id string) error

	// Execution operations
	SaveExecution(e models.Execution) error
	GetExecution(id string) (models.Execution, error)
	ListExecutions(tenantID string) ([]models.Execution, error)
	// MarkExecutionRunning moves a queued execution to running. It returns
	// ErrConflict if the execution is not queued.
	MarkExecutionRunning(id string, startedAt time.Time) error
	// UpdateExecutionProgress only touches running executions.
	UpdateExecutionProgress(id string, progress int) error
	// CompleteExecution moves a running execution to completed, or returns
	// ErrConflict.
	CompleteExecution(id string, c Completion) error
	// FailExecution moves a queued or running execution to failed, or
	// returns ErrConflict.
	FailExecution(id string, errMsg string, completedAt time.Time) error

	// Execution log operations
	AppendExecutionLog(l models.ExecutionLog) error
	ListExecutionLogs(executionID string) ([]models.ExecutionLog, error)
}
