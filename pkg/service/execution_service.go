package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/pkg/errors"
)

// ExecutionService runs crew executions and exposes them to callers.
//
// Execute is one attempt of the execution job. It always leaves the record
// in a terminal state unless the store itself is unavailable, and it does
// nothing for a record that is already terminal or owned by another
// attempt, so the queue may retry it freely.
type ExecutionService struct {
	store      storage.Store
	backend    Backend
	mock       Backend
	reconciler *Reconciler
	logger     Logger
}

func NewExecutionService(store storage.Store, backend, mock Backend, logger Logger) *ExecutionService {
	return &ExecutionService{
		store:      store,
		backend:    backend,
		mock:       mock,
		reconciler: NewReconciler(store, logger),
		logger:     logger,
	}
}

func (s *ExecutionService) backendFor(useMock bool) Backend {
	if useMock && s.mock != nil {
		return s.mock
	}
	return s.backend
}

// Execute runs the execution once and reconciles the outcome. The returned
// error is the run failure, already recorded on the execution.
func (s *ExecutionService) Execute(ctx context.Context, executionID string, useMock bool) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load execution %s", executionID)
	}
	switch exec.Status {
	case models.CompletedExecutionStatus, models.FailedExecutionStatus:
		s.logger.Infof("Execution %s is already %s, nothing to do", executionID, exec.Status)
		return nil
	case models.RunningExecutionStatus:
		s.logger.Warnf("Execution %s is already running, skipping", executionID)
		return nil
	}

	backend := s.backendFor(useMock)
	if backend == nil {
		return s.failEarly(exec, runErrorf(ConfigErrorKind, nil, "no execution backend configured"))
	}
	crew, err := s.store.GetCrew(exec.CrewID)
	if err != nil {
		return s.failEarly(exec, runErrorf(ConfigErrorKind, err, "failed to load crew %s", exec.CrewID))
	}
	if err := backend.Check(); err != nil {
		return s.failEarly(exec, err)
	}
	snapshot, err := BuildSnapshot(crew)
	if err != nil {
		return s.failEarly(exec, err)
	}

	err = s.store.MarkExecutionRunning(executionID, time.Now())
	if errors.Is(err, storage.ErrConflict) {
		s.logger.Warnf("Execution %s was picked up by another attempt, skipping", executionID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s running", executionID)
	}
	running, err := s.store.GetExecution(executionID)
	if err != nil {
		return s.failRunning(exec, runErrorf(InternalErrorKind, err, "failed to reload execution"))
	}
	exec = running
	s.logger.Infof("Running execution %s of crew %s with %s backend", executionID, crew.Name, backend.Name())

	sink := NewLogSink(s.store, executionID, s.logger)
	sink.Narrate(models.InfoLogLevel, fmt.Sprintf("Starting crew execution: %s", crew.Name))
	sink.Narrate(models.InfoLogLevel, fmt.Sprintf("Process type: %s", snapshot.ProcessType))
	sink.Narrate(models.InfoLogLevel, fmt.Sprintf("Agents: %d | Tasks: %d", len(snapshot.Agents), len(snapshot.Tasks)))

	out, runErr := backend.Run(ctx, Run{Execution: exec, Crew: crew, Snapshot: snapshot, Sink: sink})
	if runErr == nil && sink.Err() != nil {
		runErr = runErrorf(InternalErrorKind, sink.Err(), "failed to persist execution progress")
	}
	if runErr != nil {
		return s.failRunning(exec, runErr)
	}
	if err := s.reconciler.Succeed(exec, crew, out); err != nil {
		s.logger.Errorf("Failed to reconcile execution %s: %v", executionID, err)
		return s.failRunning(exec, runErrorf(InternalErrorKind, err, "failed to record results"))
	}
	return nil
}

func (s *ExecutionService) failEarly(exec models.Execution, cause error) error {
	s.logger.Errorf("Execution %s cannot start: %v", exec.ID, cause)
	return s.failRunning(exec, cause)
}

func (s *ExecutionService) failRunning(exec models.Execution, cause error) error {
	if err := s.reconciler.Fail(exec, cause); err != nil {
		s.logger.Errorf("Failed to record failure of execution %s: %v", exec.ID, err)
		return &UnreconciledError{Cause: cause, Err: err}
	}
	return cause
}

// Fail records cause on an execution whose attempts are exhausted. It
// does nothing if the execution is already terminal.
func (s *ExecutionService) Fail(ctx context.Context, executionID string, cause error) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return errors.Wrapf(err, "failed to load execution %s", executionID)
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	var unreconciled *UnreconciledError
	if errors.As(cause, &unreconciled) {
		cause = unreconciled.Cause
	}
	if cause == nil {
		cause = runErrorf(InternalErrorKind, nil, "execution job failed")
	}
	return s.reconciler.Fail(exec, cause)
}

// CreateExecution creates a queued execution of a crew owned by tenantID.
func (s *ExecutionService) CreateExecution(ctx context.Context, tenantID, crewID string, inputs models.JSONMap) (exec models.Execution, err error) {
	if _, err := s.store.GetTenant(tenantID); err != nil {
		return models.Execution{}, errors.Wrapf(err, "tenant %s", tenantID)
	}
	crew, err := s.store.GetCrew(crewID)
	if err != nil {
		return models.Execution{}, errors.Wrapf(err, "crew %s", crewID)
	}
	if crew.TenantID != tenantID {
		return models.Execution{}, errors.Wrapf(storage.ErrNotFound, "crew %s", crewID)
	}
	return s.saveQueued(tenantID, crewID, inputs, 0)
}

// Retry creates a new queued execution with the inputs of a failed one.
func (s *ExecutionService) Retry(ctx context.Context, executionID string) (models.Execution, error) {
	prev, err := s.store.GetExecution(executionID)
	if err != nil {
		return models.Execution{}, errors.Wrapf(err, "execution %s", executionID)
	}
	if prev.Status != models.FailedExecutionStatus {
		return models.Execution{}, errors.Wrapf(ErrNotRetryable, "execution %s is %s", executionID, prev.Status)
	}
	return s.saveQueued(prev.TenantID, prev.CrewID, prev.InputVariables, prev.RetryCount+1)
}

func (s *ExecutionService) saveQueued(tenantID, crewID string, inputs models.JSONMap, retryCount int) (exec models.Execution, err error) {
	if inputs == nil {
		inputs = models.JSONMap{}
	}
	now := time.Now()
	exec = models.Execution{
		ID:             uuid.NewString(),
		CrewID:         crewID,
		TenantID:       tenantID,
		Status:         models.QueuedExecutionStatus,
		InputVariables: inputs.Clone(),
		RetryCount:     retryCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Execution{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if err = txStore.SaveExecution(exec); err != nil {
		return models.Execution{}, errors.Wrap(err, "failed to save execution")
	}
	s.logger.Infof("Queued execution %s of crew %s", exec.ID, crewID)
	return exec, nil
}

func (s *ExecutionService) GetExecution(ctx context.Context, executionID string) (models.Execution, error) {
	return s.store.GetExecution(executionID)
}

// ListLogs returns the log entries of an execution in the order they were
// written.
func (s *ExecutionService) ListLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	if _, err := s.store.GetExecution(executionID); err != nil {
		return nil, err
	}
	return s.store.ListExecutionLogs(executionID)
}
