package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/pkg/errors"
)

// Reconciler finalizes executions. Each outcome is applied in a single
// transaction together with the tenant and crew accounting, and only if
// the execution is still in a state that allows it, so a record is
// finalized at most once.
type Reconciler struct {
	store  storage.Store
	logger Logger
	now    func() time.Time
}

func NewReconciler(store storage.Store, logger Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

type resultsDocument struct {
	FinalOutput      interface{}             `json:"final_output"`
	IsMock           bool                    `json:"is_mock"`
	TaskResults      []TaskResult            `json:"task_results,omitempty"`
	ExecutionSummary models.ExecutionSummary `json:"execution_summary"`
}

// Succeed completes a running execution, charges the tenant and folds the
// run into the crew statistics. It is a no-op if the execution is no
// longer running.
func (r *Reconciler) Succeed(exec models.Execution, crew models.Crew, out Outcome) (err error) {
	now := r.now()
	results, err := toJSONMap(resultsDocument{
		FinalOutput: out.FinalOutput,
		IsMock:      out.IsMock,
		TaskResults: out.TaskResults,
		ExecutionSummary: models.ExecutionSummary{
			CrewName:    crew.Name,
			ProcessType: string(crew.ProcessType),
			AgentsCount: len(crew.Agents),
			TasksCount:  len(crew.Tasks),
			TotalTokens: out.TokensUsed,
			Cost:        out.Cost,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}

	txStore, err := r.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				r.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			r.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	err = txStore.CompleteExecution(exec.ID, storage.Completion{
		CompletedAt:     now,
		TotalTokensUsed: out.TokensUsed,
		Cost:            out.Cost,
		Results:         results,
	})
	if errors.Is(err, storage.ErrConflict) {
		r.logger.Infof("Execution %s is no longer running, skipping completion", exec.ID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to complete execution %s", exec.ID)
	}
	if err = txStore.IncrementTenantTokens(exec.TenantID, out.TokensUsed); err != nil {
		return errors.Wrapf(err, "failed to charge tenant %s", exec.TenantID)
	}
	duration := exec.Duration(now).Seconds()
	if err = txStore.RecordCrewSuccess(exec.CrewID, duration, now); err != nil {
		return errors.Wrapf(err, "failed to update statistics of crew %s", exec.CrewID)
	}
	for _, msg := range []string{
		"Execution completed successfully",
		fmt.Sprintf("Total tokens used: %d", out.TokensUsed),
		fmt.Sprintf("Estimated cost: $%.4f", out.Cost),
	} {
		entry := newLogEntry(exec.ID, models.InfoLogLevel, msg, models.JSONMap{LogSourceKey: OrchestratorSource}, 0)
		if err = txStore.AppendExecutionLog(entry); err != nil {
			return errors.Wrap(err, "failed to append execution log")
		}
	}

	r.logger.Infof("Execution %s completed: %d tokens, cost $%.4f, %.1fs", exec.ID, out.TokensUsed, out.Cost, duration)
	return nil
}

// Fail moves a queued or running execution to failed with the cause as its
// error message and counts the failure against the crew. It is a no-op if
// the execution is already terminal.
func (r *Reconciler) Fail(exec models.Execution, cause error) (err error) {
	now := r.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	txStore, err := r.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				r.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			r.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	err = txStore.FailExecution(exec.ID, msg, now)
	if errors.Is(err, storage.ErrConflict) {
		r.logger.Infof("Execution %s is already finalized, skipping failure", exec.ID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s failed", exec.ID)
	}
	err = txStore.RecordCrewFailure(exec.CrewID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warnf("Crew %s of execution %s not found, statistics not updated", exec.CrewID, exec.ID)
		err = nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update statistics of crew %s", exec.CrewID)
	}
	entry := newLogEntry(exec.ID, models.ErrorLogLevel, "Execution failed: "+msg,
		models.JSONMap{LogSourceKey: OrchestratorSource, "kind": string(KindOf(cause))}, 0)
	if err = txStore.AppendExecutionLog(entry); err != nil {
		return errors.Wrap(err, "failed to append execution log")
	}

	r.logger.Errorf("Execution %s failed (%s): %s", exec.ID, KindOf(cause), msg)
	return nil
}

func toJSONMap(v interface{}) (models.JSONMap, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m models.JSONMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
