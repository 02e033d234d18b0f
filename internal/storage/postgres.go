package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const (
	tenantColumns    = "id, name, tokens_monthly_limit, tokens_used_current, created_at, updated_at"
	crewColumns      = "id, tenant_id, name, description, process_type, total_executions, successful_executions, failed_executions, average_execution_time, last_execution_at, created_at, updated_at"
	agentColumns     = "id, crew_id, name, role, goal, backstory, allow_delegation, verbose, max_iterations, tools, llm_config, position, created_at"
	taskColumns      = "id, crew_id, agent_id, name, description, expected_output, context, dependencies, position, created_at"
	executionColumns = "id, crew_id, tenant_id, status, progress, input_variables, started_at, completed_at, total_tokens_used, cost, results, error_message, retry_count, created_at, updated_at"
	logColumns       = "id, seq, crew_execution_id, level, message, data, tokens_used, logged_at"
)

func (s *PostgresStore) SaveTenant(t models.Tenant) error {
	_, err := s.db.Exec("INSERT INTO tenants ("+tenantColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		t.ID, t.Name, t.TokensMonthlyLimit, t.TokensUsedCurrent, orNow(t.CreatedAt), orNow(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(id string) (models.Tenant, error) {
	var t models.Tenant
	err := s.db.Get(&t, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Tenant{}, storage.ErrNotFound
	}
	return t, err
}

// IncrementTenantTokens adds delta in one statement so concurrent charges
// never lose an update.
func (s *PostgresStore) IncrementTenantTokens(id string, delta int64) error {
	res, err := s.db.Exec(`
		UPDATE tenants
		SET tokens_used_current = tokens_used_current + $2,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, delta)
	return requireRow(res, err, storage.ErrNotFound)
}

func (s *PostgresStore) SaveCrew(c models.Crew) error {
	_, err := s.db.Exec("INSERT INTO crews ("+crewColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		c.ID, c.TenantID, c.Name, c.Description, c.ProcessType, c.TotalExecutions, c.SuccessfulExecutions,
		c.FailedExecutions, c.AverageExecutionTime, c.LastExecutionAt, orNow(c.CreatedAt), orNow(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save crew %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveAgent(a models.Agent) error {
	_, err := s.db.Exec("INSERT INTO crew_agents ("+agentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		a.ID, a.CrewID, a.Name, a.Role, a.Goal, a.Backstory, a.AllowDelegation, a.Verbose, a.MaxIterations,
		a.Tools, a.LLMConfig, a.Order, orNow(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec("INSERT INTO crew_tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		t.ID, t.CrewID, t.AgentID, t.Name, t.Description, t.ExpectedOutput, t.Context, t.Dependencies, t.Order, orNow(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetCrew retrieves a crew by ID, including its agents and tasks in order
func (s *PostgresStore) GetCrew(id string) (models.Crew, error) {
	var c models.Crew
	err := s.db.Get(&c, "SELECT "+crewColumns+" FROM crews WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Crew{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Crew{}, err
	}

	err = s.db.Select(&c.Agents, "SELECT "+agentColumns+" FROM crew_agents WHERE crew_id = $1 ORDER BY position, created_at", id)
	if err != nil {
		return models.Crew{}, fmt.Errorf("get crew %s agents: %w", id, err)
	}
	err = s.db.Select(&c.Tasks, "SELECT "+taskColumns+" FROM crew_tasks WHERE crew_id = $1 ORDER BY position, created_at", id)
	if err != nil {
		return models.Crew{}, fmt.Errorf("get crew %s tasks: %w", id, err)
	}
	return c, nil
}

// RecordCrewSuccess folds one successful run into the crew statistics. The
// right-hand sides see the pre-update row, so the average is recomputed
// against the incremented total in the same statement.
func (s *PostgresStore) RecordCrewSuccess(id string, durationSeconds float64, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE crews
		SET total_executions = total_executions + 1,
		successful_executions = successful_executions + 1,
		average_execution_time = (average_execution_time * total_executions + $2) / (total_executions + 1),
		last_execution_at = $3,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, durationSeconds, at)
	return requireRow(res, err, storage.ErrNotFound)
}

func (s *PostgresStore) RecordCrewFailure(id string) error {
	res, err := s.db.Exec(`
		UPDATE crews
		SET total_executions = total_executions + 1,
		failed_executions = failed_executions + 1,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id)
	return requireRow(res, err, storage.ErrNotFound)
}

func (s *PostgresStore) SaveExecution(e models.Execution) error {
	_, err := s.db.Exec("INSERT INTO crew_executions ("+executionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		e.ID, e.CrewID, e.TenantID, e.Status, e.Progress, e.InputVariables, e.StartedAt, e.CompletedAt,
		e.TotalTokensUsed, e.Cost, e.Results, e.ErrorMessage, e.RetryCount, orNow(e.CreatedAt), orNow(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(id string) (models.Execution, error) {
	var e models.Execution
	err := s.db.Get(&e, "SELECT "+executionColumns+" FROM crew_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Execution{}, storage.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListExecutions(tenantID string) ([]models.Execution, error) {
	executions := []models.Execution{}
	query := "SELECT " + executionColumns + " FROM crew_executions WHERE ($1 = '' OR tenant_id = $1) ORDER BY created_at DESC"
	if err := s.db.Select(&executions, query, tenantID); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *PostgresStore) MarkExecutionRunning(id string, startedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE crew_executions
		SET status = 'running', started_at = $2, progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'queued'`, id, startedAt)
	return s.transitioned(id, res, err)
}

func (s *PostgresStore) UpdateExecutionProgress(id string, progress int) error {
	res, err := s.db.Exec(`
		UPDATE crew_executions
		SET progress = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'running'`, id, progress)
	return s.transitioned(id, res, err)
}

func (s *PostgresStore) CompleteExecution(id string, c storage.Completion) error {
	res, err := s.db.Exec(`
		UPDATE crew_executions
		SET status = 'completed', progress = 100, completed_at = $2,
		total_tokens_used = $3, cost = $4, results = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'running'`, id, c.CompletedAt, c.TotalTokensUsed, c.Cost, c.Results)
	return s.transitioned(id, res, err)
}

func (s *PostgresStore) FailExecution(id string, errMsg string, completedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE crew_executions
		SET status = 'failed', progress = 0, completed_at = $2, error_message = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('queued', 'running')`, id, completedAt, errMsg)
	return s.transitioned(id, res, err)
}

// transitioned maps a conditional update that matched no row to
// ErrNotFound or ErrConflict.
func (s *PostgresStore) transitioned(id string, res sql.Result, err error) error {
	if err := requireRow(res, err, storage.ErrConflict); err != storage.ErrConflict {
		return err
	}
	var exists bool
	if err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM crew_executions WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func (s *PostgresStore) AppendExecutionLog(l models.ExecutionLog) error {
	_, err := s.db.Exec(`
		INSERT INTO crew_execution_logs (id, crew_execution_id, level, message, data, tokens_used, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.ExecutionID, l.Level, l.Message, l.Data, l.TokensUsed, orNow(l.LoggedAt))
	if err != nil {
		return fmt.Errorf("append log to execution %s: %w", l.ExecutionID, err)
	}
	return nil
}

// ListExecutionLogs returns the logs of an execution in insertion order
func (s *PostgresStore) ListExecutionLogs(executionID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.Select(&logs, "SELECT "+logColumns+" FROM crew_execution_logs WHERE crew_execution_id = $1 ORDER BY seq", executionID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// requireRow returns none if an update succeeded but touched no row.
func requireRow(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
