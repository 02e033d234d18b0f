package models

import "time"

type ExecutionStatus string

const (
	QueuedExecutionStatus    ExecutionStatus = "queued"
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == CompletedExecutionStatus || s == FailedExecutionStatus
}

// Execution is the durable state of one crew run.
type Execution struct {
	ID              string          `json:"id" db:"id"`                                 // UUID
	CrewID          string          `json:"crew_id" db:"crew_id"`                       // Crew being executed
	TenantID        string          `json:"tenant_id" db:"tenant_id"`                   // Tenant billed for the run
	Status          ExecutionStatus `json:"status" db:"status"`                         // queued, running, completed, failed
	Progress        int             `json:"progress" db:"progress"`                     // 0-100, advisory
	InputVariables  JSONMap         `json:"input_variables" db:"input_variables"`       // Passed through to the worker untouched
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`       // Set when the job enters running
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`   // Set on completed or failed
	TotalTokensUsed int64           `json:"total_tokens_used" db:"total_tokens_used"`   // Zero until completed
	Cost            float64         `json:"cost" db:"cost"`                             // Zero until completed
	Results         JSONMap         `json:"results,omitempty" db:"results"`             // Final output and summary, success only
	ErrorMessage    string          `json:"error_message,omitempty" db:"error_message"` // Failure only
	RetryCount      int             `json:"retry_count" db:"retry_count"`               // Number of caller-initiated retries
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`                 // Creation timestamp
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`                 // Last update timestamp
}

// Duration returns how long the execution ran, or zero if it has not
// started. A running execution is measured against now.
func (e Execution) Duration(now time.Time) time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	end := now
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	if end.Before(*e.StartedAt) {
		return 0
	}
	return end.Sub(*e.StartedAt)
}

// ExecutionSummary is stored under results.execution_summary on success.
type ExecutionSummary struct {
	CrewName    string  `json:"crew_name"`
	ProcessType string  `json:"process_type"`
	AgentsCount int     `json:"agents_count"`
	TasksCount  int     `json:"tasks_count"`
	TotalTokens int64   `json:"total_tokens"`
	Cost        float64 `json:"cost"`
}
