package models

import "time"

type ProcessType string

const (
	SequentialProcessType   ProcessType = "sequential"
	HierarchicalProcessType ProcessType = "hierarchical"
)

// Crew is a named set of agents and tasks executed together. The
// statistics fields are maintained incrementally by the reconciler.
type Crew struct {
	ID                   string      `json:"id" db:"id"`
	TenantID             string      `json:"tenant_id" db:"tenant_id"`
	Name                 string      `json:"name" db:"name"`
	Description          string      `json:"description,omitempty" db:"description"`
	ProcessType          ProcessType `json:"process_type" db:"process_type"`
	TotalExecutions      int64       `json:"total_executions" db:"total_executions"`
	SuccessfulExecutions int64       `json:"successful_executions" db:"successful_executions"`
	FailedExecutions     int64       `json:"failed_executions" db:"failed_executions"`
	AverageExecutionTime float64     `json:"average_execution_time" db:"average_execution_time"` // Seconds
	LastExecutionAt      *time.Time  `json:"last_execution_at,omitempty" db:"last_execution_at"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
	Agents               []Agent     `json:"agents,omitempty"` // Populated at runtime, ordered
	Tasks                []Task      `json:"tasks,omitempty"`  // Populated at runtime, ordered
}

// Agent is one member of a crew.
type Agent struct {
	ID              string    `json:"id" db:"id"`
	CrewID          string    `json:"crew_id" db:"crew_id"`
	Name            string    `json:"name" db:"name"`
	Role            string    `json:"role" db:"role"`
	Goal            string    `json:"goal" db:"goal"`
	Backstory       string    `json:"backstory" db:"backstory"`
	AllowDelegation bool      `json:"allow_delegation" db:"allow_delegation"`
	Verbose         bool      `json:"verbose" db:"verbose"`
	MaxIterations   int       `json:"max_iterations" db:"max_iterations"`
	Tools           JSONList  `json:"tools" db:"tools"`
	LLMConfig       JSONMap   `json:"llm_config" db:"llm_config"`
	Order           int       `json:"order" db:"position"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Task is a unit of work assigned to an agent.
type Task struct {
	ID             string    `json:"id" db:"id"`
	CrewID         string    `json:"crew_id" db:"crew_id"`
	AgentID        *string   `json:"agent_id,omitempty" db:"agent_id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description" db:"description"`
	ExpectedOutput string    `json:"expected_output" db:"expected_output"`
	Context        JSONList  `json:"context" db:"context"`
	Dependencies   JSONList  `json:"dependencies" db:"dependencies"`
	Order          int       `json:"order" db:"position"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
