package models

// Snapshot is the crew configuration handed to the worker process for a
// single execution. It is built once per run and never persisted.
type Snapshot struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ProcessType ProcessType     `json:"process_type"`
	Agents      []SnapshotAgent `json:"agents"`
	Tasks       []SnapshotTask  `json:"tasks"`
}

type SnapshotAgent struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Role            string   `json:"role"`
	Goal            string   `json:"goal"`
	Backstory       string   `json:"backstory"`
	AllowDelegation bool     `json:"allow_delegation"`
	Verbose         bool     `json:"verbose"`
	MaxIterations   int      `json:"max_iterations"`
	Tools           JSONList `json:"tools"`
	LLMConfig       JSONMap  `json:"llm_config"`
}

type SnapshotTask struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	AgentID        *string  `json:"agent_id"`
	Context        JSONList `json:"context"`
	Dependencies   JSONList `json:"dependencies"`
}
