package models

// Job is the queue message that asks a worker to run one execution.
type Job struct {
	ExecutionID string `json:"execution_id"`
	UseMock     bool   `json:"use_mock"`
}
