package service

import (
	"context"

	"github.com/ignatij/crewflow/pkg/models"
)

// Run is everything a backend needs to execute one crew run.
type Run struct {
	Execution models.Execution
	Crew      models.Crew
	Snapshot  models.Snapshot
	Sink      *LogSink
}

// TaskResult is the synthesized output of one task on the mock path.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	TaskName   string `json:"task_name"`
	Result     string `json:"result"`
	TokensUsed int64  `json:"tokens_used"`
}

// Outcome is a successful run as reported by a backend.
type Outcome struct {
	TokensUsed  int64
	Cost        float64
	FinalOutput interface{}
	TaskResults []TaskResult
	IsMock      bool
}

// Backend executes a crew run. Implementations stream logs and progress
// into the run's sink and return either an Outcome or a *RunError; the
// caller reconciles the record.
type Backend interface {
	Name() string
	// Check reports configuration problems that must fail the execution
	// before anything is launched.
	Check() error
	Run(ctx context.Context, run Run) (Outcome, error)
}
