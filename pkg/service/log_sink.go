package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// LogSourceKey marks entries written by the orchestrator itself rather
	// than relayed from the worker.
	LogSourceKey = "source"
	// OrchestratorSource is the LogSourceKey value of orchestrator entries.
	OrchestratorSource = "crewflow"
)

// LogSink persists the log entries and progress updates of one running
// execution in the order they are reported. The first persistence failure
// is kept and reported by Err; later writes are still attempted.
type LogSink struct {
	store       storage.Store
	executionID string
	logger      Logger
	mu          sync.Mutex
	err         error
	progress    int
}

func NewLogSink(store storage.Store, executionID string, logger Logger) *LogSink {
	return &LogSink{store: store, executionID: executionID, logger: logger}
}

// Log appends one entry. A nil data map is stored as an empty object.
func (s *LogSink) Log(level models.LogLevel, message string, data models.JSONMap, tokensUsed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.AppendExecutionLog(newLogEntry(s.executionID, level, message, data, tokensUsed)); err != nil {
		s.logger.Errorf("Failed to append log for execution %s: %v", s.executionID, err)
		s.record(errors.Wrap(err, "failed to append execution log"))
	}
}

// Narrate appends an orchestrator entry.
func (s *LogSink) Narrate(level models.LogLevel, message string) {
	s.Log(level, message, models.JSONMap{LogSourceKey: OrchestratorSource}, 0)
}

// Progress persists an advisory progress value. Values may go backwards.
func (s *LogSink) Progress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.UpdateExecutionProgress(s.executionID, progress)
	switch {
	case errors.Is(err, storage.ErrConflict):
		s.logger.Debugf("Ignoring progress %d for execution %s: no longer running", progress, s.executionID)
	case err != nil:
		s.logger.Errorf("Failed to update progress of execution %s: %v", s.executionID, err)
		s.record(errors.Wrap(err, "failed to update execution progress"))
	default:
		s.progress = progress
	}
}

// LastProgress returns the last progress value that was persisted.
func (s *LogSink) LastProgress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Err returns the first persistence failure, if any.
func (s *LogSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *LogSink) record(err error) {
	if s.err == nil {
		s.err = err
	}
}

func newLogEntry(executionID string, level models.LogLevel, message string, data models.JSONMap, tokensUsed int64) models.ExecutionLog {
	if data == nil {
		data = models.JSONMap{}
	}
	return models.ExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Data:        data,
		TokensUsed:  tokensUsed,
		LoggedAt:    time.Now(),
	}
}
