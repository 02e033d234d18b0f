package models

import "time"

type LogLevel string

const (
	DebugLogLevel   LogLevel = "debug"
	InfoLogLevel    LogLevel = "info"
	WarningLogLevel LogLevel = "warning"
	ErrorLogLevel   LogLevel = "error"
)

// ParseLogLevel maps the level strings emitted by workers onto the
// supported set. Unknown levels are recorded as info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return DebugLogLevel
	case "warning", "warn", "WARNING", "WARN":
		return WarningLogLevel
	case "error", "critical", "ERROR", "CRITICAL":
		return ErrorLogLevel
	default:
		return InfoLogLevel
	}
}

// ExecutionLog is one append-only audit entry of a crew execution.
type ExecutionLog struct {
	ID          string    `json:"id" db:"id"`                          // UUID
	ExecutionID string    `json:"execution_id" db:"crew_execution_id"` // Parent execution
	Seq         int64     `json:"seq" db:"seq"`                        // Insertion order
	Level       LogLevel  `json:"level" db:"level"`                    // debug, info, warning, error
	Message     string    `json:"message" db:"message"`                // Human readable text
	Data        JSONMap   `json:"data,omitempty" db:"data"`            // Structured metadata
	TokensUsed  int64     `json:"tokens_used" db:"tokens_used"`        // Defaults to 0
	LoggedAt    time.Time `json:"logged_at" db:"logged_at"`            // Timestamp of log entry
}
