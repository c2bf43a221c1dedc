package workflow

import (
	"time"

	"github.com/yaser2us/knoxpro-sub000/id"
)

// LogType classifies a workflow log entry.
type LogType string

const (
	LogTriggered     LogType = "triggered"
	LogTriggerError  LogType = "trigger_error"
	LogStarted       LogType = "started"
	LogPaused        LogType = "paused"
	LogResumed       LogType = "resumed"
	LogStepStarted   LogType = "step_started"
	LogStepCompleted LogType = "step_completed"
	LogStepFailed    LogType = "step_failed"
	LogStepSkipped   LogType = "step_skipped"
	LogTimeout       LogType = "timeout"
	LogCompleted     LogType = "completed"
	LogFailed        LogType = "failed"
	LogCancelled     LogType = "cancelled"
	LogRecovery      LogType = "recovery"
)

// LogEntry is one record in a run's append-only execution log. Entries
// are never mutated or deleted except by the age-based retention sweep.
// RunID is Nil for trigger-level entries that precede run creation.
type LogEntry struct {
	ID        id.LogID       `json:"id"`
	RunID     id.RunID       `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Type      LogType        `json:"type"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewLogEntry creates a log entry with a fresh ID and UTC timestamp.
func NewLogEntry(runID id.RunID, typ LogType, message string) *LogEntry {
	return &LogEntry{
		ID:        id.NewLogID(),
		RunID:     runID,
		Type:      typ,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}
