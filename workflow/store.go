package workflow

import (
	"context"
	"time"

	"github.com/yaser2us/knoxpro-sub000/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	// Status filters by run status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for workflow runs. It is the
// durability boundary: no business logic lives behind it.
type Store interface {
	// CreateRun persists a new workflow run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a workflow run by ID.
	// Returns knoxpro.ErrRunNotFound if absent.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing workflow run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns workflow runs matching the given options,
	// newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// FindActiveRun returns the non-terminal run for the given template
	// and subject, or knoxpro.ErrRunNotFound if none exists. Used by the
	// trigger engine's deduplication gate.
	FindActiveRun(ctx context.Context, templateID id.TemplateID, subjectID string) (*Run, error)

	// DeleteRunsOlderThan removes runs in the given terminal statuses
	// whose CompletedAt is before the cutoff, along with their logs.
	// Returns the number of runs deleted.
	DeleteRunsOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error)
}

// LogStore defines the persistence contract for the append-only
// execution log.
type LogStore interface {
	// AppendLog persists a log entry. Entries are immutable once written.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// ListLogsByRun returns a run's log entries in creation order.
	// A limit of zero means no limit.
	ListLogsByRun(ctx context.Context, runID id.RunID, limit int) ([]*LogEntry, error)
}

// TriggerState is the per-template bookkeeping consulted by the
// cooldown and execution-cap gates. It is store state so both survive
// restarts.
type TriggerState struct {
	TemplateID      id.TemplateID `json:"template_id"`
	LastTriggeredAt time.Time     `json:"last_triggered_at"`
	Executions      int           `json:"executions"`
}

// TriggerStore defines the persistence contract for trigger
// bookkeeping.
type TriggerStore interface {
	// GetTriggerState returns the bookkeeping record for a template,
	// or nil if the template has never triggered.
	GetTriggerState(ctx context.Context, templateID id.TemplateID) (*TriggerState, error)

	// RecordTrigger increments the template's execution count and sets
	// its last-triggered timestamp.
	RecordTrigger(ctx context.Context, templateID id.TemplateID, at time.Time) error
}
