package workflow

import (
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	// StatusRunning means the run is actively executing steps.
	StatusRunning Status = "running"
	// StatusPaused means an operator suspended the run.
	StatusPaused Status = "paused"
	// StatusWaiting means the run is parked on a delay until ResumeAt.
	StatusWaiting Status = "waiting"
	// StatusCompleted means the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the run failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was cancelled by an operator or event.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Resumable reports whether a run in this status may be resumed.
func (s Status) Resumable() bool {
	return s == StatusWaiting || s == StatusPaused
}

// HistoryEntry records the outcome of one executed step.
type HistoryEntry struct {
	StepID   string         `json:"step_id"`
	StepName string         `json:"step_name,omitempty"`
	Outcome  string         `json:"outcome"` // completed, failed, timeout, skipped
	Result   map[string]any `json:"result,omitempty"`
	At       time.Time      `json:"at"`
}

// Context is the mutable bag threaded through a run's steps: the seed
// document data, variables written by step outputs, and the execution
// history.
type Context struct {
	Data      map[string]any `json:"data,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	History   []HistoryEntry `json:"history,omitempty"`
}

// Clone returns a deep-enough copy for handing to step executors: the
// maps are copied one level down, history is copied fully.
func (c Context) Clone() Context {
	out := Context{
		Data:      make(map[string]any, len(c.Data)),
		Variables: make(map[string]any, len(c.Variables)),
		History:   make([]HistoryEntry, len(c.History)),
	}
	for k, v := range c.Data {
		out.Data[k] = v
	}
	for k, v := range c.Variables {
		out.Variables[k] = v
	}
	copy(out.History, c.History)
	return out
}

// Run represents a single execution of a workflow template against a
// subject document or resource.
//
// Invariants: at most one non-terminal run exists per (TemplateID,
// SubjectID) pair; CurrentStepID always names a step in the associated
// template version.
type Run struct {
	knoxpro.Entity

	ID              id.RunID      `json:"id"`
	SubjectID       string        `json:"subject_id"`
	TemplateID      id.TemplateID `json:"template_id"`
	TemplateName    string        `json:"template_name"`
	TemplateVersion int           `json:"template_version"`
	Status          Status        `json:"status"`
	CurrentStepID   string        `json:"current_step_id,omitempty"`
	Context         Context       `json:"context"`

	// Progress is the completed-step percentage, recomputed on each
	// step transition.
	Progress int `json:"progress"`

	// Attempts counts retries of the current step; reset on advance.
	Attempts int `json:"attempts,omitempty"`

	// ResumeAt is set while the run is waiting on a delay step. The
	// sweep resumes runs whose ResumeAt is due.
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	// StepDeadline is set when the current step has a timeout. The sweep
	// enforces deadlines that outlive process-local timers.
	StepDeadline *time.Time `json:"step_deadline,omitempty"`

	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
