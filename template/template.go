// Package template defines workflow templates: trigger rules, conditions,
// and the step DSL, together with parsing, validation, condition
// evaluation, and the template source cache used by the trigger engine.
package template

import (
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpRegex       Operator = "regex"
)

// StepType identifies the executor for a step.
type StepType string

const (
	StepModuleTask   StepType = "module_task"
	StepApproval     StepType = "approval"
	StepNotification StepType = "notification"
	StepDelay        StepType = "delay"
	StepCondition    StepType = "condition"
	StepParallel     StepType = "parallel"
	StepManual       StepType = "manual"
)

// Condition is a single predicate over the trigger evaluation context
// (document and user fields, addressed by dot path).
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// TriggerRule decides whether an incoming event should start a run.
// Events may contain wildcard patterns ("*" within a segment, "**"
// across segments).
type TriggerRule struct {
	Events          []string    `json:"events"`
	EntityTypes     []string    `json:"entityTypes,omitempty"`
	Conditions      []Condition `json:"conditions,omitempty"`
	CooldownSeconds int         `json:"cooldownSeconds,omitempty"`
	MaxExecutions   int         `json:"maxExecutions,omitempty"`
}

// Branch is one predicate of a condition step: the first branch whose
// predicate holds routes the run to NextStep.
type Branch struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	NextStep string   `json:"nextStep"`
}

// Step is one unit of work in a template's DSL.
type Step struct {
	ID             string         `json:"id"`
	Type           StepType       `json:"type"`
	Name           string         `json:"name,omitempty"`
	Module         string         `json:"module,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout,omitempty"`
	RetryCount     int            `json:"retryCount,omitempty"`
	NextSteps      []string       `json:"nextSteps,omitempty"`
	Conditions     []Branch       `json:"conditions,omitempty"`
}

// Timeout returns the step's execution deadline as a duration, or zero
// when the step has no deadline.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DSL is a template's step graph.
type DSL struct {
	StartStep string `json:"startStep"`
	Steps     []Step `json:"steps"`
}

// Template is a workflow definition with its trigger rules and step DSL.
type Template struct {
	knoxpro.Entity

	ID       id.TemplateID `json:"id"`
	Name     string        `json:"name"`
	Version  int           `json:"version"`
	Priority int           `json:"priority"`
	IsActive bool          `json:"isActive"`
	Triggers []TriggerRule `json:"triggers"`
	DSL      DSL           `json:"dsl"`
}

// Step returns the step with the given id, or nil.
func (t *Template) Step(stepID string) *Step {
	for i := range t.DSL.Steps {
		if t.DSL.Steps[i].ID == stepID {
			return &t.DSL.Steps[i]
		}
	}
	return nil
}

// StartStep returns the entry step of the DSL, or nil if unresolvable.
func (t *Template) StartStep() *Step {
	return t.Step(t.DSL.StartStep)
}
