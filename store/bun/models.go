package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// ── Run model ─────────────────────────────────────────────────────

type runModel struct {
	bun.BaseModel `bun:"table:knoxpro_runs"`

	ID              string     `bun:"id,pk"`
	SubjectID       string     `bun:"subject_id,notnull,default:''"`
	TemplateID      string     `bun:"template_id,notnull"`
	TemplateName    string     `bun:"template_name,notnull,default:''"`
	TemplateVersion int        `bun:"template_version,notnull,default:1"`
	Status          string     `bun:"status,notnull"`
	CurrentStepID   string     `bun:"current_step_id,notnull,default:''"`
	Context         []byte     `bun:"context,notnull,type:jsonb"`
	Progress        int        `bun:"progress,notnull,default:0"`
	Attempts        int        `bun:"attempts,notnull,default:0"`
	ResumeAt        *time.Time `bun:"resume_at"`
	StepDeadline    *time.Time `bun:"step_deadline"`
	Error           string     `bun:"error,notnull,default:''"`
	StartedAt       time.Time  `bun:"started_at,notnull"`
	CompletedAt     *time.Time `bun:"completed_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toRunModel(run *workflow.Run) (*runModel, error) {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: marshal run context: %w", err)
	}
	return &runModel{
		ID:              run.ID.String(),
		SubjectID:       run.SubjectID,
		TemplateID:      run.TemplateID.String(),
		TemplateName:    run.TemplateName,
		TemplateVersion: run.TemplateVersion,
		Status:          string(run.Status),
		CurrentStepID:   run.CurrentStepID,
		Context:         contextJSON,
		Progress:        run.Progress,
		Attempts:        run.Attempts,
		ResumeAt:        run.ResumeAt,
		StepDeadline:    run.StepDeadline,
		Error:           run.Error,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}, nil
}

func fromRunModel(m *runModel) (*workflow.Run, error) {
	runID, err := id.ParseRunID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: parse run id %q: %w", m.ID, err)
	}
	templateID, err := id.ParseTemplateID(m.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: parse template id %q: %w", m.TemplateID, err)
	}

	run := &workflow.Run{
		Entity: knoxpro.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              runID,
		SubjectID:       m.SubjectID,
		TemplateID:      templateID,
		TemplateName:    m.TemplateName,
		TemplateVersion: m.TemplateVersion,
		Status:          workflow.Status(m.Status),
		CurrentStepID:   m.CurrentStepID,
		Progress:        m.Progress,
		Attempts:        m.Attempts,
		ResumeAt:        m.ResumeAt,
		StepDeadline:    m.StepDeadline,
		Error:           m.Error,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
	}
	if err := json.Unmarshal(m.Context, &run.Context); err != nil {
		return nil, fmt.Errorf("knoxpro/bun: unmarshal run context: %w", err)
	}
	return run, nil
}

// ── Log model ─────────────────────────────────────────────────────

type logModel struct {
	bun.BaseModel `bun:"table:knoxpro_logs"`

	ID        string    `bun:"id,pk"`
	RunID     string    `bun:"run_id,notnull,default:''"`
	StepID    string    `bun:"step_id,notnull,default:''"`
	Type      string    `bun:"type,notnull"`
	Message   string    `bun:"message,notnull,default:''"`
	Metadata  []byte    `bun:"metadata,type:jsonb"`
	ActorID   string    `bun:"actor_id,notnull,default:''"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toLogModel(entry *workflow.LogEntry) (*logModel, error) {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("knoxpro/bun: marshal log metadata: %w", err)
		}
	}
	return &logModel{
		ID:        entry.ID.String(),
		RunID:     entry.RunID.String(),
		StepID:    entry.StepID,
		Type:      string(entry.Type),
		Message:   entry.Message,
		Metadata:  metadata,
		ActorID:   entry.ActorID,
		CreatedAt: entry.CreatedAt,
	}, nil
}

func fromLogModel(m *logModel) (*workflow.LogEntry, error) {
	logID, err := id.ParseLogID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: parse log id %q: %w", m.ID, err)
	}

	entry := &workflow.LogEntry{
		ID:        logID,
		StepID:    m.StepID,
		Type:      workflow.LogType(m.Type),
		Message:   m.Message,
		ActorID:   m.ActorID,
		CreatedAt: m.CreatedAt,
	}
	if m.RunID != "" {
		if entry.RunID, err = id.ParseRunID(m.RunID); err != nil {
			return nil, fmt.Errorf("knoxpro/bun: parse run id %q: %w", m.RunID, err)
		}
	}
	if m.Metadata != nil {
		if err := json.Unmarshal(m.Metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("knoxpro/bun: unmarshal log metadata: %w", err)
		}
	}
	return entry, nil
}

// ── Template model ────────────────────────────────────────────────

type templateModel struct {
	bun.BaseModel `bun:"table:knoxpro_templates"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Version   int       `bun:"version,notnull,default:1"`
	Priority  int       `bun:"priority,notnull,default:0"`
	IsActive  bool      `bun:"is_active,notnull,default:true"`
	Triggers  []byte    `bun:"triggers,notnull,type:jsonb"`
	DSL       []byte    `bun:"dsl,notnull,type:jsonb"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toTemplateModel(t *template.Template) (*templateModel, error) {
	triggersJSON, err := json.Marshal(t.Triggers)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: marshal triggers: %w", err)
	}
	dslJSON, err := json.Marshal(t.DSL)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: marshal dsl: %w", err)
	}
	return &templateModel{
		ID:        t.ID.String(),
		Name:      t.Name,
		Version:   t.Version,
		Priority:  t.Priority,
		IsActive:  t.IsActive,
		Triggers:  triggersJSON,
		DSL:       dslJSON,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}, nil
}

func fromTemplateModel(m *templateModel) (*template.Template, error) {
	templateID, err := id.ParseTemplateID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: parse template id %q: %w", m.ID, err)
	}

	t := &template.Template{
		Entity: knoxpro.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:       templateID,
		Name:     m.Name,
		Version:  m.Version,
		Priority: m.Priority,
		IsActive: m.IsActive,
	}
	if err := json.Unmarshal(m.Triggers, &t.Triggers); err != nil {
		return nil, fmt.Errorf("knoxpro/bun: unmarshal triggers: %w", err)
	}
	if err := json.Unmarshal(m.DSL, &t.DSL); err != nil {
		return nil, fmt.Errorf("knoxpro/bun: unmarshal dsl: %w", err)
	}
	return t, nil
}

// ── Trigger state model ───────────────────────────────────────────

type triggerModel struct {
	bun.BaseModel `bun:"table:knoxpro_triggers"`

	TemplateID      string    `bun:"template_id,pk"`
	LastTriggeredAt time.Time `bun:"last_triggered_at,notnull"`
	Executions      int       `bun:"executions,notnull,default:0"`
}
