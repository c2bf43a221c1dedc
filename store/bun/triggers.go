package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// GetTriggerState returns the bookkeeping record for a template, or nil
// if the template has never triggered.
func (s *Store) GetTriggerState(ctx context.Context, templateID id.TemplateID) (*workflow.TriggerState, error) {
	m := new(triggerModel)
	err := s.db.NewSelect().Model(m).
		Where("template_id = ?", templateID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("knoxpro/bun: get trigger state: %w", err)
	}
	return &workflow.TriggerState{
		TemplateID:      templateID,
		LastTriggeredAt: m.LastTriggeredAt,
		Executions:      m.Executions,
	}, nil
}

// RecordTrigger increments the template's execution count and sets its
// last-triggered timestamp.
func (s *Store) RecordTrigger(ctx context.Context, templateID id.TemplateID, at time.Time) error {
	m := &triggerModel{
		TemplateID:      templateID.String(),
		LastTriggeredAt: at,
		Executions:      1,
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (template_id) DO UPDATE").
		Set("last_triggered_at = EXCLUDED.last_triggered_at").
		Set("executions = knoxpro_triggers.executions + 1").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("knoxpro/bun: record trigger: %w", err)
	}
	return nil
}
