package postgres

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
	var state workflow.TriggerState
	err := s.pool.QueryRow(ctx, `
		SELECT last_triggered_at, executions
		FROM knoxpro_triggers WHERE template_id = $1`,
		templateID.String(),
	).Scan(&state.LastTriggeredAt, &state.Executions)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("knoxpro/postgres: get trigger state: %w", err)
	}
	state.TemplateID = templateID
	return &state, nil
}

// RecordTrigger increments the template's execution count and sets its
// last-triggered timestamp.
func (s *Store) RecordTrigger(ctx context.Context, templateID id.TemplateID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO knoxpro_triggers (template_id, last_triggered_at, executions)
		VALUES ($1, $2, 1)
		ON CONFLICT (template_id) DO UPDATE SET
			last_triggered_at = EXCLUDED.last_triggered_at,
			executions = knoxpro_triggers.executions + 1`,
		templateID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: record trigger: %w", err)
	}
	return nil
}
