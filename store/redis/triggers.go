package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// ────────────────────────── workflow.TriggerStore ──────────────────────────

func (s *Store) GetTriggerState(ctx context.Context, templateID id.TemplateID) (*workflow.TriggerState, error) {
	fields, err := s.client.HGetAll(ctx, triggerKey(templateID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis get trigger state: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	state := &workflow.TriggerState{
		TemplateID:      templateID,
		LastTriggeredAt: parseTime(fields["last_triggered_at"]),
	}
	state.Executions, _ = strconv.Atoi(fields["executions"])
	return state, nil
}

// RecordTrigger bumps the execution counter atomically via HIncrBy so
// concurrent triggers never lose counts.
func (s *Store) RecordTrigger(ctx context.Context, templateID id.TemplateID, at time.Time) error {
	key := triggerKey(templateID.String())
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "template_id", templateID.String(), "last_triggered_at", at.Format(time.RFC3339Nano))
	pipe.HIncrBy(ctx, key, "executions", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("knoxpro: redis record trigger: %w", err)
	}
	return nil
}
