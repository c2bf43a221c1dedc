package bunstore

import (
	"context"
	"fmt"

	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// AppendLog persists a log entry.
func (s *Store) AppendLog(ctx context.Context, entry *workflow.LogEntry) error {
	m, err := toLogModel(entry)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("knoxpro/bun: append log: %w", err)
	}
	return nil
}

// ListLogsByRun returns a run's log entries in creation order. A zero
// limit returns all entries.
func (s *Store) ListLogsByRun(ctx context.Context, runID id.RunID, limit int) ([]*workflow.LogEntry, error) {
	var models []logModel
	q := s.db.NewSelect().Model(&models).
		Where("run_id = ?", runID.String()).
		OrderExpr("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("knoxpro/bun: list logs: %w", err)
	}

	entries := make([]*workflow.LogEntry, 0, len(models))
	for i := range models {
		entry, convErr := fromLogModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("knoxpro/bun: list logs convert: %w", convErr)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
