package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// AppendLog persists a log entry.
func (s *Store) AppendLog(ctx context.Context, entry *workflow.LogEntry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("knoxpro/postgres: marshal log metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO knoxpro_logs (
			id, run_id, step_id, type, message, metadata, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID.String(), entry.RunID.String(), entry.StepID,
		string(entry.Type), entry.Message, metadata,
		entry.ActorID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: append log: %w", err)
	}
	return nil
}

// ListLogsByRun returns a run's log entries in creation order. A zero
// limit returns all entries.
func (s *Store) ListLogsByRun(ctx context.Context, runID id.RunID, limit int) ([]*workflow.LogEntry, error) {
	query := `
		SELECT id, run_id, step_id, type, message, metadata, actor_id, created_at
		FROM knoxpro_logs
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, runID.String())
	if err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: list logs: %w", err)
	}
	defer rows.Close()

	var entries []*workflow.LogEntry
	for rows.Next() {
		entry, scanErr := scanLog(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("knoxpro/postgres: scan log: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: iterate logs: %w", err)
	}
	return entries, nil
}

func scanLog(row pgx.Row) (*workflow.LogEntry, error) {
	var (
		entry    workflow.LogEntry
		rawID    string
		rawRun   string
		rawType  string
		metadata []byte
	)
	err := row.Scan(
		&rawID, &rawRun, &entry.StepID, &rawType,
		&entry.Message, &metadata, &entry.ActorID, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry.ID, err = id.ParseLogID(rawID); err != nil {
		return nil, fmt.Errorf("parse log id: %w", err)
	}
	// Trigger-stage entries carry the nil run id.
	if rawRun != "" {
		if entry.RunID, err = id.ParseRunID(rawRun); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
	}
	entry.Type = workflow.LogType(rawType)
	if metadata != nil {
		if err = json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal log metadata: %w", err)
		}
	}
	return &entry, nil
}
