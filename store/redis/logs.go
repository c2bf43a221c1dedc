package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// ────────────────────────── workflow.LogStore ──────────────────────────

// AppendLog pushes the entry onto the run's append-only list. List
// order is insertion order, which matches ListLogsByRun's contract.
func (s *Store) AppendLog(ctx context.Context, entry *workflow.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("knoxpro: marshal log entry: %w", err)
	}
	if err := s.client.RPush(ctx, logsKey(entry.RunID.String()), raw).Err(); err != nil {
		return fmt.Errorf("knoxpro: redis append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogsByRun(ctx context.Context, runID id.RunID, limit int) ([]*workflow.LogEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := s.client.LRange(ctx, logsKey(runID.String()), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis list logs: %w", err)
	}

	entries := make([]*workflow.LogEntry, 0, len(raws))
	for _, raw := range raws {
		var entry workflow.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping malformed log entry", "run_id", runID, "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
