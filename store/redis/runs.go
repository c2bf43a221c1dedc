package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// ────────────────────────── workflow.Store ──────────────────────────

func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	key := runKey(run.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("knoxpro: redis check run exists: %w", err)
	}
	if exists > 0 {
		return knoxpro.ErrDuplicateRun
	}

	fields, err := runToMap(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, runIDsKey(), run.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("knoxpro: redis create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	fields, err := s.client.HGetAll(ctx, runKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis get run: %w", err)
	}
	if len(fields) == 0 {
		return nil, knoxpro.ErrRunNotFound
	}
	return mapToRun(fields)
}

func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	key := runKey(run.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("knoxpro: redis check run exists: %w", err)
	}
	if exists == 0 {
		return knoxpro.ErrRunNotFound
	}

	run.UpdatedAt = time.Now().UTC()
	fields, err := runToMap(run)
	if err != nil {
		return err
	}

	// Delete then rewrite so cleared optional fields (resume_at,
	// step_deadline, completed_at) do not linger in the hash.
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("knoxpro: redis update run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}

	var out []*workflow.Run
	for _, run := range runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		out = append(out, run)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) FindActiveRun(ctx context.Context, templateID id.TemplateID, subjectID string) (*workflow.Run, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.TemplateID != templateID || run.SubjectID != subjectID {
			continue
		}
		if !run.Status.Terminal() {
			return run, nil
		}
	}
	return nil, knoxpro.ErrRunNotFound
}

func (s *Store) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time, statuses []workflow.Status) (int, error) {
	runs, err := s.allRuns(ctx)
	if err != nil {
		return 0, err
	}

	match := make(map[workflow.Status]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}

	deleted := 0
	for _, run := range runs {
		if !match[run.Status] {
			continue
		}
		if run.CompletedAt == nil || !run.CompletedAt.Before(cutoff) {
			continue
		}
		runID := run.ID.String()
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, runKey(runID))
		pipe.Del(ctx, logsKey(runID))
		pipe.SRem(ctx, runIDsKey(), runID)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("knoxpro: redis delete run: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// allRuns loads every run hash via the enumeration set, skipping
// entries whose hash has vanished mid-scan.
func (s *Store) allRuns(ctx context.Context) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis list run ids: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, rid := range ids {
		fields, err := s.client.HGetAll(ctx, runKey(rid)).Result()
		if err != nil {
			if err == goredis.Nil {
				continue
			}
			return nil, fmt.Errorf("knoxpro: redis get run %s: %w", rid, err)
		}
		if len(fields) == 0 {
			continue
		}
		run, err := mapToRun(fields)
		if err != nil {
			s.logger.Warn("skipping malformed run hash", "run_id", rid, "error", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ────────────────────────── hash conversion ──────────────────────────

func runToMap(run *workflow.Run) (map[string]any, error) {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return nil, fmt.Errorf("knoxpro: marshal run context: %w", err)
	}

	fields := map[string]any{
		"id":               run.ID.String(),
		"subject_id":       run.SubjectID,
		"template_id":      run.TemplateID.String(),
		"template_name":    run.TemplateName,
		"template_version": strconv.Itoa(run.TemplateVersion),
		"status":           string(run.Status),
		"current_step_id":  run.CurrentStepID,
		"context":          string(contextJSON),
		"progress":         strconv.Itoa(run.Progress),
		"attempts":         strconv.Itoa(run.Attempts),
		"error":            run.Error,
		"started_at":       run.StartedAt.Format(time.RFC3339Nano),
		"created_at":       run.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       run.UpdatedAt.Format(time.RFC3339Nano),
	}
	if run.ResumeAt != nil {
		fields["resume_at"] = run.ResumeAt.Format(time.RFC3339Nano)
	}
	if run.StepDeadline != nil {
		fields["step_deadline"] = run.StepDeadline.Format(time.RFC3339Nano)
	}
	if run.CompletedAt != nil {
		fields["completed_at"] = run.CompletedAt.Format(time.RFC3339Nano)
	}
	return fields, nil
}

func mapToRun(fields map[string]string) (*workflow.Run, error) {
	runID, err := id.ParseRunID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("knoxpro: parse run id: %w", err)
	}
	templateID, err := id.ParseTemplateID(fields["template_id"])
	if err != nil {
		return nil, fmt.Errorf("knoxpro: parse template id: %w", err)
	}

	run := &workflow.Run{
		ID:            runID,
		SubjectID:     fields["subject_id"],
		TemplateID:    templateID,
		TemplateName:  fields["template_name"],
		Status:        workflow.Status(fields["status"]),
		CurrentStepID: fields["current_step_id"],
		Error:         fields["error"],
	}
	run.TemplateVersion, _ = strconv.Atoi(fields["template_version"])
	run.Progress, _ = strconv.Atoi(fields["progress"])
	run.Attempts, _ = strconv.Atoi(fields["attempts"])

	if raw := fields["context"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.Context); err != nil {
			return nil, fmt.Errorf("knoxpro: unmarshal run context: %w", err)
		}
	}

	run.StartedAt = parseTime(fields["started_at"])
	run.CreatedAt = parseTime(fields["created_at"])
	run.UpdatedAt = parseTime(fields["updated_at"])
	if v := fields["resume_at"]; v != "" {
		t := parseTime(v)
		run.ResumeAt = &t
	}
	if v := fields["step_deadline"]; v != "" {
		t := parseTime(v)
		run.StepDeadline = &t
	}
	if v := fields["completed_at"]; v != "" {
		t := parseTime(v)
		run.CompletedAt = &t
	}
	return run, nil
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
