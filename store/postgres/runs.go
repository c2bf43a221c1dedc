package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

const runColumns = `
	id, subject_id, template_id, template_name, template_version,
	status, current_step_id, context, progress, attempts,
	resume_at, step_deadline, error, started_at, completed_at,
	created_at, updated_at`

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: marshal run context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO knoxpro_runs (`+runColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17
		)`,
		run.ID.String(), run.SubjectID, run.TemplateID.String(),
		run.TemplateName, run.TemplateVersion,
		string(run.Status), run.CurrentStepID, contextJSON,
		run.Progress, run.Attempts,
		run.ResumeAt, run.StepDeadline, run.Error,
		run.StartedAt, run.CompletedAt,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return knoxpro.ErrDuplicateRun
		}
		return fmt.Errorf("knoxpro/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM knoxpro_runs WHERE id = $1`,
		runID.String(),
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrRunNotFound
		}
		return nil, fmt.Errorf("knoxpro/postgres: get run: %w", err)
	}
	return run, nil
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: marshal run context: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE knoxpro_runs SET
			status = $2, current_step_id = $3, context = $4,
			progress = $5, attempts = $6, resume_at = $7,
			step_deadline = $8, error = $9, completed_at = $10,
			updated_at = NOW()
		WHERE id = $1`,
		run.ID.String(),
		string(run.Status), run.CurrentStepID, contextJSON,
		run.Progress, run.Attempts, run.ResumeAt,
		run.StepDeadline, run.Error, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return knoxpro.ErrRunNotFound
	}
	return nil
}

// ListRuns returns workflow runs matching the given options, newest
// first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM knoxpro_runs`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY started_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// FindActiveRun returns the non-terminal run for the given template and
// subject, or knoxpro.ErrRunNotFound.
func (s *Store) FindActiveRun(ctx context.Context, templateID id.TemplateID, subjectID string) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM knoxpro_runs
		WHERE template_id = $1
		  AND subject_id = $2
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		LIMIT 1`,
		templateID.String(), subjectID,
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrRunNotFound
		}
		return nil, fmt.Errorf("knoxpro/postgres: find active run: %w", err)
	}
	return run, nil
}

// DeleteRunsOlderThan removes terminal runs completed before the cutoff,
// along with their log entries. Returns the number of runs deleted.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time, statuses []workflow.Status) (int, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("knoxpro/postgres: begin retention tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		DELETE FROM knoxpro_logs WHERE run_id IN (
			SELECT id FROM knoxpro_runs
			WHERE status = ANY($1)
			  AND completed_at IS NOT NULL
			  AND completed_at < $2
		)`,
		strs, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("knoxpro/postgres: delete old run logs: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM knoxpro_runs
		WHERE status = ANY($1)
		  AND completed_at IS NOT NULL
		  AND completed_at < $2`,
		strs, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("knoxpro/postgres: delete old runs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("knoxpro/postgres: commit retention tx: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanRun maps one row of runColumns onto a workflow.Run.
func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run         workflow.Run
		rawID       string
		rawTemplate string
		rawStatus   string
		contextJSON []byte
	)
	err := row.Scan(
		&rawID, &run.SubjectID, &rawTemplate, &run.TemplateName, &run.TemplateVersion,
		&rawStatus, &run.CurrentStepID, &contextJSON, &run.Progress, &run.Attempts,
		&run.ResumeAt, &run.StepDeadline, &run.Error, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if run.ID, err = id.ParseRunID(rawID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if run.TemplateID, err = id.ParseTemplateID(rawTemplate); err != nil {
		return nil, fmt.Errorf("parse template id: %w", err)
	}
	run.Status = workflow.Status(rawStatus)
	if err = json.Unmarshal(contextJSON, &run.Context); err != nil {
		return nil, fmt.Errorf("unmarshal run context: %w", err)
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]*workflow.Run, error) {
	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("knoxpro/postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: iterate runs: %w", err)
	}
	return runs, nil
}
