package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return knoxpro.ErrDuplicateRun
		}
		return fmt.Errorf("knoxpro/bun: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", runID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrRunNotFound
		}
		return nil, fmt.Errorf("knoxpro/bun: get run: %w", err)
	}
	return fromRunModel(m)
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("knoxpro/bun: update run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return knoxpro.ErrRunNotFound
	}
	return nil
}

// ListRuns returns workflow runs matching the given options, newest
// first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = q.OrderExpr("started_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("knoxpro/bun: list runs: %w", err)
	}

	runs := make([]*workflow.Run, 0, len(models))
	for i := range models {
		run, convErr := fromRunModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("knoxpro/bun: list runs convert: %w", convErr)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// FindActiveRun returns the non-terminal run for the given template and
// subject, or knoxpro.ErrRunNotFound.
func (s *Store) FindActiveRun(ctx context.Context, templateID id.TemplateID, subjectID string) (*workflow.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("template_id = ?", templateID.String()).
		Where("subject_id = ?", subjectID).
		Where("status NOT IN (?)", bun.In([]string{"completed", "failed", "cancelled"})).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrRunNotFound
		}
		return nil, fmt.Errorf("knoxpro/bun: find active run: %w", err)
	}
	return fromRunModel(m)
}

// DeleteRunsOlderThan removes terminal runs completed before the cutoff,
// along with their log entries. Returns the number of runs deleted.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time, statuses []workflow.Status) (int, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}

	var ids []string
	err := s.db.NewSelect().Model((*runModel)(nil)).
		Column("id").
		Where("status IN (?)", bun.In(strs)).
		Where("completed_at IS NOT NULL").
		Where("completed_at < ?", cutoff).
		Scan(ctx, &ids)
	if err != nil {
		return 0, fmt.Errorf("knoxpro/bun: select old runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := s.db.NewDelete().Model((*logModel)(nil)).
		Where("run_id IN (?)", bun.In(ids)).
		Exec(ctx); err != nil {
		return 0, fmt.Errorf("knoxpro/bun: delete old run logs: %w", err)
	}

	res, err := s.db.NewDelete().Model((*runModel)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("knoxpro/bun: delete old runs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}
