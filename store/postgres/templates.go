package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
)

const templateColumns = `
	id, name, version, priority, is_active, triggers, dsl,
	created_at, updated_at`

// SaveTemplate inserts or replaces a template by ID.
func (s *Store) SaveTemplate(ctx context.Context, t *template.Template) error {
	triggersJSON, err := json.Marshal(t.Triggers)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: marshal triggers: %w", err)
	}
	dslJSON, err := json.Marshal(t.DSL)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: marshal dsl: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO knoxpro_templates (`+templateColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			triggers = EXCLUDED.triggers,
			dsl = EXCLUDED.dsl,
			updated_at = NOW()`,
		t.ID.String(), t.Name, t.Version, t.Priority, t.IsActive,
		triggersJSON, dslJSON, t.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("knoxpro/postgres: save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM knoxpro_templates WHERE id = $1`,
		templateID.String(),
	)
	t, err := scanTemplate(row)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("knoxpro/postgres: get template: %w", err)
	}
	return t, nil
}

// FindActiveTemplates returns every template with IsActive set.
func (s *Store) FindActiveTemplates(ctx context.Context) ([]*template.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM knoxpro_templates WHERE is_active ORDER BY priority DESC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: find active templates: %w", err)
	}
	defer rows.Close()

	var templates []*template.Template
	for rows.Next() {
		t, scanErr := scanTemplate(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("knoxpro/postgres: scan template: %w", scanErr)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knoxpro/postgres: iterate templates: %w", err)
	}
	return templates, nil
}

func scanTemplate(row pgx.Row) (*template.Template, error) {
	var (
		t            template.Template
		rawID        string
		triggersJSON []byte
		dslJSON      []byte
	)
	err := row.Scan(
		&rawID, &t.Name, &t.Version, &t.Priority, &t.IsActive,
		&triggersJSON, &dslJSON, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.ID, err = id.ParseTemplateID(rawID); err != nil {
		return nil, fmt.Errorf("parse template id: %w", err)
	}
	if err = json.Unmarshal(triggersJSON, &t.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshal triggers: %w", err)
	}
	if err = json.Unmarshal(dslJSON, &t.DSL); err != nil {
		return nil, fmt.Errorf("unmarshal dsl: %w", err)
	}
	return &t, nil
}
