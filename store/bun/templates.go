package bunstore

import (
	"context"
	"fmt"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
)

// SaveTemplate inserts or replaces a template by ID.
func (s *Store) SaveTemplate(ctx context.Context, t *template.Template) error {
	m, err := toTemplateModel(t)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	_, err = s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("version = EXCLUDED.version").
		Set("priority = EXCLUDED.priority").
		Set("is_active = EXCLUDED.is_active").
		Set("triggers = EXCLUDED.triggers").
		Set("dsl = EXCLUDED.dsl").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("knoxpro/bun: save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	m := new(templateModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", templateID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, knoxpro.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("knoxpro/bun: get template: %w", err)
	}
	return fromTemplateModel(m)
}

// FindActiveTemplates returns every template with IsActive set.
func (s *Store) FindActiveTemplates(ctx context.Context) ([]*template.Template, error) {
	var models []templateModel
	err := s.db.NewSelect().Model(&models).
		Where("is_active = TRUE").
		OrderExpr("priority DESC, name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("knoxpro/bun: find active templates: %w", err)
	}

	templates := make([]*template.Template, 0, len(models))
	for i := range models {
		t, convErr := fromTemplateModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("knoxpro/bun: find active templates convert: %w", convErr)
		}
		templates = append(templates, t)
	}
	return templates, nil
}
