package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
)

// ────────────────────────── template.Store ──────────────────────────

// SaveTemplate upserts a template hash and indexes its ID.
func (s *Store) SaveTemplate(ctx context.Context, t *template.Template) error {
	fields, err := templateToMap(t)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, templateKey(t.ID.String()))
	pipe.HSet(ctx, templateKey(t.ID.String()), fields)
	pipe.SAdd(ctx, templateIDsKey(), t.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("knoxpro: redis save template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	fields, err := s.client.HGetAll(ctx, templateKey(templateID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis get template: %w", err)
	}
	if len(fields) == 0 {
		return nil, knoxpro.ErrTemplateNotFound
	}
	return mapToTemplate(fields)
}

// FindActiveTemplates returns active templates ordered by priority
// descending, then name.
func (s *Store) FindActiveTemplates(ctx context.Context) ([]*template.Template, error) {
	ids, err := s.client.SMembers(ctx, templateIDsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("knoxpro: redis list template ids: %w", err)
	}

	templates := make([]*template.Template, 0, len(ids))
	for _, tid := range ids {
		fields, err := s.client.HGetAll(ctx, templateKey(tid)).Result()
		if err != nil {
			return nil, fmt.Errorf("knoxpro: redis get template %s: %w", tid, err)
		}
		if len(fields) == 0 {
			continue
		}
		t, err := mapToTemplate(fields)
		if err != nil {
			s.logger.Warn("skipping malformed template hash", "template_id", tid, "error", err)
			continue
		}
		if !t.IsActive {
			continue
		}
		templates = append(templates, t)
	}

	sort.Slice(templates, func(i, j int) bool {
		if templates[i].Priority != templates[j].Priority {
			return templates[i].Priority > templates[j].Priority
		}
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

func templateToMap(t *template.Template) (map[string]any, error) {
	triggersJSON, err := json.Marshal(t.Triggers)
	if err != nil {
		return nil, fmt.Errorf("knoxpro: marshal template triggers: %w", err)
	}
	dslJSON, err := json.Marshal(t.DSL)
	if err != nil {
		return nil, fmt.Errorf("knoxpro: marshal template dsl: %w", err)
	}
	return map[string]any{
		"id":         t.ID.String(),
		"name":       t.Name,
		"version":    strconv.Itoa(t.Version),
		"priority":   strconv.Itoa(t.Priority),
		"is_active":  strconv.FormatBool(t.IsActive),
		"triggers":   string(triggersJSON),
		"dsl":        string(dslJSON),
		"created_at": t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": t.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func mapToTemplate(fields map[string]string) (*template.Template, error) {
	templateID, err := id.ParseTemplateID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("knoxpro: parse template id: %w", err)
	}

	t := &template.Template{
		ID:   templateID,
		Name: fields["name"],
	}
	t.Version, _ = strconv.Atoi(fields["version"])
	t.Priority, _ = strconv.Atoi(fields["priority"])
	t.IsActive, _ = strconv.ParseBool(fields["is_active"])

	if raw := fields["triggers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Triggers); err != nil {
			return nil, fmt.Errorf("knoxpro: unmarshal template triggers: %w", err)
		}
	}
	if raw := fields["dsl"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.DSL); err != nil {
			return nil, fmt.Errorf("knoxpro: unmarshal template dsl: %w", err)
		}
	}
	t.CreatedAt = parseTime(fields["created_at"])
	t.UpdatedAt = parseTime(fields["updated_at"])
	return t, nil
}
