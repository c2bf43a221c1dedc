package template

import (
	"context"
	"sort"
	"sync"

	"github.com/yaser2us/knoxpro-sub000/bus"
	"github.com/yaser2us/knoxpro-sub000/id"
)

// Source supplies the active workflow templates. Store backends
// implement it; the trigger engine consumes it through a Cache.
type Source interface {
	// FindActiveTemplates returns every template with IsActive set.
	FindActiveTemplates(ctx context.Context) ([]*Template, error)
}

// Store persists workflow templates. It extends Source with the write
// side used by the administrative surface.
type Store interface {
	Source

	// SaveTemplate inserts or replaces a template by ID.
	SaveTemplate(ctx context.Context, t *Template) error

	// GetTemplate retrieves a template by ID.
	// Returns knoxpro.ErrTemplateNotFound if absent.
	GetTemplate(ctx context.Context, templateID id.TemplateID) (*Template, error)
}

// Cache is a refresh-on-demand view over a Source. Candidate lookups
// are memoized per (event type, entity type) pair; Refresh drops the
// memo and reloads from the source.
type Cache struct {
	source Source

	mu        sync.RWMutex
	templates []*Template
	resolved  map[string][]*Template // "eventType|entityType" → candidates
	loaded    bool
}

// NewCache creates a template cache over the given source.
func NewCache(source Source) *Cache {
	return &Cache{
		source:   source,
		resolved: make(map[string][]*Template),
	}
}

// Refresh reloads templates from the source and invalidates the
// candidate memo.
func (c *Cache) Refresh(ctx context.Context) error {
	templates, err := c.source.FindActiveTemplates(ctx)
	if err != nil {
		return err
	}

	// Highest priority first; stable on name for determinism.
	sort.SliceStable(templates, func(i, j int) bool {
		if templates[i].Priority != templates[j].Priority {
			return templates[i].Priority > templates[j].Priority
		}
		return templates[i].Name < templates[j].Name
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = templates
	c.resolved = make(map[string][]*Template)
	c.loaded = true
	return nil
}

// All returns every cached active template, loading on first use.
func (c *Cache) All(ctx context.Context) ([]*Template, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, len(c.templates))
	copy(out, c.templates)
	return out, nil
}

// CandidatesFor returns the active templates with at least one trigger
// rule whose event patterns match the event type and whose entity type
// restriction (if any) admits entityType. Results are memoized until the
// next Refresh.
func (c *Cache) CandidatesFor(ctx context.Context, eventType, entityType string) ([]*Template, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	key := eventType + "|" + entityType

	c.mu.RLock()
	cached, ok := c.resolved[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.resolved[key]; ok {
		return cached, nil
	}

	var out []*Template
	for _, t := range c.templates {
		if templateMatches(t, eventType, entityType) {
			out = append(out, t)
		}
	}
	c.resolved[key] = out
	return out, nil
}

func (c *Cache) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Refresh(ctx)
}

func templateMatches(t *Template, eventType, entityType string) bool {
	for _, rule := range t.Triggers {
		if !rule.MatchesEvent(eventType) {
			continue
		}
		if rule.MatchesEntityType(entityType) {
			return true
		}
	}
	return false
}

// MatchesEvent reports whether any of the rule's event patterns matches
// the concrete event type, using the bus's wildcard semantics.
func (r TriggerRule) MatchesEvent(eventType string) bool {
	for _, pattern := range r.Events {
		if bus.Match(pattern, eventType) {
			return true
		}
	}
	return false
}

// MatchesEntityType reports whether the rule admits the given entity
// type. A rule with no entityTypes restriction admits everything.
func (r TriggerRule) MatchesEntityType(entityType string) bool {
	if len(r.EntityTypes) == 0 {
		return true
	}
	for _, et := range r.EntityTypes {
		if et == entityType {
			return true
		}
	}
	return false
}
