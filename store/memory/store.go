// Package memory provides a fully in-memory store backend.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle with test helpers), so we
// verify each subsystem interface.
var (
	_ workflow.Store        = (*Store)(nil)
	_ workflow.LogStore     = (*Store)(nil)
	_ workflow.TriggerStore = (*Store)(nil)
	_ template.Store        = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	templates map[string]*template.Template
	runs      map[string]*workflow.Run
	logs      []*workflow.LogEntry
	triggers  map[string]*workflow.TriggerState
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		templates: make(map[string]*template.Template),
		runs:      make(map[string]*workflow.Run),
		triggers:  make(map[string]*workflow.TriggerState),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Template Store
// ──────────────────────────────────────────────────

// SaveTemplate inserts or replaces a template by ID.
func (m *Store) SaveTemplate(_ context.Context, t *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.templates[t.ID.String()] = &cp
	return nil
}

// GetTemplate retrieves a template by ID.
func (m *Store) GetTemplate(_ context.Context, templateID id.TemplateID) (*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[templateID.String()]
	if !ok {
		return nil, knoxpro.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// FindActiveTemplates returns every template with IsActive set.
func (m *Store) FindActiveTemplates(_ context.Context) ([]*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*template.Template, 0, len(m.templates))
	for _, t := range m.templates {
		if !t.IsActive {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Run Store
// ──────────────────────────────────────────────────

// CreateRun persists a new workflow run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return knoxpro.ErrDuplicateRun
	}
	cp := *run
	m.runs[key] = &cp
	return nil
}

// GetRun retrieves a workflow run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID.String()]
	if !ok {
		return nil, knoxpro.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// UpdateRun persists changes to an existing workflow run.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return knoxpro.ErrRunNotFound
	}
	cp := *run
	cp.UpdatedAt = time.Now().UTC()
	m.runs[key] = &cp
	return nil
}

// ListRuns returns workflow runs matching the given options, newest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// FindActiveRun returns the non-terminal run for the given template and
// subject, or knoxpro.ErrRunNotFound.
func (m *Store) FindActiveRun(_ context.Context, templateID id.TemplateID, subjectID string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.TemplateID.String() != templateID.String() || run.SubjectID != subjectID {
			continue
		}
		if run.Status.Terminal() {
			continue
		}
		cp := *run
		return &cp, nil
	}
	return nil, knoxpro.ErrRunNotFound
}

// DeleteRunsOlderThan removes terminal runs completed before the cutoff,
// along with their log entries. Returns the number of runs deleted.
func (m *Store) DeleteRunsOlderThan(_ context.Context, cutoff time.Time, statuses []workflow.Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := make(map[workflow.Status]struct{}, len(statuses))
	for _, s := range statuses {
		statusSet[s] = struct{}{}
	}

	deleted := make(map[string]struct{})
	for key, run := range m.runs {
		if _, ok := statusSet[run.Status]; !ok {
			continue
		}
		if run.CompletedAt == nil || !run.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.runs, key)
		deleted[key] = struct{}{}
	}

	if len(deleted) > 0 {
		kept := m.logs[:0]
		for _, entry := range m.logs {
			if _, gone := deleted[entry.RunID.String()]; !gone {
				kept = append(kept, entry)
			}
		}
		m.logs = kept
	}
	return len(deleted), nil
}

// ──────────────────────────────────────────────────
// Log Store
// ──────────────────────────────────────────────────

// AppendLog persists a log entry.
func (m *Store) AppendLog(_ context.Context, entry *workflow.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

// ListLogsByRun returns a run's log entries in creation order.
func (m *Store) ListLogsByRun(_ context.Context, runID id.RunID, limit int) ([]*workflow.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.LogEntry
	for _, entry := range m.logs {
		if entry.RunID.String() != runID.String() {
			continue
		}
		cp := *entry
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Trigger Store
// ──────────────────────────────────────────────────

// GetTriggerState returns the bookkeeping record for a template, or nil
// if the template has never triggered.
func (m *Store) GetTriggerState(_ context.Context, templateID id.TemplateID) (*workflow.TriggerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.triggers[templateID.String()]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

// RecordTrigger increments the template's execution count and sets its
// last-triggered timestamp.
func (m *Store) RecordTrigger(_ context.Context, templateID id.TemplateID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := templateID.String()
	state, ok := m.triggers[key]
	if !ok {
		state = &workflow.TriggerState{TemplateID: templateID}
		m.triggers[key] = state
	}
	state.LastTriggeredAt = at
	state.Executions++
	return nil
}
