package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/engine"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/store/memory"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

func newTemplate(name string) *template.Template {
	return &template.Template{
		ID:       id.NewTemplateID(),
		Name:     name,
		Version:  1,
		IsActive: true,
		Triggers: []template.TriggerRule{{
			Events:      []string{"document.created"},
			EntityTypes: []string{"access_request"},
		}},
		DSL: template.DSL{
			StartStep: "notify",
			Steps: []template.Step{
				{
					ID:        "notify",
					Name:      "Notify requester",
					Type:      template.StepNotification,
					Config:    map[string]any{"recipient": "{{document.owner}}"},
					NextSteps: []string{"done"},
				},
				{
					ID:     "done",
					Name:   "Final notice",
					Type:   template.StepNotification,
					Config: map[string]any{"recipient": "admins"},
				},
			},
		},
	}
}

func setup(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	s := memory.New()
	svc, err := knoxpro.New(knoxpro.WithStore(s))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng, err := engine.Build(svc, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, s
}

func waitForRun(t *testing.T, s *memory.Store, status workflow.Status) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := s.ListRuns(context.Background(), workflow.ListOpts{Status: status})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) > 0 {
			return runs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no run reached status %q", status)
	return nil
}

func TestEngine_EventToCompletedRun(t *testing.T) {
	ctx := context.Background()
	eng, s := setup(t)

	if err := eng.SaveTemplate(ctx, newTemplate("grant-access")); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	eng.Publish(ctx, "document.created", map[string]any{
		"document": map[string]any{
			"id":    "doc-1",
			"type":  "access_request",
			"owner": "alice",
		},
	})

	run := waitForRun(t, s, workflow.StatusCompleted)
	if run.TemplateName != "grant-access" {
		t.Errorf("TemplateName = %q, want grant-access", run.TemplateName)
	}
	if run.Progress != 100 {
		t.Errorf("Progress = %d, want 100", run.Progress)
	}
	if len(run.Context.History) != 2 {
		t.Errorf("history length = %d, want 2", len(run.Context.History))
	}

	os, ts, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if os.Completed != 1 {
		t.Errorf("orchestrator Completed = %d, want 1", os.Completed)
	}
	if ts.Fired != 1 {
		t.Errorf("trigger Fired = %d, want 1", ts.Fired)
	}
}

func TestEngine_SaveTemplateRefreshesCache(t *testing.T) {
	ctx := context.Background()
	eng, s := setup(t)

	// No templates yet: event is a no-op.
	eng.Publish(ctx, "document.created", map[string]any{
		"document": map[string]any{"id": "doc-0", "type": "access_request"},
	})
	if runs, _ := s.ListRuns(ctx, workflow.ListOpts{}); len(runs) != 0 {
		t.Fatalf("expected no runs before template exists, got %d", len(runs))
	}

	// Saving through the engine makes the template visible immediately.
	if err := eng.SaveTemplate(ctx, newTemplate("grant-access")); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	eng.Publish(ctx, "document.created", map[string]any{
		"document": map[string]any{"id": "doc-1", "type": "access_request"},
	})
	waitForRun(t, s, workflow.StatusCompleted)
}

func TestEngine_CancelThroughAdminSurface(t *testing.T) {
	ctx := context.Background()
	eng, s := setup(t)

	tpl := newTemplate("grant-access")
	// A delay step parks the run so there is something to cancel.
	tpl.DSL = template.DSL{
		StartStep: "wait",
		Steps: []template.Step{
			{ID: "wait", Type: template.StepDelay, Config: map[string]any{"seconds": 3600}},
		},
	}
	if err := eng.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	eng.Publish(ctx, "document.created", map[string]any{
		"document": map[string]any{"id": "doc-1", "type": "access_request"},
	})
	run := waitForRun(t, s, workflow.StatusWaiting)

	if err := eng.Cancel(ctx, run.ID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != workflow.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// Admin operations on unknown runs surface store errors.
	if err := eng.Pause(ctx, id.NewRunID()); !errors.Is(err, knoxpro.ErrRunNotFound) {
		t.Errorf("Pause(unknown) = %v, want ErrRunNotFound", err)
	}
}

func TestEngine_CheckHealth(t *testing.T) {
	eng, _ := setup(t)

	h := eng.CheckHealth(context.Background())
	if !h.Healthy {
		t.Errorf("Healthy = false, want true: %+v", h)
	}
}

type lifecycleOnlyStore struct{}

func (lifecycleOnlyStore) Migrate(context.Context) error { return nil }
func (lifecycleOnlyStore) Ping(context.Context) error    { return nil }
func (lifecycleOnlyStore) Close() error                  { return nil }

func TestBuild_RejectsIncompleteStore(t *testing.T) {
	svc, err := knoxpro.New(knoxpro.WithStore(lifecycleOnlyStore{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := engine.Build(svc); err == nil {
		t.Fatal("expected Build to reject a store without workflow.Store")
	}
}

func TestBuild_RequiresStore(t *testing.T) {
	svc, err := knoxpro.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := engine.Build(svc); !errors.Is(err, knoxpro.ErrNoStore) {
		t.Errorf("Build without store = %v, want ErrNoStore", err)
	}
}

func TestEngine_HistoryCapFromConfig(t *testing.T) {
	ctx := context.Background()

	cfg := knoxpro.DefaultConfig()
	cfg.HistoryCap = 2
	svc, err := knoxpro.New(knoxpro.WithStore(memory.New()), knoxpro.WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng, err := engine.Build(svc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(ctx) })

	eng.Publish(ctx, "document.created", map[string]any{"n": 1})
	eng.Publish(ctx, "document.updated", map[string]any{"n": 2})
	eng.Publish(ctx, "document.deleted", map[string]any{"n": 3})

	history := eng.Bus().History("")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if got := history[0].Envelope.Type; got != "document.updated" {
		t.Errorf("oldest retained event = %s, want document.updated", got)
	}
}
