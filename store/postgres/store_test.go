//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	knoxpro "github.com/yaser2us/knoxpro-sub000"
	"github.com/yaser2us/knoxpro-sub000/id"
	"github.com/yaser2us/knoxpro-sub000/store/postgres"
	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// setupTestStore creates a Postgres container and returns a connected
// pgx Store.
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("knoxpro_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	return store
}

func newRun(tplID id.TemplateID, subjectID string) *workflow.Run {
	return &workflow.Run{
		Entity:        knoxpro.NewEntity(),
		ID:            id.NewRunID(),
		SubjectID:     subjectID,
		TemplateID:    tplID,
		TemplateName:  "grant-access",
		Status:        workflow.StatusRunning,
		CurrentStepID: "check",
		Context: workflow.Context{
			Data:      map[string]any{"id": subjectID, "type": "contract"},
			Variables: map[string]any{},
		},
		StartedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestStore_RunRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newRun(id.NewTemplateID(), "doc-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, knoxpro.ErrDuplicateRun) {
		t.Fatalf("duplicate CreateRun error = %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.SubjectID != "doc-1" || got.Status != workflow.StatusRunning {
		t.Errorf("got %+v", got)
	}
	if got.Context.Data["type"] != "contract" {
		t.Errorf("context data = %v", got.Context.Data)
	}

	now := time.Now().UTC()
	got.Status = workflow.StatusCompleted
	got.CurrentStepID = ""
	got.Progress = 100
	got.CompletedAt = &now
	got.Context.History = append(got.Context.History, workflow.HistoryEntry{
		StepID: "check", Outcome: "completed", At: now,
	})
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	again, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if again.Status != workflow.StatusCompleted || again.CompletedAt == nil {
		t.Errorf("after update: %+v", again)
	}
	if len(again.Context.History) != 1 {
		t.Errorf("history = %v", again.Context.History)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, knoxpro.ErrRunNotFound) {
		t.Errorf("GetRun missing error = %v", err)
	}
	if err := s.UpdateRun(ctx, newRun(id.NewTemplateID(), "ghost")); !errors.Is(err, knoxpro.ErrRunNotFound) {
		t.Errorf("UpdateRun missing error = %v", err)
	}
}

func TestStore_ListAndFindActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tplID := id.NewTemplateID()

	live := newRun(tplID, "doc-live")
	if err := s.CreateRun(ctx, live); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := newRun(tplID, "doc-done")
	now := time.Now().UTC()
	done.Status = workflow.StatusCompleted
	done.CompletedAt = &now
	if err := s.CreateRun(ctx, done); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	running, err := s.ListRuns(ctx, workflow.ListOpts{Status: workflow.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(running) != 1 || running[0].ID.String() != live.ID.String() {
		t.Errorf("running runs = %v", running)
	}

	found, err := s.FindActiveRun(ctx, tplID, "doc-live")
	if err != nil {
		t.Fatalf("FindActiveRun: %v", err)
	}
	if found.ID.String() != live.ID.String() {
		t.Errorf("found %s", found.ID)
	}
	if _, err := s.FindActiveRun(ctx, tplID, "doc-done"); !errors.Is(err, knoxpro.ErrRunNotFound) {
		t.Errorf("FindActiveRun terminal error = %v", err)
	}
}

func TestStore_RetentionDeletesRunsAndLogs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	old := newRun(id.NewTemplateID(), "doc-old")
	past := time.Now().UTC().Add(-48 * time.Hour)
	old.Status = workflow.StatusCompleted
	old.CompletedAt = &past
	if err := s.CreateRun(ctx, old); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.AppendLog(ctx, workflow.NewLogEntry(old.ID, workflow.LogCompleted, "done")); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	deleted, err := s.DeleteRunsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour), []workflow.Status{
		workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled,
	})
	if err != nil {
		t.Fatalf("DeleteRunsOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	logs, err := s.ListLogsByRun(ctx, old.ID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("logs survived retention: %v", logs)
	}
}

func TestStore_LogsOrderAndLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	runID := id.NewRunID()

	for i, typ := range []workflow.LogType{workflow.LogStarted, workflow.LogStepStarted, workflow.LogStepCompleted} {
		entry := workflow.NewLogEntry(runID, typ, "entry")
		entry.CreatedAt = entry.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		entry.Metadata = map[string]any{"seq": i}
		if err := s.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	logs, err := s.ListLogsByRun(ctx, runID, 0)
	if err != nil {
		t.Fatalf("ListLogsByRun: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("log count = %d", len(logs))
	}
	if logs[0].Type != workflow.LogStarted || logs[2].Type != workflow.LogStepCompleted {
		t.Errorf("order = %v, %v, %v", logs[0].Type, logs[1].Type, logs[2].Type)
	}

	limited, err := s.ListLogsByRun(ctx, runID, 2)
	if err != nil {
		t.Fatalf("ListLogsByRun limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited count = %d", len(limited))
	}
}

func TestStore_TemplateRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tpl := &template.Template{
		Entity:   knoxpro.NewEntity(),
		ID:       id.NewTemplateID(),
		Name:     "grant-access",
		Version:  1,
		IsActive: true,
		Triggers: []template.TriggerRule{
			{Events: []string{"document.signed"}, EntityTypes: []string{"contract"}},
		},
		DSL: template.DSL{
			StartStep: "notify",
			Steps: []template.Step{
				{ID: "notify", Type: template.StepNotification},
			},
		},
	}
	if err := s.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}

	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Name != "grant-access" || len(got.Triggers) != 1 || got.DSL.StartStep != "notify" {
		t.Errorf("got %+v", got)
	}

	// Upsert: deactivate and bump version.
	tpl.IsActive = false
	tpl.Version = 2
	if err := s.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate upsert: %v", err)
	}
	active, err := s.FindActiveTemplates(ctx)
	if err != nil {
		t.Fatalf("FindActiveTemplates: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active = %v", active)
	}

	if _, err := s.GetTemplate(ctx, id.NewTemplateID()); !errors.Is(err, knoxpro.ErrTemplateNotFound) {
		t.Errorf("GetTemplate missing error = %v", err)
	}
}

func TestStore_TriggerState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	tplID := id.NewTemplateID()

	state, err := s.GetTriggerState(ctx, tplID)
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if state != nil {
		t.Fatalf("state before trigger = %+v", state)
	}

	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	if err := s.RecordTrigger(ctx, tplID, first); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}
	second := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.RecordTrigger(ctx, tplID, second); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}

	state, err = s.GetTriggerState(ctx, tplID)
	if err != nil {
		t.Fatalf("GetTriggerState: %v", err)
	}
	if state.Executions != 2 {
		t.Errorf("Executions = %d, want 2", state.Executions)
	}
	if !state.LastTriggeredAt.Equal(second) {
		t.Errorf("LastTriggeredAt = %v, want %v", state.LastTriggeredAt, second)
	}
}
