package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"missioncontrol/src/model"
	"missioncontrol/src/realtime"
)

type factory func(t *testing.T, hub *realtime.Hub) Store

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, hub *realtime.Hub) Store {
			return NewMemory(hub)
		},
		"sqlite": func(t *testing.T, hub *realtime.Hub) Store {
			t.Helper()
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "board.db"), hub)
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func strPtr(s string) *string { return &s }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStoreTaskCRUD(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, realtime.NewHub())

			base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			older, err := s.InsertTask(ctx, model.Task{ID: "t1", Name: "Older", CreatedAt: base})
			if err != nil {
				t.Fatalf("InsertTask failed: %v", err)
			}
			if older.Status != model.TaskReady || older.Priority != model.P2 || older.Source != model.SourceHuman {
				t.Errorf("Expected defaults READY/P2/human, got %s/%s/%s", older.Status, older.Priority, older.Source)
			}
			_, err = s.InsertTask(ctx, model.Task{
				ID: "t2", Name: "Newer", CreatedAt: base.Add(time.Hour), Priority: model.P0,
				Description: strPtr("launch"), Dependencies: []string{"t1"},
			})
			if err != nil {
				t.Fatalf("InsertTask failed: %v", err)
			}
			generated, err := s.InsertTask(ctx, model.Task{Name: "No id", CreatedAt: base.Add(-time.Hour)})
			if err != nil {
				t.Fatalf("InsertTask failed: %v", err)
			}
			if generated.ID == "" {
				t.Error("Expected generated id")
			}

			if _, err := s.InsertTask(ctx, model.Task{ID: "t1", Name: "dup"}); !errors.Is(err, ErrConflict) {
				t.Errorf("Expected ErrConflict, got %v", err)
			}
			if _, err := s.InsertTask(ctx, model.Task{Name: "  "}); !errors.Is(err, model.ErrInvalidTask) {
				t.Errorf("Expected ErrInvalidTask, got %v", err)
			}

			tasks, err := s.ListTasks(ctx)
			if err != nil {
				t.Fatalf("ListTasks failed: %v", err)
			}
			if len(tasks) != 3 || tasks[0].ID != "t2" || tasks[1].ID != "t1" || tasks[2].ID != generated.ID {
				t.Fatalf("Expected newest first [t2 t1 %s], got %+v", generated.ID, tasks)
			}
			if tasks[0].Description == nil || *tasks[0].Description != "launch" {
				t.Errorf("Expected description 'launch', got %v", tasks[0].Description)
			}
			if len(tasks[0].Dependencies) != 1 || tasks[0].Dependencies[0] != "t1" {
				t.Errorf("Expected dependencies [t1], got %v", tasks[0].Dependencies)
			}

			done := base.Add(2 * time.Hour)
			status := model.TaskCompleted
			synced := false
			if err := s.UpdateTask(ctx, "t1", model.TaskPatch{Status: &status, CompletedAt: &done, Synced: &synced}); err != nil {
				t.Fatalf("UpdateTask failed: %v", err)
			}
			got, err := s.GetTask(ctx, "t1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.Status != model.TaskCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(done) || got.Synced {
				t.Errorf("Unexpected updated task %+v", got)
			}

			ready := model.TaskReady
			if err := s.UpdateTask(ctx, "t1", model.TaskPatch{Status: &ready, ClearCompletedAt: true}); err != nil {
				t.Fatalf("UpdateTask failed: %v", err)
			}
			got, _ = s.GetTask(ctx, "t1")
			if got.CompletedAt != nil {
				t.Errorf("Expected completedAt cleared, got %v", got.CompletedAt)
			}

			bogus := model.TaskStatus("DONE")
			if err := s.UpdateTask(ctx, "t1", model.TaskPatch{Status: &bogus}); !errors.Is(err, model.ErrInvalidTask) {
				t.Errorf("Expected ErrInvalidTask, got %v", err)
			}
			if err := s.UpdateTask(ctx, "missing", model.TaskPatch{Status: &ready}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}

			if err := s.DeleteTask(ctx, "t2"); err != nil {
				t.Fatalf("DeleteTask failed: %v", err)
			}
			if err := s.DeleteTask(ctx, "t2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on second delete, got %v", err)
			}
			if _, err := s.GetTask(ctx, "t2"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreInsertNormalizesStatusFields(t *testing.T) {
	done := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		task          model.Task
		wantCompleted *time.Time
		wantBlockers  int
	}{
		{"ready drops completedAt and blockers", model.Task{Status: model.TaskReady, CompletedAt: &done, Blockers: []string{"x"}}, nil, 0},
		{"completed keeps its completedAt", model.Task{Status: model.TaskCompleted, CompletedAt: &done}, &done, 0},
		{"completed without completedAt", model.Task{Status: model.TaskCompleted, UpdatedAt: updated}, &updated, 0},
		{"completed drops blockers", model.Task{Status: model.TaskCompleted, CompletedAt: &done, Blockers: []string{"x"}}, &done, 0},
		{"blocked keeps blockers", model.Task{Status: model.TaskBlocked, Blockers: []string{"x", "y"}}, nil, 2},
	}
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, nil)
			for i, tt := range tests {
				tt.task.ID = fmt.Sprintf("n%d", i)
				tt.task.Name = tt.name
				if _, err := s.InsertTask(ctx, tt.task); err != nil {
					t.Fatalf("%s: InsertTask failed: %v", tt.name, err)
				}
				got, err := s.GetTask(ctx, tt.task.ID)
				if err != nil {
					t.Fatalf("%s: GetTask failed: %v", tt.name, err)
				}
				switch {
				case tt.wantCompleted == nil && got.CompletedAt != nil:
					t.Errorf("%s: Expected no completedAt, got %v", tt.name, *got.CompletedAt)
				case tt.wantCompleted != nil && (got.CompletedAt == nil || !got.CompletedAt.Equal(*tt.wantCompleted)):
					t.Errorf("%s: Expected completedAt %v, got %v", tt.name, *tt.wantCompleted, got.CompletedAt)
				}
				if len(got.Blockers) != tt.wantBlockers {
					t.Errorf("%s: Expected %d blockers, got %v", tt.name, tt.wantBlockers, got.Blockers)
				}
			}
		})
	}
}

func TestStorePublishesTaskChanges(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hub := realtime.NewHub()
			s := open(t, hub)

			var changes atomic.Int32
			sub := hub.Subscribe(model.TasksTable, func(realtime.Change) { changes.Add(1) })
			defer sub.Close()

			if _, err := s.InsertTask(ctx, model.Task{ID: "a", Name: "A"}); err != nil {
				t.Fatalf("InsertTask failed: %v", err)
			}
			waitFor(t, func() bool { return changes.Load() >= 1 })
		})
	}
}

func TestStoreReplaceActiveBlockers(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, realtime.NewHub())

			alerted := true
			first := []model.Blocker{
				{Position: 0, Resource: "Payment gateway down", Type: strPtr("infra"), AlertedUser: &alerted,
					Impacts: []string{"checkout"}, Status: model.BlockerActive},
				{Position: 1, Resource: "Domain verification", Status: model.BlockerResolved},
			}
			if err := s.ReplaceActiveBlockers(ctx, first); err != nil {
				t.Fatalf("ReplaceActiveBlockers failed: %v", err)
			}
			// Same document twice leaves the same table.
			if err := s.ReplaceActiveBlockers(ctx, first); err != nil {
				t.Fatalf("ReplaceActiveBlockers failed: %v", err)
			}
			all, err := s.ListBlockers(ctx, "")
			if err != nil {
				t.Fatalf("ListBlockers failed: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("Expected 2 blockers after repeated sync, got %d: %+v", len(all), all)
			}

			second := []model.Blocker{{Position: 0, Resource: "API quota exhausted", Status: model.BlockerActive}}
			if err := s.ReplaceActiveBlockers(ctx, second); err != nil {
				t.Fatalf("ReplaceActiveBlockers failed: %v", err)
			}
			active, err := s.ListBlockers(ctx, model.BlockerActive)
			if err != nil {
				t.Fatalf("ListBlockers failed: %v", err)
			}
			if len(active) != 1 || active[0].Resource != "API quota exhausted" {
				t.Errorf("Expected active set fully replaced, got %+v", active)
			}
			resolved, _ := s.ListBlockers(ctx, model.BlockerResolved)
			if len(resolved) != 1 || resolved[0].Resource != "Domain verification" {
				t.Errorf("Expected resolved blocker kept, got %+v", resolved)
			}
		})
	}
}

func TestStoreBlockerFieldsRoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, realtime.NewHub())

			alerted := false
			in := model.Blocker{
				Resource: "Gateway", Type: strPtr("infra"), DiscoveredAt: strPtr("2024-01-01"),
				AlertedUser: &alerted, Impacts: []string{"a", "b"}, Details: strPtr("line1\nline2"),
				Status: model.BlockerActive,
			}
			if err := s.ReplaceActiveBlockers(ctx, []model.Blocker{in}); err != nil {
				t.Fatalf("ReplaceActiveBlockers failed: %v", err)
			}
			out, err := s.ListBlockers(ctx, model.BlockerActive)
			if err != nil || len(out) != 1 {
				t.Fatalf("Expected 1 blocker, got %d (%v)", len(out), err)
			}
			b := out[0]
			if b.Type == nil || *b.Type != "infra" || b.AlertedUser == nil || *b.AlertedUser {
				t.Errorf("Unexpected blocker fields %+v", b)
			}
			if b.Resolution != nil || b.DiscoveredBy != nil {
				t.Errorf("Expected absent fields to stay nil, got %+v", b)
			}
			if len(b.Impacts) != 2 || b.Details == nil || *b.Details != "line1\nline2" {
				t.Errorf("Unexpected impacts/details %+v", b)
			}
		})
	}
}

func TestStoreClaimAndRecover(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, realtime.NewHub())

			base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
			seed := []model.Task{
				{ID: "low-old", Name: "low", Priority: model.P3, CreatedAt: base},
				{ID: "urgent-new", Name: "urgent new", Priority: model.P0, CreatedAt: base.Add(2 * time.Hour)},
				{ID: "urgent-old", Name: "urgent old", Priority: model.P0, CreatedAt: base.Add(time.Hour)},
				{ID: "blocked", Name: "blocked", Priority: model.P0, Status: model.TaskBlocked, CreatedAt: base},
			}
			for _, task := range seed {
				if _, err := s.InsertTask(ctx, task); err != nil {
					t.Fatalf("InsertTask failed: %v", err)
				}
			}

			now := base.Add(3 * time.Hour)
			var order []string
			for i := 0; i < 3; i++ {
				claimed, err := s.ClaimNextTask(ctx, "ava", now)
				if err != nil {
					t.Fatalf("ClaimNextTask failed: %v", err)
				}
				if claimed.Status != model.TaskInProgress || claimed.AssignedTo == nil || *claimed.AssignedTo != "ava" {
					t.Errorf("Unexpected claimed task %+v", claimed)
				}
				order = append(order, claimed.ID)
			}
			want := []string{"urgent-old", "urgent-new", "low-old"}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("Expected claim order %v, got %v", want, order)
				}
			}
			if _, err := s.ClaimNextTask(ctx, "ava", now); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound with nothing ready, got %v", err)
			}

			later := now.Add(2 * time.Hour)
			n, err := s.RecoverStaleTasks(ctx, later.Add(-time.Hour), "Timeout", later)
			if err != nil {
				t.Fatalf("RecoverStaleTasks failed: %v", err)
			}
			if n != 3 {
				t.Errorf("Expected 3 recovered tasks, got %d", n)
			}
			got, _ := s.GetTask(ctx, "urgent-old")
			if got.Status != model.TaskBlocked || len(got.Blockers) != 1 || got.ModifiedBy != model.ModifiedBySystem {
				t.Errorf("Unexpected recovered task %+v", got)
			}
		})
	}
}

func TestParseNotification(t *testing.T) {
	c := ParseNotification(nil)
	if c.Op != realtime.OpReconnect {
		t.Errorf("Expected reconnect for nil notification, got %s", c.Op)
	}
}

func TestRebind(t *testing.T) {
	got := postgresDialect.rebind("UPDATE tasks SET a = ?, b = ? WHERE id = ?")
	want := "UPDATE tasks SET a = $1, b = $2 WHERE id = $3"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if sqliteDialect.rebind("a = ?") != "a = ?" {
		t.Error("Expected sqlite queries left untouched")
	}
}
