package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"missioncontrol/src/model"
	"missioncontrol/src/store"
)

const blockerLog = `# Blockers

## Active Blockers

### Payment gateway down
**Type:** infra
**Discovered:** 2024-01-01
**Alerted User:** yes

**Details:**
Stripe webhook returns 500.

---

### [Blocker Title]
**Type:** x

## Resolved Blockers

### Old outage
**Status:** resolved
`

func seed(t *testing.T, st store.TaskStore, tasks ...model.Task) {
	t.Helper()
	for _, task := range tasks {
		if _, err := st.InsertTask(context.Background(), task); err != nil {
			t.Fatalf("InsertTask failed: %v", err)
		}
	}
}

func TestSyncBlockers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	path := filepath.Join(t.TempDir(), "BLOCKERS.md")
	if err := os.WriteFile(path, []byte(blockerLog), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		n, err := SyncBlockers(ctx, st, path)
		if err != nil {
			t.Fatalf("SyncBlockers failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("Expected 1 blocker, got %d", n)
		}
	}

	active, err := st.ListBlockers(ctx, model.BlockerActive)
	if err != nil {
		t.Fatalf("ListBlockers failed: %v", err)
	}
	if len(active) != 1 || active[0].Resource != "Payment gateway down" {
		t.Fatalf("Unexpected active blockers: %+v", active)
	}
	if active[0].AlertedUser == nil || !*active[0].AlertedUser {
		t.Error("Expected alerted user flag")
	}
}

func TestSyncBlockersMissingFile(t *testing.T) {
	st := store.NewMemory(nil)
	_, err := SyncBlockers(context.Background(), st, filepath.Join(t.TempDir(), "missing.md"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestSyncBlockersTextEmptyClearsActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	if _, err := SyncBlockersText(ctx, st, blockerLog); err != nil {
		t.Fatalf("SyncBlockersText failed: %v", err)
	}
	n, err := SyncBlockersText(ctx, st, "no sections at all")
	if err != nil {
		t.Fatalf("SyncBlockersText failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 blockers, got %d", n)
	}
	active, _ := st.ListBlockers(ctx, model.BlockerActive)
	if len(active) != 0 {
		t.Errorf("Expected active set cleared, got %d", len(active))
	}
}

func TestSyncBlockersTextDecoratedHeading(t *testing.T) {
	tests := []struct {
		heading string
		want    int
	}{
		{"## 🚨 Active Blockers", 1},
		{"## Active Blockers (2)", 1},
		{"## Inactive Blockers", 0},
	}
	for _, tt := range tests {
		t.Run(tt.heading, func(t *testing.T) {
			st := store.NewMemory(nil)
			text := tt.heading + "\n### Upgrade C#\n**Type:** tooling\n"
			n, err := SyncBlockersText(context.Background(), st, text)
			if err != nil {
				t.Fatalf("SyncBlockersText failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("Expected %d blockers, got %d", tt.want, n)
			}
		})
	}
}

func TestClaimTaskOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	base := time.Now().UTC().Add(-time.Hour)
	seed(t, st,
		model.Task{ID: "low-old", Name: "a", Priority: model.P2, CreatedAt: base},
		model.Task{ID: "high-new", Name: "b", Priority: model.P0, CreatedAt: base.Add(time.Minute)},
		model.Task{ID: "high-old", Name: "c", Priority: model.P0, CreatedAt: base.Add(-time.Minute)},
		model.Task{ID: "blocked", Name: "d", Priority: model.P0, Status: model.TaskBlocked, Blockers: []string{"x"}},
	)

	want := []string{"high-old", "high-new", "low-old"}
	for _, id := range want {
		task, err := ClaimTask(ctx, st, "agent-1")
		if err != nil {
			t.Fatalf("ClaimTask failed: %v", err)
		}
		if task.ID != id {
			t.Errorf("Expected %s, got %s", id, task.ID)
		}
		if task.Status != model.TaskInProgress || task.AssignedTo == nil || *task.AssignedTo != "agent-1" || task.ModifiedBy != model.ModifiedByAgent {
			t.Errorf("Unexpected claimed task: %+v", task)
		}
	}
	if _, err := ClaimTask(ctx, st, "agent-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound when nothing is ready, got %v", err)
	}
	if _, err := ClaimTask(ctx, st, " "); !errors.Is(err, model.ErrInvalidTask) {
		t.Errorf("Expected ErrInvalidTask for empty executor, got %v", err)
	}
}

func TestFinishAndBlockTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	seed(t, st,
		model.Task{ID: "ready", Name: "r"},
		model.Task{ID: "a", Name: "a", Status: model.TaskInProgress, AssignedTo: strPtr("agent-1")},
		model.Task{ID: "b", Name: "b", Status: model.TaskInProgress, AssignedTo: strPtr("agent-1")},
	)

	done, err := FinishTask(ctx, st, "a", "agent-1")
	if err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}
	if done.Status != model.TaskCompleted || done.CompletedAt == nil {
		t.Errorf("Expected COMPLETED with completedAt, got %+v", done)
	}
	stored, _ := st.GetTask(ctx, "a")
	if stored.Status != model.TaskCompleted || stored.CompletedAt == nil {
		t.Errorf("Expected stored COMPLETED, got %+v", stored)
	}

	blocked, err := BlockTask(ctx, st, "b", "agent-1", []string{" needs API key ", ""})
	if err != nil {
		t.Fatalf("BlockTask failed: %v", err)
	}
	if blocked.Status != model.TaskBlocked || len(blocked.Blockers) != 1 || blocked.Blockers[0] != "needs API key" {
		t.Errorf("Unexpected blocked task: %+v", blocked)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"finish ready task", func() error { _, err := FinishTask(ctx, st, "ready", "agent-1"); return err }, ErrWrongState},
		{"finish completed task", func() error { _, err := FinishTask(ctx, st, "a", "agent-1"); return err }, ErrWrongState},
		{"block missing task", func() error { _, err := BlockTask(ctx, st, "nope", "agent-1", []string{"x"}); return err }, store.ErrNotFound},
		{"block without reason", func() error { _, err := BlockTask(ctx, st, "b", "agent-1", nil); return err }, model.ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFinishTaskOtherExecutor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	seed(t, st, model.Task{ID: "a", Name: "a", Status: model.TaskInProgress, AssignedTo: strPtr("agent-1")})

	if _, err := FinishTask(ctx, st, "a", "agent-2"); !errors.Is(err, ErrWrongState) {
		t.Errorf("Expected ErrWrongState, got %v", err)
	}
}

func TestAckTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	updated := time.Now().UTC().Add(-time.Minute)
	seed(t, st, model.Task{ID: "t1", Name: "moved by human", Status: model.TaskBlocked, Synced: false, UpdatedAt: updated})

	acked, err := AckTask(ctx, st, "t1")
	if err != nil {
		t.Fatalf("AckTask failed: %v", err)
	}
	if !acked.Synced {
		t.Error("Expected synced=true")
	}
	stored, _ := st.GetTask(ctx, "t1")
	if !stored.Synced || !stored.UpdatedAt.Equal(updated) {
		t.Errorf("Expected synced without touching updatedAt, got %+v", stored)
	}
	if _, err := AckTask(ctx, st, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecoverTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	now := time.Now().UTC()
	seed(t, st,
		model.Task{ID: "stale", Name: "s", Status: model.TaskInProgress, UpdatedAt: now.Add(-2 * time.Hour), CreatedAt: now.Add(-3 * time.Hour)},
		model.Task{ID: "fresh", Name: "f", Status: model.TaskInProgress, UpdatedAt: now.Add(-time.Minute), CreatedAt: now.Add(-3 * time.Hour)},
		model.Task{ID: "ready", Name: "r", UpdatedAt: now.Add(-5 * time.Hour), CreatedAt: now.Add(-6 * time.Hour)},
	)

	n, err := RecoverTasks(ctx, st, time.Hour)
	if err != nil {
		t.Fatalf("RecoverTasks failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 recovered task, got %d", n)
	}
	stale, _ := st.GetTask(ctx, "stale")
	if stale.Status != model.TaskBlocked || len(stale.Blockers) != 1 || stale.Blockers[0] != StaleReason || stale.ModifiedBy != model.ModifiedBySystem {
		t.Errorf("Unexpected recovered task: %+v", stale)
	}
	for _, id := range []string{"fresh", "ready"} {
		task, _ := st.GetTask(ctx, id)
		if task.Status == model.TaskBlocked {
			t.Errorf("%s should not have been recovered", id)
		}
	}
}

func strPtr(s string) *string { return &s }
