// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package store is the task record store: point reads and writes on task
// rows, the blocker table, and the executor's atomic claim.
//
// Every backend publishes row changes on the tasks table to a realtime.Hub,
// either from the database (Postgres LISTEN/NOTIFY) or in-process after each
// committed write (SQLite, memory).
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"missioncontrol/src/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// TaskStore is the persistence interface the board consumes.
type TaskStore interface {
	// ListTasks returns every task, most recently created first.
	ListTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	InsertTask(ctx context.Context, t model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error
	DeleteTask(ctx context.Context, id string) error
}

type BlockerStore interface {
	// ListBlockers returns blockers in document order. An empty status
	// returns every blocker.
	ListBlockers(ctx context.Context, status model.BlockerStatus) ([]model.Blocker, error)
	// ReplaceActiveBlockers deletes every active blocker, and any resolved
	// blocker re-listed under the same resource, then inserts the given set,
	// as one transaction.
	ReplaceActiveBlockers(ctx context.Context, blockers []model.Blocker) error
}

type ExecutorStore interface {
	// ClaimNextTask atomically moves the most urgent, oldest READY task to
	// IN_PROGRESS for executor. It returns ErrNotFound when nothing is ready.
	ClaimNextTask(ctx context.Context, executor string, now time.Time) (model.Task, error)
	// RecoverStaleTasks moves IN_PROGRESS tasks not updated since cutoff to
	// BLOCKED with reason as their blocker, returning how many moved.
	RecoverStaleTasks(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error)
}

type Store interface {
	TaskStore
	BlockerStore
	ExecutorStore
	Close() error
}

// prepareInsert fills server-side defaults, normalizes the status
// invariants and validates the row.
func prepareInsert(t model.Task, now time.Time) (model.Task, error) {
	t = t.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskReady
	}
	if t.Priority == "" {
		t.Priority = model.P2
	}
	if t.Source == "" {
		t.Source = model.SourceHuman
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	// completedAt is set iff COMPLETED; blockers only live on BLOCKED rows.
	switch {
	case t.Status != model.TaskCompleted:
		t.CompletedAt = nil
	case t.CompletedAt == nil:
		done := t.UpdatedAt
		t.CompletedAt = &done
	}
	if t.Blockers == nil || t.Status != model.TaskBlocked {
		t.Blockers = []string{}
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if err := model.ValidateTask(t); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// sortNewestFirst orders tasks by creation time, descending, with id as a
// tie-breaker so reads are deterministic.
func sortNewestFirst(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
}

// claimOrder sorts READY candidates: priority first, then oldest.
func claimOrder(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
