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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"missioncontrol/src/model"
	"missioncontrol/src/realtime"
)

// Memory keeps tasks and blockers in process memory.
type Memory struct {
	mu       sync.RWMutex
	tasks    map[string]model.Task
	blockers []model.Blocker
	hub      *realtime.Hub
}

// NewMemory creates an empty store publishing changes to hub (may be nil).
func NewMemory(hub *realtime.Hub) *Memory {
	return &Memory{tasks: map[string]model.Task{}, hub: hub}
}

func (m *Memory) ListTasks(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) InsertTask(ctx context.Context, t model.Task) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	t, err := prepareInsert(t, time.Now().UTC())
	if err != nil {
		return model.Task{}, err
	}
	m.mu.Lock()
	if _, exists := m.tasks[t.ID]; exists {
		m.mu.Unlock()
		return model.Task{}, fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}
	m.tasks[t.ID] = t.Clone()
	m.mu.Unlock()

	m.publish(realtime.OpInsert, t.ID)
	return t, nil
}

func (m *Memory) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	next := patch.Apply(t)
	if err := model.ValidateTask(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.tasks[id] = next
	m.mu.Unlock()

	m.publish(realtime.OpUpdate, id)
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	m.mu.Unlock()

	m.publish(realtime.OpDelete, id)
	return nil
}

func (m *Memory) ListBlockers(ctx context.Context, status model.BlockerStatus) ([]model.Blocker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Blocker{}
	for _, b := range m.blockers {
		if status == "" || b.Status == status {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) ReplaceActiveBlockers(ctx context.Context, blockers []model.Blocker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	incoming := make(map[string]bool, len(blockers))
	for _, b := range blockers {
		incoming[b.Resource] = true
	}
	m.mu.Lock()
	kept := make([]model.Blocker, 0, len(m.blockers)+len(blockers))
	for _, b := range m.blockers {
		if b.Status != model.BlockerActive && !incoming[b.Resource] {
			kept = append(kept, b)
		}
	}
	m.blockers = append(kept, blockers...)
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Publish(realtime.Change{Table: model.BlockersTable, Op: realtime.OpInsert})
	}
	return nil
}

func (m *Memory) ClaimNextTask(ctx context.Context, executor string, now time.Time) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.Lock()
	var ready []model.Task
	for _, t := range m.tasks {
		if t.Status == model.TaskReady {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		m.mu.Unlock()
		return model.Task{}, fmt.Errorf("no ready task: %w", ErrNotFound)
	}
	claimOrder(ready)
	claimed := claimPatch(executor, now).Apply(ready[0])
	m.tasks[claimed.ID] = claimed
	m.mu.Unlock()

	m.publish(realtime.OpUpdate, claimed.ID)
	return claimed.Clone(), nil
}

func (m *Memory) RecoverStaleTasks(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	var moved []string
	for id, t := range m.tasks {
		if t.Status == model.TaskInProgress && t.UpdatedAt.Before(cutoff) {
			m.tasks[id] = recoverPatch(reason, now).Apply(t)
			moved = append(moved, id)
		}
	}
	m.mu.Unlock()

	for _, id := range moved {
		m.publish(realtime.OpUpdate, id)
	}
	return int64(len(moved)), nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) publish(op realtime.Op, id string) {
	if m.hub != nil {
		m.hub.Publish(realtime.Change{Table: model.TasksTable, Op: op, RowID: id})
	}
}

// claimPatch is the executor's pick-up mutation.
func claimPatch(executor string, now time.Time) model.TaskPatch {
	status := model.TaskInProgress
	by := model.ModifiedByAgent
	return model.TaskPatch{
		Status:     &status,
		AssignedTo: &executor,
		ModifiedBy: &by,
		UpdatedAt:  &now,
	}
}

// recoverPatch parks a task whose executor went silent.
func recoverPatch(reason string, now time.Time) model.TaskPatch {
	status := model.TaskBlocked
	by := model.ModifiedBySystem
	blockers := []string{reason}
	return model.TaskPatch{
		Status:     &status,
		Blockers:   &blockers,
		ModifiedBy: &by,
		UpdatedAt:  &now,
	}
}
