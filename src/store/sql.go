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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missioncontrol/src/model"
	"missioncontrol/src/realtime"
)

const taskColumns = `id, name, description, priority, status, assigned_to, blockers, dependencies,
	time_estimate, created_at, updated_at, completed_at, source, modified_by, synced`

const blockerColumns = `position, type, resource, discovered_at, discovered_by, alerted_user,
	priority_impact, impacts, details, resolution, status`

// priorityOrder ranks P0 first in SQL.
const priorityOrder = `CASE priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 WHEN 'P2' THEN 2 WHEN 'P3' THEN 3 ELSE 4 END`

// SQLStore is the database/sql backed store shared by Postgres and SQLite.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	hub *realtime.Hub
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, hub *realtime.Hub) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("Error trying to connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
	}
	return &SQLStore{db: db, d: d, hub: hub}, nil
}

// DB exposes the underlying handle for stats queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanTask(row scanner) (model.Task, error) {
	var t model.Task
	blockers, deps := s.d.newList(), s.d.newList()
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Priority, &t.Status, &t.AssignedTo,
		blockers, deps, &t.TimeEstimate, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&t.Source, &t.ModifiedBy, &t.Synced,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.Blockers = blockers.Strings()
	t.Dependencies = deps.Strings()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.CompletedAt != nil {
		ts := t.CompletedAt.UTC()
		t.CompletedAt = &ts
	}
	return t, nil
}

func (s *SQLStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	sortNewestFirst(tasks)
	return tasks, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) InsertTask(ctx context.Context, t model.Task) (model.Task, error) {
	t, err := prepareInsert(t, time.Now().UTC())
	if err != nil {
		return model.Task{}, err
	}

	query := s.d.rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Description, t.Priority, t.Status, t.AssignedTo,
		s.d.list(t.Blockers), s.d.list(t.Dependencies), t.TimeEstimate,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.Source, t.ModifiedBy, t.Synced,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Task{}, fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}

	s.publish(realtime.OpInsert, t.ID)
	return t, nil
}

func (s *SQLStore) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error {
	if err := validatePatch(patch); err != nil {
		return err
	}
	sets, args := s.patchSet(patch)
	if len(sets) == 0 {
		_, err := s.GetTask(ctx, id)
		return err
	}

	query := s.d.rebind(`UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	s.publish(realtime.OpUpdate, id)
	return nil
}

func (s *SQLStore) patchSet(p model.TaskPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Priority != nil {
		add("priority", *p.Priority)
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.AssignedTo != nil {
		add("assigned_to", *p.AssignedTo)
	}
	if p.Blockers != nil {
		add("blockers", s.d.list(*p.Blockers))
	}
	if p.Dependencies != nil {
		add("dependencies", s.d.list(*p.Dependencies))
	}
	if p.TimeEstimate != nil {
		add("time_estimate", *p.TimeEstimate)
	}
	if p.UpdatedAt != nil {
		add("updated_at", p.UpdatedAt.UTC())
	}
	switch {
	case p.ClearCompletedAt:
		sets = append(sets, "completed_at = NULL")
	case p.CompletedAt != nil:
		add("completed_at", p.CompletedAt.UTC())
	}
	if p.ModifiedBy != nil {
		add("modified_by", *p.ModifiedBy)
	}
	if p.Synced != nil {
		add("synced", *p.Synced)
	}
	return sets, args
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	s.publish(realtime.OpDelete, id)
	return nil
}

func (s *SQLStore) ListBlockers(ctx context.Context, status model.BlockerStatus) ([]model.Blocker, error) {
	query := `SELECT ` + blockerColumns + ` FROM blockers`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY status, position, id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blockers: %w", err)
	}
	defer rows.Close()

	blockers := []model.Blocker{}
	for rows.Next() {
		var b model.Blocker
		impacts := s.d.newList()
		if err := rows.Scan(&b.Position, &b.Type, &b.Resource, &b.DiscoveredAt, &b.DiscoveredBy,
			&b.AlertedUser, &b.PriorityImpact, impacts, &b.Details, &b.Resolution, &b.Status); err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		b.Impacts = impacts.Strings()
		blockers = append(blockers, b)
	}
	return blockers, rows.Err()
}

func (s *SQLStore) ReplaceActiveBlockers(ctx context.Context, blockers []model.Blocker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Error starting transaction: %w", err)
	}
	defer tx.Rollback()

	resources := make([]string, 0, len(blockers))
	for _, b := range blockers {
		resources = append(resources, b.Resource)
	}
	del := s.d.rebind(`DELETE FROM blockers WHERE status = ? OR ` + s.d.anyResource)
	if _, err := tx.ExecContext(ctx, del, model.BlockerActive, s.d.list(resources)); err != nil {
		return fmt.Errorf("failed to clear active blockers: %w", err)
	}

	ins := s.d.rebind(`INSERT INTO blockers (` + blockerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, b := range blockers {
		status := b.Status
		if status == "" {
			status = model.BlockerActive
		}
		if _, err := tx.ExecContext(ctx, ins, b.Position, b.Type, b.Resource, b.DiscoveredAt, b.DiscoveredBy,
			b.AlertedUser, b.PriorityImpact, s.d.list(b.Impacts), b.Details, b.Resolution, status); err != nil {
			return fmt.Errorf("failed to insert blocker %q: %w", b.Resource, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Error committing transaction: %w", err)
	}
	if s.d.notifyInProcess && s.hub != nil {
		s.hub.Publish(realtime.Change{Table: model.BlockersTable, Op: realtime.OpInsert})
	}
	return nil
}

func (s *SQLStore) ClaimNextTask(ctx context.Context, executor string, now time.Time) (model.Task, error) {
	// Get task using transaction for locking
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("Error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.d.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ?
		ORDER BY ` + priorityOrder + `, created_at ASC
		LIMIT 1` + s.d.lockClause)
	t, err := s.scanTask(tx.QueryRowContext(ctx, query, model.TaskReady))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("no ready task: %w", ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("Error querying task: %w", err)
	}

	patch := claimPatch(executor, now)
	sets, args := s.patchSet(patch)
	update := s.d.rebind(`UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`)
	if _, err := tx.ExecContext(ctx, update, append(args, t.ID, model.TaskReady)...); err != nil {
		return model.Task{}, fmt.Errorf("Error updating task status to in progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("Error committing transaction: %w", err)
	}

	s.publish(realtime.OpUpdate, t.ID)
	return patch.Apply(t), nil
}

func (s *SQLStore) RecoverStaleTasks(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int64, error) {
	sets, args := s.patchSet(recoverPatch(reason, now))
	query := s.d.rebind(`UPDATE tasks SET ` + strings.Join(sets, ", ") + `
		WHERE status = ? AND updated_at < ?
		RETURNING id`)
	rows, err := s.db.QueryContext(ctx, query, append(args, model.TaskInProgress, cutoff.UTC())...)
	if err != nil {
		return 0, fmt.Errorf("Error recovering tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("Error recovering tasks: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("Error recovering tasks: %w", err)
	}
	for _, id := range ids {
		s.publish(realtime.OpUpdate, id)
	}
	return int64(len(ids)), nil
}

func (s *SQLStore) publish(op realtime.Op, id string) {
	if s.d.notifyInProcess && s.hub != nil {
		s.hub.Publish(realtime.Change{Table: model.TasksTable, Op: op, RowID: id})
	}
}

func validatePatch(p model.TaskPatch) error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidTask)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidTask, *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", model.ErrInvalidTask, *p.Priority)
	}
	return nil
}
