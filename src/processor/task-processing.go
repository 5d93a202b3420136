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

// Package processor holds the operations of the external executor, the only
// party allowed to move work into or out of IN_PROGRESS, and blocker log
// ingestion.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"missioncontrol/src/logging"
	"missioncontrol/src/model"
	"missioncontrol/src/store"
)

// ErrWrongState is returned when a task is not in the state an executor
// operation expects.
var ErrWrongState = errors.New("task is in the wrong state")

// StaleReason is the blocker recorded on tasks recovered from a silent
// executor.
const StaleReason = "Timeout/Executor crash"

var clock = func() time.Time { return time.Now().UTC() }

// ClaimTask hands the highest-priority, oldest READY task to executor.
// store.ErrNotFound means there is nothing to claim.
func ClaimTask(ctx context.Context, st store.ExecutorStore, executor string) (model.Task, error) {
	if strings.TrimSpace(executor) == "" {
		return model.Task{}, fmt.Errorf("%w: executor is required", model.ErrInvalidTask)
	}
	task, err := st.ClaimNextTask(ctx, executor, clock())
	if err != nil {
		return model.Task{}, err
	}
	logging.Add(ctx, logging.ExecutorClaims, 1, attribute.String("executor", executor))
	logging.Log(fmt.Sprintf("Task %s claimed by %s", task.ID, executor), slog.LevelInfo)
	return task, nil
}

// FinishTask marks an IN_PROGRESS task COMPLETED.
func FinishTask(ctx context.Context, st store.TaskStore, id, executor string) (model.Task, error) {
	task, err := inProgress(ctx, st, id, executor)
	if err != nil {
		return model.Task{}, err
	}

	now := clock()
	status := model.TaskCompleted
	by := model.ModifiedByAgent
	synced := true
	patch := model.TaskPatch{
		Status:      &status,
		CompletedAt: &now,
		UpdatedAt:   &now,
		ModifiedBy:  &by,
		Synced:      &synced,
	}
	if err := st.UpdateTask(ctx, id, patch); err != nil {
		logging.Log(fmt.Sprintf("Error marking task as completed: %v", err), slog.LevelError)
		return model.Task{}, err
	}
	logging.Log(fmt.Sprintf("Task %s completed by %s", id, executor), slog.LevelInfo)
	return patch.Apply(task), nil
}

// BlockTask parks an IN_PROGRESS task as BLOCKED with the given reasons.
func BlockTask(ctx context.Context, st store.TaskStore, id, executor string, blockers []string) (model.Task, error) {
	reasons := make([]string, 0, len(blockers))
	for _, b := range blockers {
		if b = strings.TrimSpace(b); b != "" {
			reasons = append(reasons, b)
		}
	}
	if len(reasons) == 0 {
		return model.Task{}, fmt.Errorf("%w: at least one blocker is required", model.ErrInvalidTask)
	}

	task, err := inProgress(ctx, st, id, executor)
	if err != nil {
		return model.Task{}, err
	}

	now := clock()
	status := model.TaskBlocked
	by := model.ModifiedByAgent
	synced := true
	patch := model.TaskPatch{
		Status:     &status,
		Blockers:   &reasons,
		UpdatedAt:  &now,
		ModifiedBy: &by,
		Synced:     &synced,
	}
	if err := st.UpdateTask(ctx, id, patch); err != nil {
		logging.Log(fmt.Sprintf("Error marking task as blocked: %v", err), slog.LevelError)
		return model.Task{}, err
	}
	logging.Log(fmt.Sprintf("Task %s blocked by %s: %s", id, executor, strings.Join(reasons, "; ")), slog.LevelWarn)
	return patch.Apply(task), nil
}

// AckTask records that the executor has picked up the latest human change.
// updatedAt is left alone so the acknowledgement is not itself a change.
func AckTask(ctx context.Context, st store.TaskStore, id string) (model.Task, error) {
	task, err := st.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if task.Synced {
		return task, nil
	}
	synced := true
	patch := model.TaskPatch{Synced: &synced}
	if err := st.UpdateTask(ctx, id, patch); err != nil {
		return model.Task{}, err
	}
	return patch.Apply(task), nil
}

// RecoverTasks moves IN_PROGRESS tasks untouched for longer than staleAfter
// to BLOCKED. This handles an executor that crashed while holding work.
func RecoverTasks(ctx context.Context, st store.ExecutorStore, staleAfter time.Duration) (int64, error) {
	now := clock()
	count, err := st.RecoverStaleTasks(ctx, now.Add(-staleAfter), StaleReason, now)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		return 0, err
	}
	if count > 0 {
		logging.Add(ctx, logging.TasksRecovered, float64(count))
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as blocked)", count), slog.LevelInfo)
	}
	return count, nil
}

func inProgress(ctx context.Context, st store.TaskStore, id, executor string) (model.Task, error) {
	task, err := st.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if task.Status != model.TaskInProgress {
		return model.Task{}, fmt.Errorf("%w: %s is %s, not %s", ErrWrongState, id, task.Status, model.TaskInProgress)
	}
	if executor != "" && task.AssignedTo != nil && *task.AssignedTo != executor {
		return model.Task{}, fmt.Errorf("%w: %s is assigned to %s", ErrWrongState, id, *task.AssignedTo)
	}
	return task, nil
}
