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

// Package board holds the task board rules: which columns exist, which drags
// are legal, and what a drop does to a task.
package board

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"missioncontrol/src/model"
)

// Columns are the board's status columns, left to right.
var Columns = []model.TaskStatus{
	model.TaskReady,
	model.TaskInProgress,
	model.TaskBlocked,
	model.TaskCompleted,
}

// Decision is the outcome of a drop event.
type Decision int

const (
	// Applied means the task moved and a mutation must be persisted.
	Applied Decision = iota
	// NoOp means the task was dropped on its own column.
	NoOp
	// Locked means the task is IN_PROGRESS and owned by its executor.
	Locked
	// UnknownColumn means the drop target is not a board column.
	UnknownColumn
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case NoOp:
		return "noop"
	case Locked:
		return "locked"
	case UnknownColumn:
		return "unknown_column"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// ColumnStatus resolves a drop target id ("BLOCKED", "in-progress", ...) to
// the status of that column.
func ColumnStatus(columnID string) (model.TaskStatus, bool) {
	id := strings.ToUpper(strings.TrimSpace(columnID))
	id = strings.NewReplacer("-", "_", " ", "_").Replace(id)
	for _, c := range Columns {
		if string(c) == id {
			return c, true
		}
	}
	return "", false
}

// CanDrag reports whether the card may be picked up at all. IN_PROGRESS tasks
// belong to their executor and cannot be moved from the board.
func CanDrag(t model.Task) bool {
	return t.Status != model.TaskInProgress
}

// ApplyTransition is the drop reducer. It returns the task as it should look
// locally, the patch to send to the store, and the decision. The input task is
// never modified; on anything but Applied the returned task equals the input
// and the patch is empty.
func ApplyTransition(t model.Task, columnID string, now time.Time) (model.Task, model.TaskPatch, Decision) {
	target, ok := ColumnStatus(columnID)
	if !ok {
		return t, model.TaskPatch{}, UnknownColumn
	}
	if t.Status == target {
		return t, model.TaskPatch{}, NoOp
	}
	if !CanDrag(t) {
		return t, model.TaskPatch{}, Locked
	}

	modifiedBy := model.ModifiedByHuman
	synced := false
	patch := model.TaskPatch{
		Status:     &target,
		ModifiedBy: &modifiedBy,
		Synced:     &synced,
		UpdatedAt:  &now,
	}
	switch {
	case target == model.TaskCompleted:
		patch.CompletedAt = &now
	case t.Status == model.TaskCompleted || t.CompletedAt != nil:
		patch.ClearCompletedAt = true
	}
	if t.Status == model.TaskBlocked && len(t.Blockers) > 0 {
		cleared := []string{}
		patch.Blockers = &cleared
	}

	return patch.Apply(t), patch, Applied
}

var (
	ErrCompletedAtMismatch    = errors.New("completedAt must be set exactly when status is COMPLETED")
	ErrBlockersOutsideBlocked = errors.New("blockers recorded on a task that is not BLOCKED")
)

// CheckInvariants reports the first data-model invariant the task violates.
func CheckInvariants(t model.Task) error {
	if (t.CompletedAt != nil) != (t.Status == model.TaskCompleted) {
		return fmt.Errorf("task %s (%s): %w", t.ID, t.Status, ErrCompletedAtMismatch)
	}
	if len(t.Blockers) > 0 && t.Status != model.TaskBlocked {
		return fmt.Errorf("task %s (%s): %w", t.ID, t.Status, ErrBlockersOutsideBlocked)
	}
	return nil
}
