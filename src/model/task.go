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

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TasksTable is the table (and notification scope) holding task rows.
const TasksTable = "tasks"

type TaskStatus string

const (
	TaskReady      TaskStatus = "READY"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskCompleted  TaskStatus = "COMPLETED"
	// TaskPending is a legacy import value. The board has no column for it.
	TaskPending TaskStatus = "PENDING"
)

// Valid reports whether s is a status the data model accepts.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskReady, TaskInProgress, TaskBlocked, TaskCompleted, TaskPending:
		return true
	}
	return false
}

type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Rank orders priorities, P0 first. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	case P2:
		return 2
	case P3:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// Mutator identities recorded in ModifiedBy.
const (
	ModifiedByHuman  = "human"
	ModifiedByAgent  = "agent"
	ModifiedBySystem = "system"
)

// Provenance tags recorded in Source.
const (
	SourceHuman  = "human"
	SourceAgent  = "agent"
	SourceImport = "import"
)

var ErrInvalidTask = errors.New("invalid task")

type Task struct {
	ID           string     `json:"id" yaml:"id,omitempty"`
	Name         string     `json:"name" yaml:"name"`
	Description  *string    `json:"description,omitempty" yaml:"description,omitempty"`
	Priority     Priority   `json:"priority" yaml:"priority,omitempty"`
	Status       TaskStatus `json:"status" yaml:"status,omitempty"`
	AssignedTo   *string    `json:"assignedTo,omitempty" yaml:"assignedTo,omitempty"`
	Blockers     []string   `json:"blockers" yaml:"blockers,omitempty"`
	Dependencies []string   `json:"dependencies" yaml:"dependencies,omitempty"`
	TimeEstimate *string    `json:"timeEstimate,omitempty" yaml:"timeEstimate,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt" yaml:"updatedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	Source       string     `json:"source" yaml:"source,omitempty"`
	ModifiedBy   string     `json:"modifiedBy" yaml:"modifiedBy,omitempty"`
	Synced       bool       `json:"synced" yaml:"synced"`
}

// Clone returns a copy that shares no slices or pointers with t.
func (t Task) Clone() Task {
	c := t
	c.Description = cloneString(t.Description)
	c.AssignedTo = cloneString(t.AssignedTo)
	c.TimeEstimate = cloneString(t.TimeEstimate)
	c.Blockers = append([]string(nil), t.Blockers...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

// ValidateTask checks the fields a stored task must always carry.
func ValidateTask(t Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	return nil
}

// TaskPatch is a partial update keyed by task id. Nil fields are left alone.
type TaskPatch struct {
	Name         *string     `json:"name,omitempty"`
	Description  *string     `json:"description,omitempty"`
	Priority     *Priority   `json:"priority,omitempty"`
	Status       *TaskStatus `json:"status,omitempty"`
	AssignedTo   *string     `json:"assignedTo,omitempty"`
	Blockers     *[]string   `json:"blockers,omitempty"`
	Dependencies *[]string   `json:"dependencies,omitempty"`
	TimeEstimate *string     `json:"timeEstimate,omitempty"`
	UpdatedAt    *time.Time  `json:"updatedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	// ClearCompletedAt writes NULL; it wins over CompletedAt.
	ClearCompletedAt bool    `json:"clearCompletedAt,omitempty"`
	ModifiedBy       *string `json:"modifiedBy,omitempty"`
	Synced           *bool   `json:"synced,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Priority == nil && p.Status == nil &&
		p.AssignedTo == nil && p.Blockers == nil && p.Dependencies == nil && p.TimeEstimate == nil &&
		p.UpdatedAt == nil && p.CompletedAt == nil && !p.ClearCompletedAt &&
		p.ModifiedBy == nil && p.Synced == nil
}

// Apply returns t with the patch applied. t is not modified.
func (p TaskPatch) Apply(t Task) Task {
	out := t.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = cloneString(p.Description)
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.AssignedTo != nil {
		out.AssignedTo = cloneString(p.AssignedTo)
	}
	if p.Blockers != nil {
		out.Blockers = append([]string(nil), (*p.Blockers)...)
	}
	if p.Dependencies != nil {
		out.Dependencies = append([]string(nil), (*p.Dependencies)...)
	}
	if p.TimeEstimate != nil {
		out.TimeEstimate = cloneString(p.TimeEstimate)
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		out.CompletedAt = &ts
	}
	if p.ClearCompletedAt {
		out.CompletedAt = nil
	}
	if p.ModifiedBy != nil {
		out.ModifiedBy = *p.ModifiedBy
	}
	if p.Synced != nil {
		out.Synced = *p.Synced
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
