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

package board

import "missioncontrol/src/model"

// Column is one rendered board column.
type Column struct {
	Status model.TaskStatus `json:"status" yaml:"status"`
	Tasks  []model.Task     `json:"tasks" yaml:"tasks"`
}

// Group lays tasks out into the board columns, keeping their input order.
// Tasks whose status has no column (legacy PENDING) are left out.
func Group(tasks []model.Task) []Column {
	cols := make([]Column, len(Columns))
	index := make(map[model.TaskStatus]int, len(Columns))
	for i, status := range Columns {
		cols[i] = Column{Status: status, Tasks: []model.Task{}}
		index[status] = i
	}
	for _, t := range tasks {
		if i, ok := index[t.Status]; ok {
			cols[i].Tasks = append(cols[i].Tasks, t)
		}
	}
	return cols
}

// Counts returns the number of tasks per status, including statuses without
// a column.
func Counts(tasks []model.Task) map[model.TaskStatus]int {
	counts := make(map[model.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}
