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

// BlockersTable holds the parsed blocker log.
const BlockersTable = "blockers"

type BlockerStatus string

const (
	BlockerActive   BlockerStatus = "active"
	BlockerResolved BlockerStatus = "resolved"
)

// Blocker is one entry of the blocker log. Absent fields are nil.
type Blocker struct {
	Position       int           `json:"position" yaml:"position"`
	Type           *string       `json:"type,omitempty" yaml:"type,omitempty"`
	Resource       string        `json:"resource" yaml:"resource"`
	DiscoveredAt   *string       `json:"discoveredAt,omitempty" yaml:"discoveredAt,omitempty"`
	DiscoveredBy   *string       `json:"discoveredBy,omitempty" yaml:"discoveredBy,omitempty"`
	AlertedUser    *bool         `json:"alertedUser,omitempty" yaml:"alertedUser,omitempty"`
	PriorityImpact *string       `json:"priorityImpact,omitempty" yaml:"priorityImpact,omitempty"`
	Impacts        []string      `json:"impacts" yaml:"impacts,omitempty"`
	Details        *string       `json:"details,omitempty" yaml:"details,omitempty"`
	Resolution     *string       `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Status         BlockerStatus `json:"status" yaml:"status"`
}
