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

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"missioncontrol/src/blockerlog"
	"missioncontrol/src/logging"
	"missioncontrol/src/store"
)

// SyncBlockers reads the blocker log at path and replaces the active blocker
// set with what it finds. It returns the number of blockers stored.
func SyncBlockers(ctx context.Context, st store.BlockerStore, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read blocker log: %w", err)
	}
	return SyncBlockersText(ctx, st, string(raw))
}

// SyncBlockersText is SyncBlockers for a document already in memory.
func SyncBlockersText(ctx context.Context, st store.BlockerStore, text string) (int, error) {
	ctx, span := logging.StartSpan(ctx, "blockers.sync")
	defer span.End()

	if !blockerlog.HasSection(text, blockerlog.SectionTitle) {
		logging.Log(fmt.Sprintf("Blocker log has no %q heading; clearing active blockers", blockerlog.SectionTitle), slog.LevelWarn)
	}
	blockers := blockerlog.Parse(text)
	if err := st.ReplaceActiveBlockers(ctx, blockers); err != nil {
		logging.Log(fmt.Sprintf("Error replacing active blockers: %v", err), slog.LevelError)
		return 0, fmt.Errorf("replace active blockers: %w", err)
	}

	logging.Add(ctx, logging.BlockersParsed, float64(len(blockers)))
	logging.UpdateSpanValue(ctx, "blockers_active", float64(len(blockers)))
	logging.Log(fmt.Sprintf("Synced %d active blockers", len(blockers)), slog.LevelInfo)
	return len(blockers), nil
}
