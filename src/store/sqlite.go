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
	"fmt"

	_ "modernc.org/sqlite"

	"missioncontrol/src/realtime"
)

// OpenSQLite opens (or creates) a single-file database. SQLite has no
// LISTEN/NOTIFY, so the store publishes its own writes to hub.
func OpenSQLite(ctx context.Context, path string, hub *realtime.Hub) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("Error trying to open DB: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(ctx, db, sqliteDialect, hub)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
