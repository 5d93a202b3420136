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
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"missioncontrol/src/logging"
	"missioncontrol/src/model"
	"missioncontrol/src/realtime"
)

// OpenPostgres connects with lib/pq and installs the schema and the notify
// trigger. Change notifications come from Listen, not from the store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("Error trying to open DB: %w", err)
	}
	s, err := newSQLStore(ctx, db, postgresDialect, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ListenerConfig tunes the pq.Listener reconnect backoff.
type ListenerConfig struct {
	DSN          string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	// PingInterval is how long the listener may sit idle before it checks
	// the connection.
	PingInterval time.Duration
}

// Listen relays NOTIFY payloads on NotifyChannel into hub until ctx is done.
// A re-established connection is published as realtime.OpReconnect, since
// notifications sent while it was down are lost.
func Listen(ctx context.Context, cfg ListenerConfig, hub *realtime.Hub) error {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
		if ev == pq.ListenerEventReconnected {
			logging.Log("Listener reconnected, requesting resync", slog.LevelWarn)
		}
	}

	listener := pq.NewListener(cfg.DSN, cfg.MinReconnect, cfg.MaxReconnect, reportProblem)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	defer listener.Close()

	logging.Log(fmt.Sprintf("Listening for %s notifications", NotifyChannel), slog.LevelInfo)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			hub.Publish(ParseNotification(n))
		case <-time.After(cfg.PingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					logging.Log(fmt.Sprintf("Listener ping failed: %v", err), slog.LevelWarn)
				}
			}()
		}
	}
}

// ParseNotification converts a pq notification into a hub change. A nil
// notification is what pq delivers after a reconnect.
func ParseNotification(n *pq.Notification) realtime.Change {
	if n == nil {
		return realtime.Change{Table: model.TasksTable, Op: realtime.OpReconnect}
	}
	op, id, _ := strings.Cut(n.Extra, ":")
	c := realtime.Change{Table: model.TasksTable, Op: realtime.Op(strings.ToUpper(op)), RowID: id}
	switch c.Op {
	case realtime.OpInsert, realtime.OpUpdate, realtime.OpDelete:
	default:
		c.Op = realtime.OpUpdate
	}
	return c
}
