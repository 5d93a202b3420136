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

// NotifyChannel is the Postgres channel the tasks trigger notifies on. The
// payload is "<TG_OP>:<task id>".
const NotifyChannel = "tasks_updated"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL CHECK (name <> ''),
	description   TEXT,
	priority      TEXT NOT NULL DEFAULT 'P2',
	status        TEXT NOT NULL DEFAULT 'READY',
	assigned_to   TEXT,
	blockers      TEXT[] NOT NULL DEFAULT '{}',
	dependencies  TEXT[] NOT NULL DEFAULT '{}',
	time_estimate TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at  TIMESTAMPTZ,
	source        TEXT NOT NULL DEFAULT 'human',
	modified_by   TEXT NOT NULL DEFAULT '',
	synced        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at DESC);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);

CREATE TABLE IF NOT EXISTS blockers (
	id              BIGSERIAL PRIMARY KEY,
	position        INTEGER NOT NULL DEFAULT 0,
	type            TEXT,
	resource        TEXT NOT NULL,
	discovered_at   TEXT,
	discovered_by   TEXT,
	alerted_user    BOOLEAN,
	priority_impact TEXT,
	impacts         TEXT[] NOT NULL DEFAULT '{}',
	details         TEXT,
	resolution      TEXT,
	status          TEXT NOT NULL DEFAULT 'active'
);

CREATE OR REPLACE FUNCTION notify_tasks_updated() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('tasks_updated', TG_OP || ':' || OLD.id);
	ELSE
		PERFORM pg_notify('tasks_updated', TG_OP || ':' || NEW.id);
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tasks_notify ON tasks;
CREATE TRIGGER tasks_notify
	AFTER INSERT OR UPDATE OR DELETE ON tasks
	FOR EACH ROW EXECUTE FUNCTION notify_tasks_updated();
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL CHECK (name <> ''),
	description   TEXT,
	priority      TEXT NOT NULL DEFAULT 'P2',
	status        TEXT NOT NULL DEFAULT 'READY',
	assigned_to   TEXT,
	blockers      TEXT NOT NULL DEFAULT '[]',
	dependencies  TEXT NOT NULL DEFAULT '[]',
	time_estimate TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	completed_at  DATETIME,
	source        TEXT NOT NULL DEFAULT 'human',
	modified_by   TEXT NOT NULL DEFAULT '',
	synced        BOOLEAN NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at DESC);

CREATE TABLE IF NOT EXISTS blockers (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	position        INTEGER NOT NULL DEFAULT 0,
	type            TEXT,
	resource        TEXT NOT NULL,
	discovered_at   TEXT,
	discovered_by   TEXT,
	alerted_user    BOOLEAN,
	priority_impact TEXT,
	impacts         TEXT NOT NULL DEFAULT '[]',
	details         TEXT,
	resolution      TEXT,
	status          TEXT NOT NULL DEFAULT 'active'
);
`
