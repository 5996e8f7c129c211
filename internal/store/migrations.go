package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema migrations, applied in order and tracked in schema_version. Each
// entry runs inside its own transaction.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "initial_schema", migrationInitialSchema},
}

const migrationInitialSchema = `
CREATE TABLE IF NOT EXISTS definitions (
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    document    TEXT NOT NULL,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS instances (
    id                 TEXT PRIMARY KEY,
    definition_name    TEXT NOT NULL,
    definition_version TEXT NOT NULL,
    status             TEXT NOT NULL,
    current_step_id    TEXT,
    context            TEXT NOT NULL,
    waits              TEXT,
    branches           TEXT,
    error              TEXT,
    failed_step_id     TEXT,
    cancel_reason      TEXT,
    created_at         TIMESTAMP NOT NULL,
    updated_at         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instances_status
    ON instances(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_instances_definition
    ON instances(definition_name, definition_version);

CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    instance_id  TEXT NOT NULL,
    step_id      TEXT NOT NULL,
    title        TEXT NOT NULL,
    input_schema TEXT,
    assignee     TEXT,
    due_at       TIMESTAMP,
    status       TEXT NOT NULL,
    resolved_by  TEXT,
    resolved_at  TIMESTAMP,
    created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);
CREATE INDEX IF NOT EXISTS idx_tasks_inbox ON tasks(status, assignee);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    sequence    INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    step_id     TEXT,
    data        TEXT,
    at          TIMESTAMP NOT NULL,
    PRIMARY KEY (instance_id, sequence)
);

CREATE TABLE IF NOT EXISTS schedules (
    id              TEXT PRIMARY KEY,
    definition_name TEXT NOT NULL,
    version         TEXT,
    cron            TEXT NOT NULL,
    input           TEXT,
    enabled         INTEGER NOT NULL DEFAULT 1,
    next_run_at     TIMESTAMP,
    last_run_at     TIMESTAMP,
    last_error      TEXT,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due
    ON schedules(enabled, next_run_at);
`

func applyMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version WHERE version > 0`)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.sql) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`,
		m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits a migration script on semicolons, dropping chunks
// that contain only whitespace and comments.
func splitStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		if isCommentOnly(chunk) {
			continue
		}
		out = append(out, strings.TrimSpace(chunk))
	}
	return out
}

func isCommentOnly(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return false
	}
	return true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
