// Schema creation and versioned migrations for the decision store.
//
// Schema versions:
// v1: pipeline_runs, decisions, artifacts, requirements, constraints,
//     token_usage, plan_versions
// v2: decisions.superseded_by column + active-decision index
// v3: token_usage.metadata column
// v4: task_results table
package store

import (
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = 4

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		methodology TEXT NOT NULL,
		current_phase TEXT,
		status TEXT NOT NULL CHECK (status IN ('running','completed','failed','paused')),
		config_json TEXT,
		token_usage_json TEXT,
		parent_run_id TEXT REFERENCES pipeline_runs(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		pipeline_run_id TEXT,
		phase TEXT NOT NULL,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		rationale TEXT,
		superseded_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// NULL run ids are their own bucket: COALESCE against a sentinel keeps
	// the uniqueness constraint from collapsing NULL into any real run.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_upsert
		ON decisions (COALESCE(pipeline_run_id, ''), category, key)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		pipeline_run_id TEXT,
		phase TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT,
		summary TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requirements (
		id TEXT PRIMARY KEY,
		pipeline_run_id TEXT,
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active','satisfied','dropped')),
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS constraints (
		id TEXT PRIMARY KEY,
		pipeline_run_id TEXT,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		agent TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_results (
		pipeline_run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		agent TEXT,
		status TEXT NOT NULL CHECK (status IN
			('pending','running','completed','failed','blocked','cancelled')),
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (pipeline_run_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_versions (
		plan_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		task_graph_yaml TEXT NOT NULL,
		feedback_used TEXT,
		planning_cost_usd REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (plan_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_run_phase ON decisions (pipeline_run_id, phase)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_latest ON artifacts (phase, type, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_token_usage_run ON token_usage (pipeline_run_id)`,
}

// columnMigration adds a column to an existing table when a database was
// created by an older build.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []columnMigration{
	{"decisions", "superseded_by", "TEXT"},
	{"token_usage", "metadata", "TEXT"},
}

func (s *Store) initialize() error {
	for _, stmt := range createStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return s.runMigrations()
}

// runMigrations applies column-add migrations for databases created before
// the columns existed. Missing tables are skipped quietly.
func (s *Store) runMigrations() error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn(
				"Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		applied++
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	if applied > 0 {
		logging.Store("Schema migrations complete (%d applied)", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
