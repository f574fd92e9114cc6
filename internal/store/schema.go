package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
    run_id                  TEXT PRIMARY KEY,
    scenario_id             TEXT NOT NULL,
    condition_id            TEXT NOT NULL,
    reveal_peers            INTEGER NOT NULL,
    reveal_identity         INTEGER NOT NULL,
    reveal_rationale        INTEGER NOT NULL,
    reveal_summary_stats    INTEGER NOT NULL,
    seed                    INTEGER NOT NULL,
    n                       INTEGER NOT NULL,
    t                       INTEGER NOT NULL,
    k                       INTEGER NOT NULL,
    oracle_model            TEXT NOT NULL DEFAULT '',
    status                  TEXT NOT NULL,
    completed_rounds        INTEGER NOT NULL,
    h0                      REAL NOT NULL,
    h_final                 REAL NOT NULL,
    tau                     INTEGER,              -- NULL when not reached
    absolute_collapse_round INTEGER,
    early_commitment_round  INTEGER,
    flip_count              INTEGER NOT NULL,
    volatility              REAL NOT NULL,
    holdout_count           INTEGER NOT NULL,
    informational           INTEGER NOT NULL,
    normative               INTEGER NOT NULL,
    uncertainty             INTEGER NOT NULL,
    changes                 INTEGER NOT NULL,
    carried_forward         INTEGER NOT NULL,
    oracle_attempts         INTEGER NOT NULL,
    oracle_failures         INTEGER NOT NULL,
    parse_success_rate      REAL NOT NULL,
    entropy_json            TEXT NOT NULL,
    initial_counts_json     TEXT NOT NULL,
    final_counts_json       TEXT NOT NULL,
    created_at              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(scenario_id, condition_id);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// initSchema creates the schema on a fresh database and rejects one written
// by a newer version.
func initSchema(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	var version int
	if err := tx.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, SchemaVersion)
	}
	if version == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return tx.Commit()
}
