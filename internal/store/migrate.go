package store

import (
	"context"
	"database/sql"
	"fmt"
)

// The desktop client ships as a single binary, so migrations are
// embedded rather than read from a directory like the hosted side.
var migrations = []struct {
	version string
	stmts   string
}{
	{
		version: "0001_drafts",
		stmts: `
			CREATE TABLE drafts (
				id TEXT PRIMARY KEY,
				deal_id TEXT NOT NULL,
				template_id TEXT NOT NULL,
				field_values TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'draft',
				local_version INTEGER NOT NULL DEFAULT 0,
				server_version INTEGER,
				last_saved_at INTEGER,
				last_finalized_at INTEGER,
				pending_sync INTEGER NOT NULL DEFAULT 0,
				artifact_ref TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX idx_drafts_pending_sync ON drafts(pending_sync) WHERE pending_sync = 1;
		`,
	},
	{
		version: "0002_field_log",
		stmts: `
			CREATE TABLE draft_field_log (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				draft_id TEXT NOT NULL REFERENCES drafts(id) ON DELETE CASCADE,
				local_version INTEGER NOT NULL,
				fields TEXT NOT NULL,
				logged_at INTEGER NOT NULL
			);
			CREATE INDEX idx_field_log_draft ON draft_field_log(draft_id);
		`,
	},
	{
		version: "0003_settings",
		stmts: `
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);
		`,
	},
}

// ApplyMigrations brings the local schema up to date. Each migration
// runs in its own transaction and is recorded in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	for _, m := range migrations {
		if migrated, err := isMigrated(ctx, db, m.version); err != nil {
			return err
		} else if migrated {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, m.stmts); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.version, err)
		}
	}

	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=?)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
