package jobstore

import (
	"context"
	"fmt"
	"strings"
)

const SchemaVersion = 1

// Migrate creates the schema in place. It is safe to call on every start.
func (s *Store) Migrate(ctx context.Context) error {
	idCol, refCol := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if s.driver == DriverPostgres {
		idCol, refCol = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}
	r := strings.NewReplacer("{{id}}", idCol, "{{ref}}", refCol)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		)`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS job_requests (
			id {{id}},
			action TEXT NOT NULL,
			job_type TEXT NOT NULL DEFAULT '',
			job_id {{ref}},
			submitter TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			time_slot TEXT NOT NULL DEFAULT 'DEFAULT',
			start_date TEXT,
			timeout INTEGER NOT NULL DEFAULT 0,
			submit_date TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_requests_pending ON job_requests(state, submit_date, id)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id {{id}},
			-- request_id is the SUBMIT request that created the job; UNIQUE
			-- makes replaying that request unable to create a second job.
			request_id {{ref}} NOT NULL UNIQUE,
			job_type TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			run_id TEXT NOT NULL DEFAULT '',
			resources TEXT NOT NULL,
			submitter TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			time_slot TEXT NOT NULL DEFAULT 'DEFAULT',
			start_date TEXT,
			timeout INTEGER NOT NULL DEFAULT 0,
			submit_date TEXT NOT NULL,
			start_ts TEXT,
			end_ts TEXT,
			result TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_end_ts ON jobs(end_ts)`,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE schema_meta SET schema_version = ? WHERE id = 1`), SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}
