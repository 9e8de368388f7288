package drafts

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
		id                  TEXT PRIMARY KEY,
		plan_data_json      TEXT NOT NULL DEFAULT '{}',
		status              TEXT NOT NULL DEFAULT 'draft'
		                    CHECK (status IN ('draft', 'submitted', 'approved', 'rejected')),
		resource_id         TEXT,
		base_version        TEXT NOT NULL DEFAULT 'new',
		submission_id       TEXT,
		created_by          TEXT NOT NULL,
		updated_by          TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL,
		submission_meta_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_drafts_submission
		ON drafts(submission_id) WHERE submission_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_drafts_created_by ON drafts(created_by)`,
	`CREATE INDEX IF NOT EXISTS idx_drafts_resource ON drafts(resource_id)`,
}

// Migrate creates the draft schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
