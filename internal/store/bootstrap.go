package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RepairStatus is the outcome of a single bootstrap step.
type RepairStatus string

const (
	RepairOK      RepairStatus = "ok"
	RepairSkipped RepairStatus = "skipped"
	RepairFailed  RepairStatus = "failed"
)

type RepairResult struct {
	Step   string       `json:"step"`
	Status RepairStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

type repairStep struct {
	name string
	run  func(context.Context, *sql.DB) (RepairStatus, error)
}

// Repair brings the schema back to a known-good state: core tables,
// row-level-security policies mirroring the ownership chain, and the
// exec_sql helper the repair tooling itself uses. Every step runs even
// if an earlier one failed, so operators see the full picture and can
// retry.
func (s *PostgresStore) Repair(ctx context.Context) []RepairResult {
	steps := []repairStep{
		{"ensure_users_table", ensureTable("users", createUsersSQL)},
		{"ensure_identity_mappings_table", ensureTable("identity_mappings", createIdentityMappingsSQL)},
		{"ensure_sops_table", ensureTable("sops", createSOPsSQL)},
		{"ensure_sop_steps_table", ensureTable("sop_steps", createStepsSQL)},
		{"ensure_sop_media_table", ensureTable("sop_media", createMediaSQL)},
		{"ensure_fts_columns", ensureFTSColumns},
		{"install_rls_policies", installRLSPolicies},
		{"ensure_exec_sql_function", ensureExecSQL},
	}

	results := make([]RepairResult, 0, len(steps))
	for _, step := range steps {
		status, err := step.run(ctx, s.db)
		result := RepairResult{Step: step.name, Status: status}
		if err != nil {
			result.Status = RepairFailed
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func ensureTable(name, createSQL string) func(context.Context, *sql.DB) (RepairStatus, error) {
	return func(ctx context.Context, db *sql.DB) (RepairStatus, error) {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
			return RepairFailed, fmt.Errorf("check table %s: %w", name, err)
		}
		if exists {
			return RepairSkipped, nil
		}
		if _, err := db.ExecContext(ctx, createSQL); err != nil {
			return RepairFailed, fmt.Errorf("create table %s: %w", name, err)
		}
		return RepairOK, nil
	}
}

// installRLSPolicies drops and recreates the policies so a drifted or
// half-applied policy set converges; CREATE POLICY has no IF NOT EXISTS.
func installRLSPolicies(ctx context.Context, db *sql.DB) (RepairStatus, error) {
	for _, statement := range rlsStatements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return RepairFailed, fmt.Errorf("install rls: %w", err)
		}
	}
	return RepairOK, nil
}

// ensureFTSColumns keeps the fallback text-search columns present on
// repair-created tables. ADD COLUMN IF NOT EXISTS makes this
// idempotent alongside the migration that normally adds them.
func ensureFTSColumns(ctx context.Context, db *sql.DB) (RepairStatus, error) {
	for _, statement := range ftsStatements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return RepairFailed, fmt.Errorf("ensure fts: %w", err)
		}
	}
	return RepairOK, nil
}

func ensureExecSQL(ctx context.Context, db *sql.DB) (RepairStatus, error) {
	if _, err := db.ExecContext(ctx, createExecSQLFn); err != nil {
		return RepairFailed, fmt.Errorf("create exec_sql: %w", err)
	}
	return RepairOK, nil
}

const createUsersSQL = `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		firebase_uid TEXT UNIQUE,
		email TEXT NOT NULL,
		name TEXT,
		avatar_url TEXT,
		role TEXT NOT NULL DEFAULT 'viewer' CHECK (role IN ('admin', 'editor', 'viewer')),
		password_hash TEXT,
		is_email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verification_token TEXT,
		verification_expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

const createIdentityMappingsSQL = `
	CREATE TABLE IF NOT EXISTS identity_mappings (
		firebase_uid TEXT PRIMARY KEY,
		account_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

const createSOPsSQL = `
	CREATE TABLE IF NOT EXISTS sops (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		created_by UUID NOT NULL REFERENCES users(id),
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'review', 'published', 'archived')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (created_by, title)
	)
`

const createStepsSQL = `
	CREATE TABLE IF NOT EXISTS sop_steps (
		id TEXT PRIMARY KEY,
		sop_id TEXT NOT NULL REFERENCES sops(id) ON DELETE CASCADE,
		order_index INTEGER NOT NULL,
		title TEXT NOT NULL,
		instructions TEXT,
		role TEXT,
		safety_notes TEXT,
		verification TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (sop_id, order_index) DEFERRABLE INITIALLY DEFERRED
	)
`

const createMediaSQL = `
	CREATE TABLE IF NOT EXISTS sop_media (
		id TEXT PRIMARY KEY,
		step_id TEXT NOT NULL REFERENCES sop_steps(id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK (type IN ('image', 'video', 'document')),
		storage_key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		caption TEXT,
		display_mode TEXT NOT NULL DEFAULT 'contain' CHECK (display_mode IN ('contain', 'cover')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

var ftsStatements = []string{
	`ALTER TABLE sops ADD COLUMN IF NOT EXISTS fts tsvector
		GENERATED ALWAYS AS (
			setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
			setweight(to_tsvector('english', coalesce(description, '')), 'B') ||
			setweight(to_tsvector('english', coalesce(category, '')), 'C')
		) STORED`,
	`ALTER TABLE sop_steps ADD COLUMN IF NOT EXISTS fts tsvector
		GENERATED ALWAYS AS (
			setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
			setweight(to_tsvector('english', coalesce(instructions, '')), 'B') ||
			setweight(to_tsvector('english', coalesce(safety_notes, '')), 'C')
		) STORED`,
	`CREATE INDEX IF NOT EXISTS idx_sops_fts ON sops USING gin (fts)`,
	`CREATE INDEX IF NOT EXISTS idx_sop_steps_fts ON sop_steps USING gin (fts)`,
}

// The policies mirror the application guard: owners act on their own
// rows, elevated roles on any row. The acting account and role are
// carried in per-connection settings.
var rlsStatements = []string{
	`ALTER TABLE sops ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE sop_steps ENABLE ROW LEVEL SECURITY`,
	`ALTER TABLE sop_media ENABLE ROW LEVEL SECURITY`,

	`DROP POLICY IF EXISTS sops_select ON sops`,
	`CREATE POLICY sops_select ON sops FOR SELECT USING (
		is_published
		OR created_by::text = current_setting('app.account_id', true)
		OR current_setting('app.role', true) IN ('admin', 'editor')
	)`,
	`DROP POLICY IF EXISTS sops_mutate ON sops`,
	`CREATE POLICY sops_mutate ON sops FOR ALL USING (
		created_by::text = current_setting('app.account_id', true)
		OR current_setting('app.role', true) IN ('admin', 'editor')
	)`,

	`DROP POLICY IF EXISTS sop_steps_mutate ON sop_steps`,
	`CREATE POLICY sop_steps_mutate ON sop_steps FOR ALL USING (
		EXISTS (
			SELECT 1 FROM sops sp
			WHERE sp.id = sop_steps.sop_id
			  AND (sp.created_by::text = current_setting('app.account_id', true)
				OR current_setting('app.role', true) IN ('admin', 'editor'))
		)
	)`,

	`DROP POLICY IF EXISTS sop_media_mutate ON sop_media`,
	`CREATE POLICY sop_media_mutate ON sop_media FOR ALL USING (
		EXISTS (
			SELECT 1 FROM sop_steps st
			JOIN sops sp ON sp.id = st.sop_id
			WHERE st.id = sop_media.step_id
			  AND (sp.created_by::text = current_setting('app.account_id', true)
				OR current_setting('app.role', true) IN ('admin', 'editor'))
		)
	)`,
}

const createExecSQLFn = `
	CREATE OR REPLACE FUNCTION exec_sql(sql_query TEXT)
	RETURNS void
	LANGUAGE plpgsql
	SECURITY DEFINER
	AS $$
	BEGIN
		EXECUTE sql_query;
	END;
	$$
`
