package store

import "context"

// Schema bootstrap for both dialects. Statements are idempotent so
// EnsureSchema is safe on every startup.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		federated_subject TEXT NOT NULL DEFAULT '',
		federated_issuer TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		subscription_tier TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		provider_task_id TEXT NOT NULL UNIQUE,
		owner_id UUID REFERENCES users(id),
		anonymous_id TEXT,
		location TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		query TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		output TEXT,
		error_message TEXT,
		share_token TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_anon ON tasks(anonymous_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS quota_counters (
		identity_key TEXT NOT NULL,
		scope TEXT NOT NULL,
		period TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (identity_key, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS signin_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		expires_at TIMESTAMPTZ NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		federated_subject TEXT NOT NULL DEFAULT '',
		federated_issuer TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		subscription_tier TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		provider_task_id TEXT NOT NULL UNIQUE,
		owner_id TEXT REFERENCES users(id),
		anonymous_id TEXT,
		location TEXT NOT NULL DEFAULT '',
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		query TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		output TEXT,
		error_message TEXT,
		share_token TEXT UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_anon ON tasks(anonymous_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS quota_counters (
		identity_key TEXT NOT NULL,
		scope TEXT NOT NULL,
		period TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (identity_key, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS signin_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		expires_at TIMESTAMP NOT NULL,
		used BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	stmts := sqliteSchema
	if s.driver == "postgres" {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
