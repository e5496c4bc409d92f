package database

import (
	"context"
	"fmt"
)

// schema holds the tables the gateway reads and writes. Users and plan
// tiers are owned by the account service; the users table here is only
// the subset the gateway needs.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT UNIQUE,
		plan_tier TEXT NOT NULL DEFAULT 'free',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider TEXT NOT NULL,
		key_name TEXT NOT NULL,
		encrypted_key BYTEA NOT NULL,
		iv BYTEA NOT NULL,
		auth_tag BYTEA NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_user_provider ON api_keys (user_id, provider) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS proxy_api_keys (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ,
		request_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proxy_api_keys_active ON proxy_api_keys (user_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS proxy_requests (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL,
		proxy_key_id UUID,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		estimated_cost_idr BIGINT NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proxy_requests_user_created ON proxy_requests (user_id, created_at)`,
}

// Migrate creates any missing tables and indexes. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
