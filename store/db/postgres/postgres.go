// Package postgres implements the store.Driver contract on PostgreSQL with
// the pgvector extension. All queries are plain database/sql; the hybrid
// knowledge search runs as a single CTE statement.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// DB wraps the sql handle.
type DB struct {
	db *sql.DB
}

// NewDB opens a connection pool and verifies connectivity.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return &DB{db: db}, nil
}

// Ping reports database health.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the schema. Statements are idempotent so startup can run
// this unconditionally.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to apply migration: %.60s", stmt)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS tenant (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		flow_prompt TEXT NOT NULL DEFAULT '',
		phone_number_id TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL DEFAULT '',
		api_version TEXT NOT NULL DEFAULT 'v21.0',
		app_secret TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS lead (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant(id),
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant(id),
		lead_id TEXT NOT NULL REFERENCES lead(id),
		mode TEXT NOT NULL DEFAULT 'bot',
		stage TEXT NOT NULL DEFAULT 'greeting',
		intent_level TEXT NOT NULL DEFAULT 'unknown',
		user_sentiment TEXT NOT NULL DEFAULT 'neutral',
		rolling_summary TEXT NOT NULL DEFAULT '',
		needs_human_attention BOOLEAN NOT NULL DEFAULT FALSE,
		active_cta_id TEXT,
		last_user_message_at TIMESTAMPTZ,
		last_bot_message_at TIMESTAMPTZ,
		followup_count_24h INTEGER NOT NULL DEFAULT 0,
		total_nudges INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, lead_id)
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant(id),
		conversation_id TEXT NOT NULL REFERENCES conversation(id),
		lead_id TEXT NOT NULL REFERENCES lead(id),
		origin TEXT NOT NULL,
		content TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS message_provider_id_uniq
		ON message (tenant_id, provider_message_id)
		WHERE provider_message_id <> ''`,
	`CREATE INDEX IF NOT EXISTS message_conversation_idx
		ON message (conversation_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS cta (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant(id),
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_chunk (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenant(id),
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding vector(768) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS knowledge_chunk_tenant_idx
		ON knowledge_chunk (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS knowledge_chunk_fts_idx
		ON knowledge_chunk USING gin (to_tsvector('english', content))`,
}

// ResetState wipes operational state for integration testing. Tenants, CTAs,
// and knowledge survive; conversations and messages do not.
func (d *DB) ResetState(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin reset transaction")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM message`,
		`DELETE FROM conversation`,
		`DELETE FROM lead`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "failed to reset state: %s", stmt)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit reset")
}
