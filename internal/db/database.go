package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database and checks the connection. The sqlite driver
// is limited to a single connection so writers queue instead of failing with
// SQLITE_BUSY.
func Open(driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return db, nil
}

// Migrate creates the relay schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Database migration completed")
	return nil
}

// IsUniqueViolation reports whether err was raised by a unique or primary key
// constraint in either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channel_instances (
		instance_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_number_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'wuzapi',
		token TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		tag_ids TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		UNIQUE (workspace_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		contact_id TEXT NOT NULL DEFAULT '',
		channel_number_id TEXT NOT NULL,
		conv_key TEXT NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		pipeline_id TEXT NOT NULL DEFAULT '',
		stage_id TEXT NOT NULL DEFAULT '',
		last_message_at BIGINT,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		is_typing BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		UNIQUE (workspace_id, channel_number_id, conv_key)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations (id),
		workspace_id TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		is_outgoing BOOLEAN NOT NULL,
		external_id TEXT,
		client_message_id TEXT,
		reply_to_id TEXT,
		media_url TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_external_id
		ON messages (workspace_id, external_id) WHERE external_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_client_message_id
		ON messages (workspace_id, client_message_id) WHERE client_message_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ix_messages_conversation_created
		ON messages (conversation_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		delivery_key TEXT PRIMARY KEY,
		message_id TEXT,
		first_seen_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_deliveries_first_seen ON deliveries (first_seen_at)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages (id),
		user_id TEXT NOT NULL,
		emoji TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (message_id, user_id, emoji)
	)`,
}
