package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"        // postgres driver
	"github.com/rs/zerolog/log" // Use zerolog's global logger
	_ "modernc.org/sqlite"       // sqlite driver
)

// Supported DATABASE_DRIVER values. The sqlite driver registers as "sqlite".
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// InitDB opens and pings the database.
func InitDB(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: ":memory:" databases are per connection and sqlite serializes writers anyway.
		conn.SetMaxOpenConns(1)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

var schema = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS users (
			id           INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref   TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL,
			token        TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content     TEXT NOT NULL,
			sent_at     TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, sent_at)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS users (
			id           BIGINT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref   TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL,
			token        TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          BIGSERIAL PRIMARY KEY,
			sender_id   BIGINT NOT NULL,
			receiver_id BIGINT NOT NULL,
			content     TEXT NOT NULL,
			sent_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, sent_at)`,
	},
}

// MigrateDB creates the users and messages tables. It is idempotent.
func MigrateDB(ctx context.Context, conn *sqlx.DB) error {
	if conn == nil {
		return fmt.Errorf("database not initialized, call InitDB first")
	}
	statements, ok := schema[conn.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for database driver %q", conn.DriverName())
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	log.Info().Int("statements", len(statements)).Msg("Database migration completed successfully.")
	return nil
}
