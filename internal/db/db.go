package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"circle-service/internal/config"
)

// connectTimeout bounds how long startup waits for postgres to accept pings.
const connectTimeout = 30 * time.Second

// Connect opens the pool, waits for the database to come up and runs
// migrations.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	ping := func() error { return db.PingContext(ctx) }
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("database not ready")
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_profiles (
            uid TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            username TEXT NOT NULL DEFAULT '',
            photo_url TEXT NOT NULL DEFAULT '',
            phone_number TEXT NOT NULL DEFAULT '',
            birth_date TIMESTAMPTZ
        );`,
	`CREATE TABLE IF NOT EXISTS user_locations (
            uid TEXT PRIMARY KEY,
            latitude DOUBLE PRECISION NOT NULL,
            longitude DOUBLE PRECISION NOT NULL,
            observed_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_user_locations_latitude ON user_locations (latitude);`,
	`CREATE INDEX IF NOT EXISTS idx_user_locations_observed_at ON user_locations (observed_at);`,
	`CREATE TABLE IF NOT EXISTS friend_edges (
            owner_uid TEXT NOT NULL,
            friend_uid TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (owner_uid, friend_uid),
            CHECK (owner_uid <> friend_uid)
        );`,
	`CREATE TABLE IF NOT EXISTS friend_requests (
            from_uid TEXT NOT NULL,
            to_uid TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (from_uid, to_uid),
            CHECK (from_uid <> to_uid)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_friend_requests_to_uid ON friend_requests (to_uid);`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
            chat_id TEXT PRIMARY KEY,
            user_a TEXT NOT NULL,
            user_b TEXT NOT NULL,
            started_at TIMESTAMPTZ NOT NULL,
            temporary BOOLEAN NOT NULL,
            expire_at TIMESTAMPTZ,
            last_sent_at TIMESTAMPTZ,
            CHECK (user_a < user_b),
            CHECK (temporary = (expire_at IS NOT NULL))
        );`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_a ON chat_sessions (user_a);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_b ON chat_sessions (user_b);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_expiry ON chat_sessions (expire_at) WHERE temporary;`,
	`CREATE TABLE IF NOT EXISTS chat_list_items (
            owner_uid TEXT NOT NULL,
            chat_id TEXT NOT NULL REFERENCES chat_sessions(chat_id) ON DELETE CASCADE,
            other_uid TEXT NOT NULL,
            other_name TEXT NOT NULL DEFAULT '',
            other_photo_url TEXT NOT NULL DEFAULT '',
            last_message TEXT NOT NULL DEFAULT '',
            last_message_at TIMESTAMPTZ,
            unread_count INT NOT NULL DEFAULT 0,
            temporary BOOLEAN NOT NULL,
            expire_at TIMESTAMPTZ,
            last_read_at TIMESTAMPTZ,
            PRIMARY KEY (owner_uid, chat_id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_chat_list_items_chat_id ON chat_list_items (chat_id);`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT NOT NULL UNIQUE,
            chat_id TEXT NOT NULL REFERENCES chat_sessions(chat_id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL,
            sent_at TIMESTAMPTZ NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_order ON chat_messages (chat_id, sent_at DESC, seq DESC);`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}
