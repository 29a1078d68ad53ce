package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// migration is one forward-only schema step. Statements must be idempotent
// where re-execution is plausible: column additions use IF NOT EXISTS so a
// half-applied migration can be retried without failing.
type migration struct {
	Version    int
	Name       string
	Statements []string
	// PostData runs after the DDL, inside the same transaction, for data
	// backfills that belong to the schema change.
	PostData func(ctx context.Context, tx pgx.Tx) error
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS polls (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				question TEXT NOT NULL,
				options_json TEXT NOT NULL,
				emojis_json TEXT NOT NULL,
				image_path VARCHAR(500),
				image_message_text TEXT,
				server_id VARCHAR(50) NOT NULL,
				server_name VARCHAR(255),
				channel_id VARCHAR(50) NOT NULL,
				channel_name VARCHAR(255),
				creator_id VARCHAR(50) NOT NULL,
				message_id VARCHAR(50),
				open_time TIMESTAMP NOT NULL,
				close_time TIMESTAMP NOT NULL,
				timezone VARCHAR(50) NOT NULL DEFAULT 'UTC',
				anonymous BOOLEAN NOT NULL DEFAULT FALSE,
				multiple_choice BOOLEAN NOT NULL DEFAULT FALSE,
				max_choices INTEGER,
				open_immediately BOOLEAN NOT NULL DEFAULT FALSE,
				ping_role_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				ping_role_id VARCHAR(50),
				ping_role_name VARCHAR(255),
				status VARCHAR(20) NOT NULL DEFAULT 'scheduled',
				created_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS votes (
				id BIGSERIAL PRIMARY KEY,
				poll_id BIGINT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
				user_id VARCHAR(50) NOT NULL,
				option_index INTEGER NOT NULL,
				voted_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_votes_poll_id ON votes(poll_id)`,
			`CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(50) PRIMARY KEY,
				username VARCHAR(255) NOT NULL DEFAULT '',
				avatar VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS user_preferences (
				id BIGSERIAL PRIMARY KEY,
				user_id VARCHAR(50) NOT NULL UNIQUE REFERENCES users(id),
				last_server_id VARCHAR(50) NOT NULL DEFAULT '',
				last_channel_id VARCHAR(50) NOT NULL DEFAULT '',
				default_timezone VARCHAR(50) NOT NULL DEFAULT 'UTC',
				timezone_explicitly_set BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS guilds (
				id VARCHAR(50) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				icon VARCHAR(255) NOT NULL DEFAULT '',
				owner_id VARCHAR(50) NOT NULL DEFAULT '',
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS channels (
				id VARCHAR(50) PRIMARY KEY,
				guild_id VARCHAR(50) NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL DEFAULT '',
				type INTEGER NOT NULL DEFAULT 0,
				position INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		Version: 2,
		Name:    "role ping granularity",
		Statements: []string{
			`ALTER TABLE polls ADD COLUMN IF NOT EXISTS ping_role_on_open BOOLEAN NOT NULL DEFAULT FALSE`,
			`ALTER TABLE polls ADD COLUMN IF NOT EXISTS ping_role_on_close BOOLEAN NOT NULL DEFAULT FALSE`,
			`ALTER TABLE polls ADD COLUMN IF NOT EXISTS ping_role_on_update BOOLEAN NOT NULL DEFAULT FALSE`,
		},
		// Polls created before the granular flags pinged on every event.
		PostData: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `UPDATE polls SET ping_role_on_open = TRUE, ping_role_on_close = TRUE WHERE ping_role_enabled = TRUE`)
			return err
		},
	},
	{
		Version: 3,
		Name:    "image message tracking and closure timestamp",
		Statements: []string{
			`ALTER TABLE polls ADD COLUMN IF NOT EXISTS image_message_id VARCHAR(50)`,
			`ALTER TABLE polls ADD COLUMN IF NOT EXISTS closed_at TIMESTAMP`,
		},
	},
	{
		Version: 4,
		Name:    "normalize max_choices for single-choice polls",
		Statements: []string{
			`ALTER TABLE user_preferences ADD COLUMN IF NOT EXISTS last_role_id VARCHAR(50)`,
		},
		PostData: func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `UPDATE polls SET max_choices = 1 WHERE multiple_choice = FALSE AND (max_choices IS NULL OR max_choices <> 1)`)
			return err
		},
	},
}

// Migrate applies all migrations newer than the recorded schema version, in
// order, each in its own transaction. The ledger is the authority; when it
// is absent but the polls table exists we assume a pre-ledger version 1
// deployment and record it before continuing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	current, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		logrus.WithFields(logrus.Fields{"version": m.Version, "name": m.Name}).Info("applied migration")
		applied++
	}

	if applied > 0 {
		// Derived on-disk state (rendered archives, cached embeds) may
		// reference the old schema. Wipe it rather than serve stale files.
		s.wipeCacheDir()
	}
	return nil
}

func (s *PostgresStore) currentSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read migration ledger: %w", err)
	}
	if version > 0 {
		return version, nil
	}

	// Ledger empty: introspect. An existing polls table means a deployment
	// that predates the ledger, which matches version 1.
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'polls')`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (1, 'initial schema') ON CONFLICT (version) DO NOTHING`)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if m.PostData != nil {
		if err := m.PostData(ctx, tx); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) wipeCacheDir() {
	if s.cacheDir == "" {
		return
	}
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(s.cacheDir, e.Name()))
	}
	logrus.WithField("dir", s.cacheDir).Info("wiped cache directory after migration")
}
