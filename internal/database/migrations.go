package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add message_history.bitrate",
		sql:   `ALTER TABLE message_history ADD COLUMN IF NOT EXISTS bitrate int`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'message_history' AND column_name = 'bitrate')`,
	},
	{
		name:  "add message_history codec index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_message_history_codec ON message_history (codec, channel, timestamp_ms)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_message_history_codec')`,
	},
	{
		name:  "add welcome_messages.play_count",
		sql:   `ALTER TABLE welcome_messages ADD COLUMN IF NOT EXISTS play_count bigint NOT NULL DEFAULT 0`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'welcome_messages' AND column_name = 'play_count')`,
	},
	{
		name:  "add refresh_tokens.revoked",
		sql:   `ALTER TABLE refresh_tokens ADD COLUMN IF NOT EXISTS revoked boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'refresh_tokens' AND column_name = 'revoked')`,
	},
	{
		name:  "add user_codec_preferences table",
		sql: `CREATE TABLE IF NOT EXISTS user_codec_preferences (
    user_id         bigint PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    preferred_codec text NOT NULL DEFAULT 'pcm16' CHECK (preferred_codec IN ('pcm16', 'opus')),
    fallback_codec  text NOT NULL DEFAULT 'pcm16' CHECK (fallback_codec IN ('pcm16', 'opus')),
    opus_bitrate    int NOT NULL DEFAULT 32000 CHECK (opus_bitrate BETWEEN 6000 AND 510000),
    updated_at      timestamptz NOT NULL DEFAULT now()
)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = 'user_codec_preferences')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned — the caller should treat this as fatal
// since the application's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart ptt-relay.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
