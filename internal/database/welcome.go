package database

import (
	"context"
	"time"
)

// WelcomeRow describes one pre-recorded welcome message.
type WelcomeRow struct {
	ID           int64
	Name         string
	AudioFile    string
	TriggerType  string // connect, channel_join, both
	Channel      *string
	Enabled      bool
	CreatedAt    time.Time
	LastPlayedAt *time.Time
	PlayCount    int64
}

// EnabledWelcomeMessages returns enabled rows matching the trigger.
// Rows pinned to a channel are included only when that channel matches;
// the connect trigger passes "", which matches unpinned rows only.
func (db *DB) EnabledWelcomeMessages(ctx context.Context, trigger, channel string) ([]WelcomeRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, audio_file, trigger_type, channel, enabled,
			created_at, last_played_at, play_count
		FROM welcome_messages
		WHERE enabled
			AND (trigger_type = $1 OR trigger_type = 'both')
			AND (channel IS NULL OR channel = $2)
		ORDER BY id
	`, trigger, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WelcomeRow
	for rows.Next() {
		var w WelcomeRow
		if err := rows.Scan(
			&w.ID, &w.Name, &w.AudioFile, &w.TriggerType, &w.Channel, &w.Enabled,
			&w.CreatedAt, &w.LastPlayedAt, &w.PlayCount,
		); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AllWelcomeMessages returns every row, enabled or not, for reload and CLI listing.
func (db *DB) AllWelcomeMessages(ctx context.Context) ([]WelcomeRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, audio_file, trigger_type, channel, enabled,
			created_at, last_played_at, play_count
		FROM welcome_messages
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WelcomeRow
	for rows.Next() {
		var w WelcomeRow
		if err := rows.Scan(
			&w.ID, &w.Name, &w.AudioFile, &w.TriggerType, &w.Channel, &w.Enabled,
			&w.CreatedAt, &w.LastPlayedAt, &w.PlayCount,
		); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// InsertWelcomeMessage adds a welcome row and returns its id.
func (db *DB) InsertWelcomeMessage(ctx context.Context, name, audioFile, trigger string, channel *string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO welcome_messages (name, audio_file, trigger_type, channel)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, name, audioFile, trigger, channel).Scan(&id)
	return id, err
}

// MarkWelcomePlayed bumps the play counter and stamps last_played_at.
func (db *DB) MarkWelcomePlayed(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE welcome_messages
		SET play_count = play_count + 1, last_played_at = now()
		WHERE id = $1
	`, id)
	return err
}

// SetWelcomeEnabled flips a welcome row's enabled flag.
func (db *DB) SetWelcomeEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE welcome_messages SET enabled = $2 WHERE id = $1
	`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}
