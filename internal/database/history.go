package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MessageRow is one persisted transmission in a channel's history.
type MessageRow struct {
	ID         int64  `json:"id"`
	Channel    string `json:"channel"`
	ClientID   string `json:"client_id"`
	UserID     *int64 `json:"user_id,omitempty"`
	ScreenName string `json:"screen_name"`
	AudioData  string `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
	Codec      string `json:"codec"`
	Bitrate    *int   `json:"bitrate,omitempty"`
	DurationMS int    `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp_ms"`
}

// storeRetryDelay is how long to wait before the single retry on a
// transient serialization/deadlock failure.
const storeRetryDelay = 100 * time.Millisecond

// RecordMessage inserts one history row and prunes the channel to the
// count and age bounds in a single transaction. On a transient
// serialization or deadlock error the whole transaction is retried once
// after a short delay before the error surfaces.
func (db *DB) RecordMessage(ctx context.Context, m *MessageRow, maxCount int, maxAge time.Duration) (int64, error) {
	id, err := db.recordMessageTx(ctx, m, maxCount, maxAge)
	if err != nil && isRetryable(err) {
		db.log.Warn().Err(err).Str("channel", m.Channel).Msg("history write contention, retrying once")
		select {
		case <-time.After(storeRetryDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		id, err = db.recordMessageTx(ctx, m, maxCount, maxAge)
	}
	return id, err
}

func (db *DB) recordMessageTx(ctx context.Context, m *MessageRow, maxCount int, maxAge time.Duration) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO message_history (
			channel, client_id, user_id, screen_name,
			audio_data, sample_rate, codec, bitrate,
			duration_ms, timestamp_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		m.Channel, m.ClientID, m.UserID, m.ScreenName,
		m.AudioData, m.SampleRate, m.Codec, m.Bitrate,
		m.DurationMS, m.Timestamp,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	if _, err := tx.Exec(ctx, `
		DELETE FROM message_history
		WHERE channel = $1
			AND (timestamp_ms < $2
				OR id NOT IN (
					SELECT id FROM message_history
					WHERE channel = $1
					ORDER BY timestamp_ms DESC, id DESC
					LIMIT $3
				))
	`, m.Channel, cutoff, maxCount); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// ChannelHistory returns the channel's retained rows, newest-bounded by
// maxCount and maxAge, ordered by timestamp ascending (ties by id).
func (db *DB) ChannelHistory(ctx context.Context, channel string, maxCount int, maxAge time.Duration) ([]MessageRow, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rows, err := db.Pool.Query(ctx, `
		SELECT id, channel, client_id, user_id, screen_name,
			audio_data, sample_rate, codec, bitrate,
			duration_ms, timestamp_ms
		FROM (
			SELECT * FROM message_history
			WHERE channel = $1 AND timestamp_ms >= $2
			ORDER BY timestamp_ms DESC, id DESC
			LIMIT $3
		) newest
		ORDER BY timestamp_ms ASC, id ASC
	`, channel, cutoff, maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(
			&m.ID, &m.Channel, &m.ClientID, &m.UserID, &m.ScreenName,
			&m.AudioData, &m.SampleRate, &m.Codec, &m.Bitrate,
			&m.DurationMS, &m.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HistoryCount returns the total number of retained history rows.
func (db *DB) HistoryCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM message_history`).Scan(&n)
	return n, err
}

// isRetryable reports whether err is a transient contention failure
// worth one retry: serialization failure (40001) or deadlock (40P01).
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// ErrNoRows re-exports pgx.ErrNoRows so callers outside this package
// don't import pgx directly for the sentinel.
var ErrNoRows = pgx.ErrNoRows
