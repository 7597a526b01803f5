package database

import (
	"context"
	"time"
)

// CodecPreferenceRow is a user's preferred audio codec configuration.
type CodecPreferenceRow struct {
	UserID         int64
	PreferredCodec string
	FallbackCodec  string
	OpusBitrate    int
	UpdatedAt      time.Time
}

// CodecPreference returns the stored preference for a user, or ErrNoRows.
func (db *DB) CodecPreference(ctx context.Context, userID int64) (*CodecPreferenceRow, error) {
	var p CodecPreferenceRow
	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, preferred_codec, fallback_codec, opus_bitrate, updated_at
		FROM user_codec_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.PreferredCodec, &p.FallbackCodec, &p.OpusBitrate, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertCodecPreference creates or replaces a user's codec preference.
func (db *DB) UpsertCodecPreference(ctx context.Context, p *CodecPreferenceRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO user_codec_preferences (user_id, preferred_codec, fallback_codec, opus_bitrate, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_codec = $2,
			fallback_codec = $3,
			opus_bitrate = $4,
			updated_at = now()
	`, p.UserID, p.PreferredCodec, p.FallbackCodec, p.OpusBitrate)
	return err
}
