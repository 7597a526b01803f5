package database

import (
	"context"
	"errors"
	"time"
)

// UserRow is a persistent account record.
type UserRow struct {
	ID        int64
	Username  string
	CreatedAt time.Time
	LastLogin *time.Time
	Active    bool
}

// UserByUsername returns the active account with the given username,
// or ErrNoRows when none exists. Matching is case-insensitive, same as
// the uniqueness index.
func (db *DB) UserByUsername(ctx context.Context, username string) (*UserRow, error) {
	var u UserRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, username, created_at, last_login, active
		FROM users
		WHERE lower(username) = lower($1) AND active
	`, username).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastLogin, &u.Active)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserByID returns the account with the given id, active or not.
func (db *DB) UserByID(ctx context.Context, id int64) (*UserRow, error) {
	var u UserRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, username, created_at, last_login, active
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastLogin, &u.Active)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UsernameOwned reports whether an active account owns the given name.
func (db *DB) UsernameOwned(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1) AND active)
	`, username).Scan(&exists)
	return exists, err
}

// CreateUser inserts a new active account and returns its id.
func (db *DB) CreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users (username) VALUES ($1) RETURNING id
	`, username).Scan(&id)
	return id, err
}

// TouchLastLogin stamps the account's last_login.
func (db *DB) TouchLastLogin(ctx context.Context, userID int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE users SET last_login = now() WHERE id = $1
	`, userID)
	return err
}

// SetUserActive flips an account's active flag.
func (db *DB) SetUserActive(ctx context.Context, userID int64, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE users SET active = $2 WHERE id = $1
	`, userID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// CredentialRow is a stored passkey credential. The relay never parses
// the public key; registration and assertion verification live in the
// auth collaborator.
type CredentialRow struct {
	ID           int64
	UserID       int64
	CredentialID string
	PublicKey    []byte
	Counter      int64
	AAGUID       *string
	Transports   *string
	CreatedAt    time.Time
	LastUsed     *time.Time
	Nickname     *string
}

// StoreCredential inserts a passkey credential for a user.
func (db *DB) StoreCredential(ctx context.Context, c *CredentialRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO webauthn_credentials (
			user_id, credential_id, public_key, counter, aaguid, transports, nickname
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, c.UserID, c.CredentialID, c.PublicKey, c.Counter, c.AAGUID, c.Transports, c.Nickname).Scan(&id)
	return id, err
}

// CredentialsForUser returns all credentials registered to a user.
func (db *DB) CredentialsForUser(ctx context.Context, userID int64) ([]CredentialRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, credential_id, public_key, counter,
			aaguid, transports, created_at, last_used, nickname
		FROM webauthn_credentials
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CredentialRow
	for rows.Next() {
		var c CredentialRow
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.Counter,
			&c.AAGUID, &c.Transports, &c.CreatedAt, &c.LastUsed, &c.Nickname,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentialCounter bumps the signature counter and last_used stamp
// after a successful assertion.
func (db *DB) UpdateCredentialCounter(ctx context.Context, credentialID string, counter int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE webauthn_credentials SET counter = $2, last_used = now()
		WHERE credential_id = $1
	`, credentialID, counter)
	return err
}

// InsertRefreshToken stores a refresh token hash for a user session.
func (db *DB) InsertRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time, ip, ua string) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, ip, ua)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		RETURNING id
	`, userID, tokenHash, expiresAt, ip, ua).Scan(&id)
	return id, err
}

// ErrTokenRevoked is returned when a refresh token exists but is revoked
// or expired.
var ErrTokenRevoked = errors.New("refresh token revoked or expired")

// UserForRefreshToken resolves a refresh token hash to its user id.
func (db *DB) UserForRefreshToken(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	var revoked bool
	var expiresAt time.Time
	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, revoked, expires_at FROM refresh_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&userID, &revoked, &expiresAt)
	if err != nil {
		return 0, err
	}
	if revoked || time.Now().After(expiresAt) {
		return 0, ErrTokenRevoked
	}
	return userID, nil
}

// RevokeRefreshTokens revokes all of a user's refresh tokens. Returns the
// number revoked.
func (db *DB) RevokeRefreshTokens(ctx context.Context, userID int64) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND NOT revoked
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeExpiredRefreshTokens deletes tokens past expiry. Returns count deleted.
func (db *DB) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UserCount returns the number of active accounts.
func (db *DB) UserCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE active`).Scan(&n)
	return n, err
}
