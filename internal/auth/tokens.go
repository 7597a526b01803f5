// Package auth is the token-validation collaborator consumed by the
// relay engine. Passkey registration and assertion cryptography are out
// of scope here; the store schema for credentials lives in the database
// package and is maintained through the same interface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/relay"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Accounts is the subset of the store the validator consults.
type Accounts interface {
	UserByID(ctx context.Context, id int64) (*database.UserRow, error)
	TouchLastLogin(ctx context.Context, userID int64) error
}

// Validator validates HS256 access tokens and resolves them to account
// identities.
type Validator struct {
	secret   []byte
	accounts Accounts
	log      zerolog.Logger
}

func NewValidator(secret string, accounts Accounts, log zerolog.Logger) *Validator {
	return &Validator{
		secret:   []byte(secret),
		accounts: accounts,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// ValidateAccessToken checks the token signature and expiry, confirms the
// account is still active, and stamps last_login.
func (v *Validator) ValidateAccessToken(ctx context.Context, token string) (*relay.TokenIdentity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user, err := v.accounts.UserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.Active {
		return nil, ErrInvalidToken
	}

	if err := v.accounts.TouchLastLogin(ctx, userID); err != nil {
		// Bookkeeping only; the login still succeeds.
		v.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to stamp last_login")
	}

	return &relay.TokenIdentity{UserID: user.ID, Username: user.Username}, nil
}

// MintAccessToken issues a signed HS256 token for an account. Used by
// relayctl; the server itself never mints.
func MintAccessToken(secret string, userID int64, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      strconv.FormatInt(userID, 10),
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
