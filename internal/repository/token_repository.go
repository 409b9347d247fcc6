package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenRepo persists/validates refresh tokens (single 'token_hash' column).
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// StoreRefresh inserts a refresh token hash bound to a session.
func (r *TokenRepo) StoreRefresh(ctx context.Context, identityID uint64, sessionID, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, session_id, token_hash, expires_at) VALUES (?,?,?,?)",
		identityID, sessionID, tokenHash, exp.UTC())
	return err
}

// ValidateRefresh returns the owner and session of a non-revoked,
// non-expired token, or ErrNotFound.
func (r *TokenRepo) ValidateRefresh(ctx context.Context, tokenHash string, now time.Time) (identityID uint64, sessionID string, err error) {
	var (
		expiresAt time.Time
		revokedAt sql.NullTime
	)
	err = r.DB.QueryRowContext(ctx,
		"SELECT user_id, session_id, expires_at, revoked_at FROM refresh_tokens WHERE token_hash=? LIMIT 1",
		tokenHash).Scan(&identityID, &sessionID, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	if revokedAt.Valid || !now.Before(expiresAt) {
		return 0, "", ErrNotFound
	}
	return identityID, sessionID, nil
}

// RevokeByHash marks a token as revoked. ErrNotFound means the token was
// unknown or already revoked, so at most one caller ever wins a rotation.
func (r *TokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP() WHERE token_hash=? AND revoked_at IS NULL",
		tokenHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeForSession revokes every token issued for a session.
func (r *TokenRepo) RevokeForSession(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP() WHERE session_id=? AND revoked_at IS NULL",
		sessionID)
	return err
}

// RevokeAllForIdentity revokes all of an identity's active tokens.
func (r *TokenRepo) RevokeAllForIdentity(ctx context.Context, identityID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP() WHERE user_id=? AND revoked_at IS NULL",
		identityID)
	return err
}
