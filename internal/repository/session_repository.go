package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/platform-auth/internal/database"
	"github.com/iliyamo/platform-auth/internal/model"
)

const sessionColumns = "id,user_id,ip,device,user_agent,started_at,ended_at,is_active,is_blocked"

// SessionRepo provides data access to the sessions table. Mutations that
// touch an identity's whole session set lock that identity's users row
// first, which serializes them per identity across processes.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// Create inserts s. When closeOthers is true every other active session of
// the same identity is closed at endedAt in the same transaction and
// returned. Either everything is recorded or nothing is.
func (r *SessionRepo) Create(ctx context.Context, s model.Session, closeOthers bool, endedAt time.Time) ([]model.Session, error) {
	var closed []model.Session
	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if err := lockIdentity(ctx, tx, s.IdentityID); err != nil {
			return err
		}
		if closeOthers {
			var err error
			if closed, err = closeActiveTx(ctx, tx, s.IdentityID, endedAt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, ip, device, user_agent, started_at, is_active, is_blocked)
			 VALUES (?,?,?,?,?,?,1,0)`,
			s.ID, s.IdentityID, s.IP, s.Device, s.UserAgent, s.StartedAt.UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// CloseAllForIdentity closes every active session of identityID and returns
// the sessions it closed.
func (r *SessionRepo) CloseAllForIdentity(ctx context.Context, identityID uint64, at time.Time) ([]model.Session, error) {
	var closed []model.Session
	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if err := lockIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		var err error
		closed, err = closeActiveTx(ctx, tx, identityID, at)
		return err
	})
	return closed, err
}

// Get fetches a session by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (model.Session, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id=? LIMIT 1", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return s, err
}

// Close marks a session inactive. changed is false when it already was.
func (r *SessionRepo) Close(ctx context.Context, id string, at time.Time) (changed bool, err error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE sessions SET is_active=0, ended_at=? WHERE id=? AND is_active=1", at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	return false, r.mustExist(ctx, id)
}

// MarkBlocked sets is_blocked without touching is_active.
func (r *SessionRepo) MarkBlocked(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, "UPDATE sessions SET is_blocked=1 WHERE id=?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// MySQL reports 0 affected rows when the value did not change.
	return r.mustExist(ctx, id)
}

// ListActive returns active sessions of identityID, newest first.
func (r *SessionRepo) ListActive(ctx context.Context, identityID uint64) ([]model.Session, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id=? AND is_active=1 ORDER BY started_at DESC",
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HasDevice reports whether identityID ever started a session from device.
func (r *SessionRepo) HasDevice(ctx context.Context, identityID uint64, device string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE user_id=? AND device=? LIMIT 1", identityID, device).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *SessionRepo) mustExist(ctx context.Context, id string) error {
	var one int
	err := r.DB.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id=? LIMIT 1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func lockIdentity(ctx context.Context, tx *sql.Tx, identityID uint64) error {
	var id uint64
	err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE id=? FOR UPDATE", identityID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func closeActiveTx(ctx context.Context, tx *sql.Tx, identityID uint64, at time.Time) ([]model.Session, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id=? AND is_active=1", identityID)
	if err != nil {
		return nil, err
	}
	var closed []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ended := at.UTC()
		s.Active, s.EndedAt = false, &ended
		closed = append(closed, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(closed) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE sessions SET is_active=0, ended_at=? WHERE user_id=? AND is_active=1", at.UTC(), identityID)
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s     model.Session
		ended sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.IdentityID, &s.IP, &s.Device, &s.UserAgent, &s.StartedAt, &ended, &s.Active, &s.Blocked); err != nil {
		return model.Session{}, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}
