package repository_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
)

var (
	identityCols = []string{"id", "email", "name", "password_hash", "status", "roles", "totp_secret",
		"two_factor_enabled", "recovery_codes", "recovery_email", "recovery_email_verified", "created_at", "updated_at"}
	sessionCols = []string{"id", "user_id", "ip", "device", "user_agent", "started_at", "ended_at", "is_active", "is_blocked"}
	blockCols   = []string{"id", "scope", "target", "reason", "block_type", "initiated_by", "created_at",
		"expires_at", "is_active", "unblocked_at", "unblocked_by"}
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestUserRepoGetByIDCoercesRoles(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(q("FROM users WHERE id=?")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow(
			7, "ops@example.com", "Ops", "hash", "active", " Data,admin ", nil,
			false, `["h1","h2"]`, nil, false, now, now))

	u, err := repository.NewUserRepo(db).GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, model.RoleSet{"admin", "data"}, u.Roles)
	require.Equal(t, model.StatusActive, u.Status)
	require.Equal(t, []string{"h1", "h2"}, u.RecoveryCodes)
	require.Nil(t, u.TOTPSecret)
}

func TestUserRepoGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(q("FROM users WHERE id=?")).WithArgs(9).
		WillReturnRows(sqlmock.NewRows(identityCols))

	_, err := repository.NewUserRepo(db).GetByID(context.Background(), 9)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUserRepoCreateDuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO users")).
		WithArgs("ops@example.com", "Ops", sqlmock.AnyArg(), "active", "viewer").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	_, err := repository.NewUserRepo(db).Create(context.Background(), " OPS@example.com ", "Ops", "pw", model.NewRoleSet("viewer"), 4)
	require.ErrorIs(t, err, repository.ErrEmailExists)
}

func TestUserRepoConsumeRecoveryCodeOnce(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT recovery_codes FROM users WHERE id=? FOR UPDATE")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"recovery_codes"}).AddRow(`["a","b"]`))
	mock.ExpectExec(q("UPDATE users SET recovery_codes=?")).WithArgs(`["b"]`, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repository.NewUserRepo(db).ConsumeRecoveryCode(context.Background(), 7, "a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUserRepoUpdateStatusUnknown(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("UPDATE users SET status=?")).WithArgs("suspended", 5).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repository.NewUserRepo(db).UpdateStatus(context.Background(), 5, model.StatusSuspended)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTokenRepoRevokeByHashSingleWinner(t *testing.T) {
	db, mock := newMock(t)
	stmt := q("UPDATE refresh_tokens SET revoked_at=UTC_TIMESTAMP() WHERE token_hash=? AND revoked_at IS NULL")
	mock.ExpectExec(stmt).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 0))

	repo := repository.NewTokenRepo(db)
	require.NoError(t, repo.RevokeByHash(context.Background(), "h1"))
	require.ErrorIs(t, repo.RevokeByHash(context.Background(), "h1"), repository.ErrNotFound)
}

func TestSessionRepoCreateClosesOthersInOneTx(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	now := started.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id FROM users WHERE id=? FOR UPDATE")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(q("FROM sessions WHERE user_id=? AND is_active=1")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("old", 7, "10.0.0.1", "laptop", "ua", started, nil, true, false))
	mock.ExpectExec(q("UPDATE sessions SET is_active=0, ended_at=? WHERE user_id=? AND is_active=1")).
		WithArgs(now, 7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO sessions")).
		WithArgs("new", 7, "10.0.0.2", "phone", "ua2", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	closed, err := repository.NewSessionRepo(db).Create(context.Background(), model.Session{
		ID: "new", IdentityID: 7, IP: "10.0.0.2", Device: "phone", UserAgent: "ua2", StartedAt: now,
	}, true, now)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, "old", closed[0].ID)
	require.False(t, closed[0].Active)
	require.Equal(t, now, *closed[0].EndedAt)
}

func TestSessionRepoCreateRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(q("INSERT INTO sessions")).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := repository.NewSessionRepo(db).Create(context.Background(), model.Session{ID: "s", IdentityID: 7, StartedAt: now}, false, now)
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestSessionRepoCreateUnknownIdentity(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs(8).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repository.NewSessionRepo(db).Create(context.Background(), model.Session{ID: "s", IdentityID: 8}, false, time.Now())
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessionRepoCloseIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("UPDATE sessions SET is_active=0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT 1 FROM sessions WHERE id=?")).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	changed, err := repository.NewSessionRepo(db).Close(context.Background(), "s1", time.Now())
	require.NoError(t, err)
	require.False(t, changed)
}

func TestBlockRepoDeactivateDistinguishesStates(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewBlockRepo(db)
	now := time.Now().UTC()
	admin := uint64(1)

	mock.ExpectExec(q("UPDATE blocks SET is_active=0")).WithArgs(now, admin, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM blocks WHERE id=?")).WithArgs(3).
		WillReturnRows(sqlmock.NewRows(blockCols).AddRow(3, "ip", "10.0.0.5", "abuse", "manual", nil, now, nil, false, now, 1))
	require.ErrorIs(t, repo.Deactivate(context.Background(), 3, &admin, now), repository.ErrConflict)

	mock.ExpectExec(q("UPDATE blocks SET is_active=0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM blocks WHERE id=?")).WithArgs(4).WillReturnRows(sqlmock.NewRows(blockCols))
	require.ErrorIs(t, repo.Deactivate(context.Background(), 4, &admin, now), repository.ErrNotFound)
}

func TestBlockRepoFindInEffect(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	exp := now.Add(time.Hour)

	mock.ExpectQuery(q("expires_at IS NULL OR expires_at > ?")).WithArgs(now, "7", "10.0.0.5").
		WillReturnRows(sqlmock.NewRows(blockCols).AddRow(1, "ip", "10.0.0.5", "abuse", "automatic", nil, now, exp, true, nil, nil))
	b, err := repository.NewBlockRepo(db).FindInEffect(context.Background(), "7", "10.0.0.5", now)
	require.NoError(t, err)
	require.Equal(t, model.ScopeIP, b.Scope)
	require.Nil(t, b.InitiatedBy)
	require.True(t, b.InEffect(now))

	mock.ExpectQuery(q("FROM blocks")).WithArgs(now, nil, "10.0.0.6").WillReturnRows(sqlmock.NewRows(blockCols))
	_, err = repository.NewBlockRepo(db).FindInEffect(context.Background(), "", "10.0.0.6", now)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEventRepoInsertAndQuery(t *testing.T) {
	db, mock := newMock(t)
	repo := repository.NewEventRepo(db)
	now := time.Now().UTC()
	uid := uint64(7)

	mock.ExpectExec(q("INSERT INTO security_events")).
		WithArgs(uid, "role-denied", "warning", "10.0.0.1", "ua", `{"domain":"web"}`, now).
		WillReturnResult(sqlmock.NewResult(11, 1))
	id, err := repo.Insert(context.Background(), model.SecurityEvent{
		IdentityID: &uid, Type: model.EventRoleDenied, Severity: model.SeverityWarning,
		IP: "10.0.0.1", UserAgent: "ua", Metadata: map[string]any{"domain": "web"}, CreatedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(11), id)

	mock.ExpectQuery(q("WHERE user_id=? AND event_type IN (?,?) ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs(uid, "login-failure", "logout", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "event_type", "severity", "ip", "user_agent", "metadata", "created_at"}).
			AddRow(12, 7, "logout", "info", "", "", `{"reason":"superseded"}`, now))
	evs, err := repo.Query(context.Background(), repository.EventFilter{
		IdentityID: &uid, Types: []model.EventType{model.EventLoginFailure, model.EventLogout}, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "superseded", evs[0].Metadata["reason"])
}

func TestRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := repository.NewRevocationStore(rdb)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "jti-2", time.Now().Add(-time.Minute)))
	revoked, _ = store.IsRevoked(ctx, "jti-2")
	require.False(t, revoked)

	revoked, err = repository.NewRevocationStore(nil).IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)
}
