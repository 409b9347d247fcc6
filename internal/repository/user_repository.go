package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/platform-auth/internal/database"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/utils"
)

const identityColumns = `id,email,name,password_hash,status,roles,totp_secret,two_factor_enabled,
recovery_codes,recovery_email,recovery_email_verified,created_at,updated_at`

// UserRepo mirrors the 'users' table.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// Create inserts an active identity and returns its ID.
func (r *UserRepo) Create(ctx context.Context, email, name, password string, roles model.RoleSet, cost int) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, name, password_hash, status, roles) VALUES (?,?,?,?,?)",
		email, strings.TrimSpace(name), hash, model.StatusActive, roles)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches an identity by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM users WHERE email=? LIMIT 1", email)
	return scanIdentity(row)
}

// GetByID fetches an identity by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.Identity, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM users WHERE id=? LIMIT 1", id)
	return scanIdentity(row)
}

// UpdateRoles replaces the role set of an identity.
func (r *UserRepo) UpdateRoles(ctx context.Context, id uint64, roles model.RoleSet) error {
	return r.execOne(ctx, "UPDATE users SET roles=?, updated_at=UTC_TIMESTAMP() WHERE id=?", roles, id)
}

// UpdateStatus transitions an identity's status. Rows are never deleted.
func (r *UserRepo) UpdateStatus(ctx context.Context, id uint64, status model.Status) error {
	return r.execOne(ctx, "UPDATE users SET status=?, updated_at=UTC_TIMESTAMP() WHERE id=?", status, id)
}

// SetTOTPSecret stores a pending secret; two-factor stays disabled until
// EnableTwoFactor.
func (r *UserRepo) SetTOTPSecret(ctx context.Context, id uint64, secret string) error {
	return r.execOne(ctx,
		"UPDATE users SET totp_secret=?, two_factor_enabled=0, updated_at=UTC_TIMESTAMP() WHERE id=?",
		secret, id)
}

// EnableTwoFactor turns on two-factor and replaces the recovery code hashes.
func (r *UserRepo) EnableTwoFactor(ctx context.Context, id uint64, recoveryHashes []string) error {
	codes, err := json.Marshal(recoveryHashes)
	if err != nil {
		return err
	}
	return r.execOne(ctx,
		"UPDATE users SET two_factor_enabled=1, recovery_codes=?, updated_at=UTC_TIMESTAMP() WHERE id=? AND totp_secret IS NOT NULL",
		string(codes), id)
}

// DisableTwoFactor clears the secret and all recovery codes.
func (r *UserRepo) DisableTwoFactor(ctx context.Context, id uint64) error {
	return r.execOne(ctx,
		"UPDATE users SET two_factor_enabled=0, totp_secret=NULL, recovery_codes=NULL, updated_at=UTC_TIMESTAMP() WHERE id=?",
		id)
}

// ConsumeRecoveryCode removes hash from the identity's unused codes. It
// reports false when the code is unknown or already used. The row lock
// makes concurrent use of the same code succeed at most once.
func (r *UserRepo) ConsumeRecoveryCode(ctx context.Context, id uint64, hash string) (bool, error) {
	consumed := false
	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT recovery_codes FROM users WHERE id=? FOR UPDATE", id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		codes, err := decodeCodes(raw)
		if err != nil {
			return err
		}
		remaining := make([]string, 0, len(codes))
		for _, c := range codes {
			if c == hash && !consumed {
				consumed = true
				continue
			}
			remaining = append(remaining, c)
		}
		if !consumed {
			return nil
		}
		b, err := json.Marshal(remaining)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET recovery_codes=?, updated_at=UTC_TIMESTAMP() WHERE id=?", string(b), id)
		return err
	})
	return consumed, err
}

// SetRecoveryEmail stores an unverified secondary address.
func (r *UserRepo) SetRecoveryEmail(ctx context.Context, id uint64, email string) error {
	return r.execOne(ctx,
		"UPDATE users SET recovery_email=?, recovery_email_verified=0, updated_at=UTC_TIMESTAMP() WHERE id=?",
		strings.ToLower(strings.TrimSpace(email)), id)
}

func (r *UserRepo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (model.Identity, error) {
	var (
		u        model.Identity
		totp     sql.NullString
		codes    sql.NullString
		recovery sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Status, &u.Roles, &totp,
		&u.TwoFactorEnabled, &codes, &recovery, &u.RecoveryEmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, ErrNotFound
	}
	if err != nil {
		return model.Identity{}, err
	}
	if totp.Valid {
		u.TOTPSecret = &totp.String
	}
	if recovery.Valid {
		u.RecoveryEmail = &recovery.String
	}
	if u.RecoveryCodes, err = decodeCodes(codes); err != nil {
		return model.Identity{}, err
	}
	return u, nil
}

func decodeCodes(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw.String), &codes); err != nil {
		return nil, fmt.Errorf("users.recovery_codes: %w", err)
	}
	return codes, nil
}
