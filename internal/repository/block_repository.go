package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/platform-auth/internal/model"
)

const blockColumns = "id,scope,target,reason,block_type,initiated_by,created_at,expires_at,is_active,unblocked_at,unblocked_by"

// BlockFilter narrows List. Zero values mean "any".
type BlockFilter struct {
	Scope      model.BlockScope
	Target     string
	ActiveOnly bool // only blocks in effect at Now
	Now        time.Time
	Limit      int
	Offset     int
}

// BlockRepo provides data access to the blocks table.
type BlockRepo struct{ DB *sql.DB }

func NewBlockRepo(db *sql.DB) *BlockRepo { return &BlockRepo{DB: db} }

// Create inserts b and returns it with its generated id.
func (r *BlockRepo) Create(ctx context.Context, b model.Block) (model.Block, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO blocks (scope, target, reason, block_type, initiated_by, created_at, expires_at, is_active)
		 VALUES (?,?,?,?,?,?,?,1)`,
		b.Scope, b.Target, b.Reason, b.Type, nullUint(b.InitiatedBy), b.CreatedAt.UTC(), nullTime(b.ExpiresAt))
	if err != nil {
		return model.Block{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Block{}, err
	}
	b.ID = uint64(id)
	b.Active = true
	return b, nil
}

// FindInEffect returns the first block on the account or the IP that is in
// effect at now. Account blocks sort first. It returns ErrNotFound when
// neither target is blocked. Either target may be empty to skip it.
func (r *BlockRepo) FindInEffect(ctx context.Context, account, ip string, now time.Time) (model.Block, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+blockColumns+` FROM blocks
		 WHERE is_active=1 AND unblocked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		   AND ((scope='account' AND target=?) OR (scope='ip' AND target=?))
		 ORDER BY scope='account' DESC, created_at DESC LIMIT 1`,
		now.UTC(), nonEmpty(account), nonEmpty(ip))
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Block{}, ErrNotFound
	}
	return b, err
}

// Get fetches a block by id.
func (r *BlockRepo) Get(ctx context.Context, id uint64) (model.Block, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+blockColumns+" FROM blocks WHERE id=? LIMIT 1", id)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Block{}, ErrNotFound
	}
	return b, err
}

// Deactivate lifts a block. It returns ErrNotFound when the id is unknown
// and ErrConflict when the block was already lifted.
func (r *BlockRepo) Deactivate(ctx context.Context, id uint64, by *uint64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE blocks SET is_active=0, unblocked_at=?, unblocked_by=? WHERE id=? AND is_active=1 AND unblocked_at IS NULL",
		at.UTC(), nullUint(by), id)
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
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// List returns blocks newest first.
func (r *BlockRepo) List(ctx context.Context, f BlockFilter) ([]model.Block, error) {
	var (
		where []string
		args  []any
	)
	if f.Scope != "" {
		where = append(where, "scope=?")
		args = append(args, f.Scope)
	}
	if f.Target != "" {
		where = append(where, "target=?")
		args = append(args, f.Target)
	}
	if f.ActiveOnly {
		where = append(where, "is_active=1 AND unblocked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)")
		args = append(args, f.Now.UTC())
	}
	q := "SELECT " + blockColumns + " FROM blocks"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBlock(row rowScanner) (model.Block, error) {
	var (
		b           model.Block
		initiatedBy sql.NullInt64
		expiresAt   sql.NullTime
		unblockedAt sql.NullTime
		unblockedBy sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Scope, &b.Target, &b.Reason, &b.Type, &initiatedBy, &b.CreatedAt,
		&expiresAt, &b.Active, &unblockedAt, &unblockedBy)
	if err != nil {
		return model.Block{}, err
	}
	b.InitiatedBy = uintPtr(initiatedBy)
	b.UnblockedBy = uintPtr(unblockedBy)
	b.ExpiresAt = timePtr(expiresAt)
	b.UnblockedAt = timePtr(unblockedAt)
	return b, nil
}

// nonEmpty maps an empty target to NULL so it can never match a row.
func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullUint(p *uint64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
