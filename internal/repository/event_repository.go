package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/platform-auth/internal/model"
)

const eventColumns = "id,user_id,event_type,severity,ip,user_agent,metadata,created_at"

// EventFilter selects security events. Zero values mean "any".
type EventFilter struct {
	IdentityID *uint64
	Types      []model.EventType
	Severity   model.Severity
	IP         string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
	Ascending  bool
}

// EventRepo appends to and reads from the security_events table. There is
// deliberately no update or delete.
type EventRepo struct{ DB *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{DB: db} }

// Insert appends ev and returns its id.
func (r *EventRepo) Insert(ctx context.Context, ev model.SecurityEvent) (uint64, error) {
	var meta any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO security_events (user_id, event_type, severity, ip, user_agent, metadata, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		nullUint(ev.IdentityID), ev.Type, ev.Severity, ev.IP, ev.UserAgent, meta, ev.CreatedAt.UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// Query returns one page of events, newest first unless f.Ascending.
func (r *EventRepo) Query(ctx context.Context, f EventFilter) ([]model.SecurityEvent, error) {
	where, args := eventWhere(f)
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	q := "SELECT " + eventColumns + " FROM security_events" + where +
		" ORDER BY created_at " + order + ", id " + order + " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.SecurityEvent{}
	for rows.Next() {
		var (
			ev   model.SecurityEvent
			uid  sql.NullInt64
			meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &uid, &ev.Type, &ev.Severity, &ev.IP, &ev.UserAgent, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.IdentityID = uintPtr(uid)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("security_events.metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of events matching f, ignoring paging.
func (r *EventRepo) Count(ctx context.Context, f EventFilter) (int, error) {
	where, args := eventWhere(f)
	var n int
	err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM security_events"+where, args...).Scan(&n)
	return n, err
}

func eventWhere(f EventFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.IdentityID != nil {
		where = append(where, "user_id=?")
		args = append(args, *f.IdentityID)
	}
	if len(f.Types) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(",?", len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Severity != "" {
		where = append(where, "severity=?")
		args = append(args, f.Severity)
	}
	if f.IP != "" {
		where = append(where, "ip=?")
		args = append(args, f.IP)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at>=?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at<?")
		args = append(args, f.Until.UTC())
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}
