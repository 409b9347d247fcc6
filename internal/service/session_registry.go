package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
)

// Session close reasons recorded on logout events.
const (
	ReasonUserLogout    = "user-logout"
	ReasonSuperseded    = "superseded"
	ReasonTerminated    = "terminated"
	ReasonRolesChanged  = "roles-changed"
	ReasonStatusChanged = "status-changed"
)

// SessionRegistry tracks the active sessions of every identity.
//
// All writes for one identity are linearized: an in-process lock per
// identity covers this replica and the store locks the identity row inside
// the session transaction for the others. When single-session mode is on,
// at most one session per identity is active after any Open returns.
type SessionRegistry struct {
	store         SessionStore
	events        *EventLog
	singleSession bool
	now           func() time.Time
	locks         identityLocks
}

func NewSessionRegistry(store SessionStore, events *EventLog, singleSession bool, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{store: store, events: events, singleSession: singleSession, now: now}
}

// SingleSession reports whether opening a session supersedes the others.
func (r *SessionRegistry) SingleSession() bool { return r.singleSession }

// Client identifies where a request came from.
type Client struct {
	IP        string
	Device    string
	UserAgent string
}

// Open starts a new active session for the identity.
func (r *SessionRegistry) Open(ctx context.Context, identityID uint64, c Client) (model.Session, error) {
	unlock := r.locks.lock(identityID)
	defer unlock()

	now := r.now()
	s := model.Session{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		IP:         c.IP,
		Device:     c.Device,
		UserAgent:  c.UserAgent,
		StartedAt:  now,
		Active:     true,
	}
	closed, err := r.store.Create(ctx, s, r.singleSession, now)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrUserNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	for _, old := range closed {
		r.recordLogout(ctx, old, ReasonSuperseded, c.IP, map[string]any{"superseded_by": s.ID})
	}
	return s, nil
}

// Get returns a session by id.
func (r *SessionRegistry) Get(ctx context.Context, id string) (model.Session, error) {
	s, err := r.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Session{}, ErrNotFound
	}
	return s, err
}

// Close ends a session. Closing an already closed session is a no-op and
// reports closed=false. A logout event with reason is recorded only when
// the session actually transitioned.
func (r *SessionRegistry) Close(ctx context.Context, id, reason, origin string) (closed bool, err error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	unlock := r.locks.lock(s.IdentityID)
	defer unlock()

	now := r.now()
	changed, err := r.store.Close(ctx, id, now)
	if err != nil {
		return false, err
	}
	if changed {
		s.Active = false
		s.EndedAt = &now
		r.recordLogout(ctx, s, reason, origin, nil)
	}
	return changed, nil
}

// CloseAll ends every active session of the identity.
func (r *SessionRegistry) CloseAll(ctx context.Context, identityID uint64, reason, origin string) ([]model.Session, error) {
	unlock := r.locks.lock(identityID)
	defer unlock()

	closed, err := r.store.CloseAllForIdentity(ctx, identityID, r.now())
	if err != nil {
		return nil, err
	}
	for _, s := range closed {
		r.recordLogout(ctx, s, reason, origin, nil)
	}
	return closed, nil
}

// MarkBlocked flags a session as blocked without closing it.
func (r *SessionRegistry) MarkBlocked(ctx context.Context, id string, by *uint64, origin string) (model.Session, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	unlock := r.locks.lock(s.IdentityID)
	defer unlock()

	if err := r.store.MarkBlocked(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}
	s.Blocked = true
	meta := map[string]any{"session_id": s.ID, "scope": "session"}
	if by != nil {
		meta["initiated_by"] = *by
	}
	r.events.Record(ctx, model.SecurityEvent{
		IdentityID: &s.IdentityID,
		Type:       model.EventAccountBlocked,
		Severity:   model.SeverityCritical,
		IP:         origin,
		Metadata:   meta,
	})
	return s, nil
}

// ListActive returns the identity's active sessions, newest first.
func (r *SessionRegistry) ListActive(ctx context.Context, identityID uint64) ([]model.Session, error) {
	return r.store.ListActive(ctx, identityID)
}

// KnownDevice reports whether the identity has signed in from device before.
func (r *SessionRegistry) KnownDevice(ctx context.Context, identityID uint64, device string) (bool, error) {
	if device == "" {
		return true, nil
	}
	return r.store.HasDevice(ctx, identityID, device)
}

func (r *SessionRegistry) recordLogout(ctx context.Context, s model.Session, reason, origin string, extra map[string]any) {
	meta := map[string]any{"session_id": s.ID, "reason": reason}
	for k, v := range extra {
		meta[k] = v
	}
	if origin == "" {
		origin = s.IP
	}
	r.events.Record(ctx, model.SecurityEvent{
		IdentityID: ptr(s.IdentityID),
		Type:       model.EventLogout,
		Severity:   model.SeverityInfo,
		IP:         origin,
		UserAgent:  s.UserAgent,
		Metadata:   meta,
	})
}
