// Package memory holds in-memory implementations of the repository
// contracts the service layer depends on. They back the service and HTTP
// tests and honor the same not-found and conflict errors as the MySQL
// repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/utils"
)

// Identities stores identities in a map. Passwords are bcrypt hashed with
// the cost passed to Create, so tests should pass bcrypt.MinCost.
type Identities struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]model.Identity
	err    error
}

func NewIdentities() *Identities {
	return &Identities{byID: map[uint64]model.Identity{}}
}

func (m *Identities) update(id uint64, fn func(*model.Identity)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&u)
	m.byID[id] = u
	return nil
}

func (m *Identities) Create(_ context.Context, email, name, password string, roles model.RoleSet, cost int) (uint64, error) {
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return 0, repository.ErrEmailExists
		}
	}
	m.nextID++
	m.byID[m.nextID] = model.Identity{
		ID: m.nextID, Email: email, Name: name, PasswordHash: hash,
		Status: model.StatusActive, Roles: roles,
	}
	return m.nextID, nil
}

func (m *Identities) GetByEmail(_ context.Context, email string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.Identity{}, m.err
	}
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.Identity{}, repository.ErrNotFound
}

func (m *Identities) GetByID(_ context.Context, id uint64) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.Identity{}, m.err
	}
	u, ok := m.byID[id]
	if !ok {
		return model.Identity{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *Identities) UpdateRoles(_ context.Context, id uint64, roles model.RoleSet) error {
	return m.update(id, func(u *model.Identity) { u.Roles = roles })
}

func (m *Identities) UpdateStatus(_ context.Context, id uint64, status model.Status) error {
	return m.update(id, func(u *model.Identity) { u.Status = status })
}

func (m *Identities) SetTOTPSecret(_ context.Context, id uint64, secret string) error {
	return m.update(id, func(u *model.Identity) { u.TOTPSecret = &secret })
}

func (m *Identities) EnableTwoFactor(_ context.Context, id uint64, hashes []string) error {
	return m.update(id, func(u *model.Identity) {
		u.TwoFactorEnabled = true
		u.RecoveryCodes = hashes
	})
}

func (m *Identities) DisableTwoFactor(_ context.Context, id uint64) error {
	return m.update(id, func(u *model.Identity) {
		u.TwoFactorEnabled = false
		u.TOTPSecret = nil
		u.RecoveryCodes = nil
	})
}

func (m *Identities) ConsumeRecoveryCode(_ context.Context, id uint64, hash string) (bool, error) {
	consumed := false
	err := m.update(id, func(u *model.Identity) {
		for i, h := range u.RecoveryCodes {
			if h == hash {
				u.RecoveryCodes = append(append([]string{}, u.RecoveryCodes[:i]...), u.RecoveryCodes[i+1:]...)
				consumed = true
				return
			}
		}
	})
	return consumed, err
}

func (m *Identities) SetRecoveryEmail(_ context.Context, id uint64, email string) error {
	return m.update(id, func(u *model.Identity) {
		u.RecoveryEmail = &email
		u.RecoveryEmailVerified = false
	})
}

// Sessions keeps sessions in a map and checks identities against ids.
type Sessions struct {
	mu         sync.Mutex
	byID       map[string]model.Session
	identities *Identities
	err        error
}

func NewSessions(ids *Identities) *Sessions {
	return &Sessions{byID: map[string]model.Session{}, identities: ids}
}

func (m *Sessions) Create(ctx context.Context, s model.Session, closeOthers bool, at time.Time) ([]model.Session, error) {
	if _, err := m.identities.GetByID(ctx, s.IdentityID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []model.Session
	if closeOthers {
		closed = m.closeLocked(s.IdentityID, at)
	}
	m.byID[s.ID] = s
	return closed, nil
}

func (m *Sessions) closeLocked(identityID uint64, at time.Time) []model.Session {
	var closed []model.Session
	for id, s := range m.byID {
		if s.IdentityID == identityID && s.Active {
			s.Active = false
			s.EndedAt = &at
			m.byID[id] = s
			closed = append(closed, s)
		}
	}
	return closed
}

func (m *Sessions) CloseAllForIdentity(_ context.Context, identityID uint64, at time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(identityID, at), nil
}

func (m *Sessions) Get(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.Session{}, m.err
	}
	s, ok := m.byID[id]
	if !ok {
		return model.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (m *Sessions) Close(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !s.Active {
		return false, nil
	}
	s.Active = false
	s.EndedAt = &at
	m.byID[id] = s
	return true, nil
}

func (m *Sessions) MarkBlocked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Blocked = true
	m.byID[id] = s
	return nil
}

func (m *Sessions) ListActive(_ context.Context, identityID uint64) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.byID {
		if s.IdentityID == identityID && s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *Sessions) HasDevice(_ context.Context, identityID uint64, device string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.IdentityID == identityID && s.Device == device {
			return true, nil
		}
	}
	return false, nil
}

// Blocks keeps blocks in insertion order; ids are 1-based positions.
type Blocks struct {
	mu     sync.Mutex
	blocks []model.Block
	err    error
}

func (m *Blocks) Create(_ context.Context, b model.Block) (model.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uint64(len(m.blocks) + 1)
	b.Active = true
	m.blocks = append(m.blocks, b)
	return b, nil
}

func (m *Blocks) FindInEffect(_ context.Context, account, ip string, now time.Time) (model.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.Block{}, m.err
	}
	for _, scope := range []model.BlockScope{model.ScopeAccount, model.ScopeIP} {
		target := account
		if scope == model.ScopeIP {
			target = ip
		}
		if target == "" {
			continue
		}
		for i := len(m.blocks) - 1; i >= 0; i-- {
			b := m.blocks[i]
			if b.Scope == scope && b.Target == target && b.InEffect(now) {
				return b, nil
			}
		}
	}
	return model.Block{}, repository.ErrNotFound
}

func (m *Blocks) Get(_ context.Context, id uint64) (model.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id > uint64(len(m.blocks)) {
		return model.Block{}, repository.ErrNotFound
	}
	return m.blocks[id-1], nil
}

func (m *Blocks) Deactivate(_ context.Context, id uint64, by *uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id > uint64(len(m.blocks)) {
		return repository.ErrNotFound
	}
	b := &m.blocks[id-1]
	if !b.Active || b.UnblockedAt != nil {
		return repository.ErrConflict
	}
	b.Active = false
	b.UnblockedAt = &at
	b.UnblockedBy = by
	return nil
}

func (m *Blocks) List(_ context.Context, f repository.BlockFilter) ([]model.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Block
	for i := len(m.blocks) - 1; i >= 0; i-- {
		b := m.blocks[i]
		if f.Scope != "" && b.Scope != f.Scope {
			continue
		}
		if f.ActiveOnly && !b.InEffect(f.Now) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Events is an append-only slice of security events.
type Events struct {
	mu     sync.Mutex
	events []model.SecurityEvent
	err    error
}

func (m *Events) Insert(_ context.Context, ev model.SecurityEvent) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	ev.ID = uint64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *Events) match(f repository.EventFilter) []model.SecurityEvent {
	var out []model.SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if f.IdentityID != nil && (ev.IdentityID == nil || *ev.IdentityID != *f.IdentityID) {
			continue
		}
		if len(f.Types) > 0 {
			ok := false
			for _, t := range f.Types {
				ok = ok || t == ev.Type
			}
			if !ok {
				continue
			}
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.IP != "" && ev.IP != f.IP {
			continue
		}
		if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !ev.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (m *Events) Query(_ context.Context, f repository.EventFilter) ([]model.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.match(f)
	if f.Offset >= len(all) {
		return []model.SecurityEvent{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}

func (m *Events) Count(_ context.Context, f repository.EventFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.match(f)), nil
}

func (m *Events) OfType(t model.EventType) []model.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SecurityEvent
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Events) All() []model.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SecurityEvent(nil), m.events...)
}

// RefreshTokens maps token hashes to refresh token records.
type RefreshTokens struct {
	mu     sync.Mutex
	tokens map[string]*model.RefreshToken
}

func NewRefreshTokens() *RefreshTokens { return &RefreshTokens{tokens: map[string]*model.RefreshToken{}} }

func (m *RefreshTokens) StoreRefresh(_ context.Context, identityID uint64, sessionID, hash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[hash] = &model.RefreshToken{IdentityID: identityID, SessionID: sessionID, TokenHash: hash, ExpiresAt: exp}
	return nil
}

func (m *RefreshTokens) ValidateRefresh(_ context.Context, hash string, now time.Time) (uint64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok || t.RevokedAt != nil || !now.Before(t.ExpiresAt) {
		return 0, "", repository.ErrNotFound
	}
	return t.IdentityID, t.SessionID, nil
}

func (m *RefreshTokens) revokeWhere(pred func(*model.RefreshToken) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range m.tokens {
		if t.RevokedAt == nil && pred(t) {
			t.RevokedAt = &now
			n++
		}
	}
	return n
}

func (m *RefreshTokens) RevokeByHash(_ context.Context, hash string) error {
	if m.revokeWhere(func(t *model.RefreshToken) bool { return t.TokenHash == hash }) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (m *RefreshTokens) RevokeForSession(_ context.Context, sessionID string) error {
	m.revokeWhere(func(t *model.RefreshToken) bool { return t.SessionID == sessionID })
	return nil
}

func (m *RefreshTokens) RevokeAllForIdentity(_ context.Context, identityID uint64) error {
	m.revokeWhere(func(t *model.RefreshToken) bool { return t.IdentityID == identityID })
	return nil
}

// Revocations is a set of denylisted access token ids.
type Revocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
	err error
}

func (m *Revocations) Revoke(_ context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = map[string]time.Time{}
	}
	m.ids[jti] = exp
	return nil
}

func (m *Revocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.ids[jti]
	return ok, nil
}

// FailWith makes reads fail with err until called again with nil.
func (m *Identities) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// FailWith makes Get fail with err until called again with nil.
func (m *Sessions) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// FailWith makes FindInEffect fail with err until called again with nil.
func (m *Blocks) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// FailWith makes Insert fail with err until called again with nil.
func (m *Events) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// FailWith makes IsRevoked fail with err until called again with nil.
func (m *Revocations) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
