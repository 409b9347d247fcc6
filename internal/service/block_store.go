package service

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
)

// BlockStore applies, lifts and evaluates account and IP blocks. Whether a
// block is in effect is always recomputed against the clock at read time;
// nothing here caches that answer.
type BlockStore struct {
	repo   BlockRepository
	events *EventLog
	now    func() time.Time
}

func NewBlockStore(repo BlockRepository, events *EventLog, now func() time.Time) *BlockStore {
	if now == nil {
		now = time.Now
	}
	return &BlockStore{repo: repo, events: events, now: now}
}

// BlockRequest describes a new block. InitiatedBy is nil for blocks the
// system applies on its own; ExpiresAt nil means until lifted.
type BlockRequest struct {
	Reason      string
	InitiatedBy *uint64
	ExpiresAt   *time.Time
	IP          string // request origin, recorded on the event
	UserAgent   string
}

// BlockAccount blocks an identity.
func (s *BlockStore) BlockAccount(ctx context.Context, identityID uint64, req BlockRequest) (model.Block, error) {
	if identityID == 0 {
		return model.Block{}, validationError("identity id is required")
	}
	return s.create(ctx, model.ScopeAccount, strconv.FormatUint(identityID, 10), &identityID, req)
}

// BlockIP blocks an IPv4 or IPv6 address.
func (s *BlockStore) BlockIP(ctx context.Context, ip string, req BlockRequest) (model.Block, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return model.Block{}, validationError("invalid ip address")
	}
	return s.create(ctx, model.ScopeIP, addr.Unmap().String(), nil, req)
}

func (s *BlockStore) create(ctx context.Context, scope model.BlockScope, target string, identityID *uint64, req BlockRequest) (model.Block, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return model.Block{}, validationError("reason is required")
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return model.Block{}, validationError("expires_at must be in the future")
	}
	typ := model.BlockManual
	if req.InitiatedBy == nil {
		typ = model.BlockAutomatic
	}
	b, err := s.repo.Create(ctx, model.Block{
		Scope:       scope,
		Target:      target,
		Reason:      reason,
		Type:        typ,
		InitiatedBy: req.InitiatedBy,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		return model.Block{}, err
	}

	evType := model.EventAccountBlocked
	if scope == model.ScopeIP {
		evType = model.EventIPBlocked
	}
	meta := map[string]any{
		"block_id":   b.ID,
		"target":     target,
		"reason":     reason,
		"block_type": string(typ),
	}
	if req.InitiatedBy != nil {
		meta["initiated_by"] = *req.InitiatedBy
	}
	if req.ExpiresAt != nil {
		meta["expires_at"] = req.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.events.Record(ctx, model.SecurityEvent{
		IdentityID: identityID,
		Type:       evType,
		Severity:   model.SeverityCritical,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Metadata:   meta,
	})
	return b, nil
}

// Check returns the block in effect for the identity or the IP, or nil.
// A zero identityID or an empty ip skips that side. Account blocks win
// when both match.
func (s *BlockStore) Check(ctx context.Context, identityID uint64, ip string) (*model.Block, error) {
	account := ""
	if identityID != 0 {
		account = strconv.FormatUint(identityID, 10)
	}
	ip = normalizeIP(ip)
	if account == "" && ip == "" {
		return nil, nil
	}
	now := s.now()
	b, err := s.repo.FindInEffect(ctx, account, ip, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !b.InEffect(now) {
		return nil, nil
	}
	return &b, nil
}

// IsBlocked reports whether the identity or the IP is currently blocked.
func (s *BlockStore) IsBlocked(ctx context.Context, identityID uint64, ip string) (bool, error) {
	b, err := s.Check(ctx, identityID, ip)
	return b != nil, err
}

// Unblock lifts a block. It fails with ErrBlockNotFound for unknown ids and
// ErrBlockAlreadyInactive when the block was already lifted.
func (s *BlockStore) Unblock(ctx context.Context, blockID uint64, by *uint64, origin string) (model.Block, error) {
	err := s.repo.Deactivate(ctx, blockID, by, s.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.Block{}, ErrBlockNotFound
	case errors.Is(err, repository.ErrConflict):
		return model.Block{}, ErrBlockAlreadyInactive
	case err != nil:
		return model.Block{}, err
	}
	b, err := s.repo.Get(ctx, blockID)
	if err != nil {
		return model.Block{}, err
	}

	var identityID *uint64
	if b.Scope == model.ScopeAccount {
		if id, perr := strconv.ParseUint(b.Target, 10, 64); perr == nil {
			identityID = &id
		}
	}
	meta := map[string]any{"block_id": b.ID, "scope": string(b.Scope), "target": b.Target}
	if by != nil {
		meta["unblocked_by"] = *by
	}
	s.events.Record(ctx, model.SecurityEvent{
		IdentityID: identityID,
		Type:       model.EventUnblocked,
		Severity:   model.SeverityInfo,
		IP:         origin,
		Metadata:   meta,
	})
	return b, nil
}

// BlockQuery filters List. ActiveOnly restricts to blocks in effect now.
type BlockQuery struct {
	Scope      model.BlockScope
	Target     string
	ActiveOnly bool
	Page       int
	Limit      int
}

// List returns blocks newest first.
func (s *BlockStore) List(ctx context.Context, q BlockQuery) ([]model.Block, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 || q.Limit > maxEventPageSize {
		q.Limit = defaultEventPageSize
	}
	return s.repo.List(ctx, repository.BlockFilter{
		Scope:      q.Scope,
		Target:     q.Target,
		ActiveOnly: q.ActiveOnly,
		Now:        s.now(),
		Limit:      q.Limit,
		Offset:     (q.Page - 1) * q.Limit,
	})
}

func normalizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
