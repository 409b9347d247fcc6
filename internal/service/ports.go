package service

import (
	"context"
	"time"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/queue"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/utils"
)

// Storage contracts. The MySQL repositories satisfy them; tests use
// in-memory fakes. Not-found conditions are reported as
// repository.ErrNotFound.

type IdentityStore interface {
	Create(ctx context.Context, email, name, password string, roles model.RoleSet, cost int) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.Identity, error)
	GetByID(ctx context.Context, id uint64) (model.Identity, error)
	UpdateRoles(ctx context.Context, id uint64, roles model.RoleSet) error
	UpdateStatus(ctx context.Context, id uint64, status model.Status) error
	SetTOTPSecret(ctx context.Context, id uint64, secret string) error
	EnableTwoFactor(ctx context.Context, id uint64, recoveryHashes []string) error
	DisableTwoFactor(ctx context.Context, id uint64) error
	ConsumeRecoveryCode(ctx context.Context, id uint64, hash string) (bool, error)
	SetRecoveryEmail(ctx context.Context, id uint64, email string) error
}

type SessionStore interface {
	Create(ctx context.Context, s model.Session, closeOthers bool, endedAt time.Time) ([]model.Session, error)
	CloseAllForIdentity(ctx context.Context, identityID uint64, at time.Time) ([]model.Session, error)
	Get(ctx context.Context, id string) (model.Session, error)
	Close(ctx context.Context, id string, at time.Time) (bool, error)
	MarkBlocked(ctx context.Context, id string) error
	ListActive(ctx context.Context, identityID uint64) ([]model.Session, error)
	HasDevice(ctx context.Context, identityID uint64, device string) (bool, error)
}

type BlockRepository interface {
	Create(ctx context.Context, b model.Block) (model.Block, error)
	FindInEffect(ctx context.Context, account, ip string, now time.Time) (model.Block, error)
	Get(ctx context.Context, id uint64) (model.Block, error)
	Deactivate(ctx context.Context, id uint64, by *uint64, at time.Time) error
	List(ctx context.Context, f repository.BlockFilter) ([]model.Block, error)
}

type EventStore interface {
	Insert(ctx context.Context, ev model.SecurityEvent) (uint64, error)
	Query(ctx context.Context, f repository.EventFilter) ([]model.SecurityEvent, error)
	Count(ctx context.Context, f repository.EventFilter) (int, error)
}

type RefreshTokenStore interface {
	StoreRefresh(ctx context.Context, identityID uint64, sessionID, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string, now time.Time) (uint64, string, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeForSession(ctx context.Context, sessionID string) error
	RevokeAllForIdentity(ctx context.Context, identityID uint64) error
}

// Revocations denylists access token ids before their natural expiry.
type Revocations interface {
	Revoke(ctx context.Context, jti string, exp time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenDecoder verifies a raw access token.
type TokenDecoder interface {
	Decode(raw string) (*utils.Claims, error)
}

// TokenIssuer mints access tokens bound to a session.
type TokenIssuer interface {
	TokenDecoder
	Issue(identity model.Identity, sessionID string) (utils.AccessToken, error)
}

// Notifier forwards selected security events to an out-of-band channel.
type Notifier interface {
	Notify(ctx context.Context, n queue.SecurityNotification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, queue.SecurityNotification) error { return nil }
