package service

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/utils"
)

const (
	minPasswordLen    = 8
	recoveryCodeCount = 10
)

// AccountPolicy holds the tunables of account management.
type AccountPolicy struct {
	BcryptCost         int
	DefaultRoles       model.RoleSet
	AllowSignup        bool
	RevokeOnRoleChange bool
	TOTPIssuer         string
}

// AccountService manages identities: registration, administrative role
// and status changes, two-factor enrollment and the recovery email.
type AccountService struct {
	identities IdentityStore
	sessions   *SessionRegistry
	refresh    RefreshTokenStore
	events     *EventLog
	policy     AccountPolicy
	now        func() time.Time
	log        *zap.Logger
}

func NewAccountService(identities IdentityStore, sessions *SessionRegistry, refresh RefreshTokenStore,
	events *EventLog, policy AccountPolicy, now func() time.Time, logger *zap.Logger) *AccountService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(policy.DefaultRoles) == 0 {
		policy.DefaultRoles = model.NewRoleSet("viewer")
	}
	return &AccountService{
		identities: identities,
		sessions:   sessions,
		refresh:    refresh,
		events:     events,
		policy:     policy,
		now:        now,
		log:        logger.Named("accounts"),
	}
}

// RegisterRequest is the self-service signup payload.
type RegisterRequest struct {
	Email    string
	Name     string
	Password string
}

// Register creates an active identity holding the default roles.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (model.Identity, error) {
	if !s.policy.AllowSignup {
		e := newError(KindValidation, nil)
		e.Message = "signup is disabled"
		e.Status = http.StatusForbidden
		return model.Identity{}, e
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return model.Identity{}, validationError("a valid email is required")
	}
	if name == "" {
		return model.Identity{}, validationError("name is required")
	}
	if len(req.Password) < minPasswordLen {
		return model.Identity{}, validationError("password must be at least 8 characters")
	}

	id, err := s.identities.Create(ctx, email, name, req.Password, s.policy.DefaultRoles, s.policy.BcryptCost)
	if errors.Is(err, repository.ErrEmailExists) {
		e := newError(KindConflict, err)
		e.Message = "email already registered"
		return model.Identity{}, e
	}
	if err != nil {
		return model.Identity{}, err
	}
	return s.identities.GetByID(ctx, id)
}

// Get loads an identity by id.
func (s *AccountService) Get(ctx context.Context, id uint64) (model.Identity, error) {
	identity, err := s.identities.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Identity{}, ErrUserNotFound
	}
	return identity, err
}

// Change is an administrative modification made by Actor from Origin.
type Change struct {
	Actor  uint64
	Origin string
}

// SetRoles replaces the identity's role set. The set must not be empty.
// Running sessions keep working under the new roles because every request
// re-reads them, unless RevokeOnRoleChange asks to end them outright.
func (s *AccountService) SetRoles(ctx context.Context, ch Change, id uint64, roles []string) (model.Identity, error) {
	set := model.NewRoleSet(roles...)
	if len(set) == 0 {
		return model.Identity{}, validationError("at least one role is required")
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return model.Identity{}, err
	}
	if err := s.identities.UpdateRoles(ctx, id, set); err != nil {
		return model.Identity{}, mapNotFound(err)
	}
	s.events.Record(ctx, model.SecurityEvent{
		IdentityID: &id,
		Type:       model.EventRolesChanged,
		Severity:   model.SeverityInfo,
		IP:         ch.Origin,
		Metadata: map[string]any{
			"before": before.Roles.Strings(),
			"after":  set.Strings(),
			"actor":  ch.Actor,
		},
	})
	if s.policy.RevokeOnRoleChange {
		if err := s.endAll(ctx, id, ReasonRolesChanged, ch.Origin); err != nil {
			return model.Identity{}, err
		}
	}
	return s.Get(ctx, id)
}

// SetStatus changes the lifecycle status. Leaving active ends every
// session of the identity.
func (s *AccountService) SetStatus(ctx context.Context, ch Change, id uint64, status model.Status) (model.Identity, error) {
	if !status.Valid() {
		return model.Identity{}, validationError("status must be one of active, inactive, suspended")
	}
	before, err := s.Get(ctx, id)
	if err != nil {
		return model.Identity{}, err
	}
	if err := s.identities.UpdateStatus(ctx, id, status); err != nil {
		return model.Identity{}, mapNotFound(err)
	}
	sev := model.SeverityInfo
	if status != model.StatusActive {
		sev = model.SeverityWarning
	}
	s.events.Record(ctx, model.SecurityEvent{
		IdentityID: &id,
		Type:       model.EventStatusChanged,
		Severity:   sev,
		IP:         ch.Origin,
		Metadata:   map[string]any{"before": string(before.Status), "after": string(status), "actor": ch.Actor},
	})
	if status != model.StatusActive {
		if err := s.endAll(ctx, id, ReasonStatusChanged, ch.Origin); err != nil {
			return model.Identity{}, err
		}
	}
	return s.Get(ctx, id)
}

func (s *AccountService) endAll(ctx context.Context, id uint64, reason, origin string) error {
	closed, err := s.sessions.CloseAll(ctx, id, reason, origin)
	if err != nil {
		return err
	}
	s.log.Info("sessions ended", zap.Uint64("identity_id", id), zap.String("reason", reason), zap.Int("count", len(closed)))
	return s.refresh.RevokeAllForIdentity(ctx, id)
}

// BeginTwoFactor generates and stores a fresh TOTP secret. Two-factor stays
// off until EnableTwoFactor confirms a code from it.
func (s *AccountService) BeginTwoFactor(ctx context.Context, id uint64) (utils.TOTPEnrollment, error) {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return utils.TOTPEnrollment{}, err
	}
	if identity.TwoFactorEnabled {
		e := newError(KindConflict, nil)
		e.Message = "two-factor already enabled"
		return utils.TOTPEnrollment{}, e
	}
	enr, err := utils.NewTOTP(s.policy.TOTPIssuer, identity.Email)
	if err != nil {
		return utils.TOTPEnrollment{}, err
	}
	if err := s.identities.SetTOTPSecret(ctx, id, enr.Secret); err != nil {
		return utils.TOTPEnrollment{}, mapNotFound(err)
	}
	return enr, nil
}

// EnableTwoFactor confirms enrollment with a TOTP code and returns the
// recovery codes. They are shown only this once.
func (s *AccountService) EnableTwoFactor(ctx context.Context, id uint64, code string) ([]string, error) {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.TwoFactorEnabled {
		e := newError(KindConflict, nil)
		e.Message = "two-factor already enabled"
		return nil, e
	}
	if identity.TOTPSecret == nil {
		return nil, validationError("two-factor setup has not been started")
	}
	if !utils.ValidateTOTP(strings.TrimSpace(code), *identity.TOTPSecret, s.now()) {
		s.events.Record(ctx, model.SecurityEvent{
			IdentityID: &id, Type: model.EventTwoFactorFailure, Severity: model.SeverityWarning,
			Metadata: map[string]any{"stage": "enable"},
		})
		return nil, ErrTwoFactorInvalid
	}
	plain, hashes, err := utils.NewRecoveryCodes(recoveryCodeCount)
	if err != nil {
		return nil, err
	}
	if err := s.identities.EnableTwoFactor(ctx, id, hashes); err != nil {
		return nil, mapNotFound(err)
	}
	return plain, nil
}

// DisableTwoFactor turns two-factor off after checking a TOTP code or an
// unused recovery code.
func (s *AccountService) DisableTwoFactor(ctx context.Context, id uint64, code string) error {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !identity.TwoFactorEnabled {
		e := newError(KindConflict, nil)
		e.Message = "two-factor is not enabled"
		return e
	}
	code = strings.TrimSpace(code)
	ok := identity.TOTPSecret != nil && utils.ValidateTOTP(code, *identity.TOTPSecret, s.now())
	if !ok {
		ok, err = s.identities.ConsumeRecoveryCode(ctx, id, utils.HashOpaque(utils.NormalizeRecoveryCode(code)))
		if err != nil {
			return err
		}
	}
	if !ok {
		s.events.Record(ctx, model.SecurityEvent{
			IdentityID: &id, Type: model.EventTwoFactorFailure, Severity: model.SeverityWarning,
			Metadata: map[string]any{"stage": "disable"},
		})
		return ErrTwoFactorInvalid
	}
	return mapNotFound(s.identities.DisableTwoFactor(ctx, id))
}

// SetRecoveryEmail stores an unverified secondary address.
func (s *AccountService) SetRecoveryEmail(ctx context.Context, id uint64, email string) (model.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return model.Identity{}, validationError("a valid email is required")
	}
	if err := s.identities.SetRecoveryEmail(ctx, id, email); err != nil {
		return model.Identity{}, mapNotFound(err)
	}
	return s.Get(ctx, id)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
