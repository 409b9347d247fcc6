package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/utils"
)

// LoginPolicy holds the tunables of the login flow.
type LoginPolicy struct {
	RefreshTTL    time.Duration
	MaxFailures   int           // failed attempts before an automatic block; 0 disables
	FailureWindow time.Duration // window the failures are counted in
	AutoBlockTTL  time.Duration // lifetime of automatic blocks; 0 means until lifted
}

// LoginRequest carries credentials plus request origin. OTP and
// RecoveryCode are only consulted for identities with two-factor enabled.
type LoginRequest struct {
	Email        string
	Password     string
	OTP          string
	RecoveryCode string
	Client       Client
}

// LoginResult is what a successful login or refresh hands back.
type LoginResult struct {
	Identity  model.Identity
	Session   model.Session
	Access    utils.AccessToken
	Refresh   utils.RefreshToken
	NewDevice bool
}

// LoginService issues and retires credentials.
type LoginService struct {
	identities  IdentityStore
	sessions    *SessionRegistry
	blocks      *BlockStore
	events      *EventLog
	tokens      TokenIssuer
	refresh     RefreshTokenStore
	revocations Revocations
	policy      LoginPolicy
	now         func() time.Time
	log         *zap.Logger
}

func NewLoginService(identities IdentityStore, sessions *SessionRegistry, blocks *BlockStore, events *EventLog,
	tokens TokenIssuer, refresh RefreshTokenStore, revocations Revocations, policy LoginPolicy,
	now func() time.Time, logger *zap.Logger) *LoginService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginService{
		identities:  identities,
		sessions:    sessions,
		blocks:      blocks,
		events:      events,
		tokens:      tokens,
		refresh:     refresh,
		revocations: revocations,
		policy:      policy,
		now:         now,
		log:         logger.Named("login"),
	}
}

// Login verifies credentials and opens a session.
func (s *LoginService) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return LoginResult{}, validationError("email and password are required")
	}
	c := req.Client

	if b, err := s.blocks.Check(ctx, 0, c.IP); err != nil {
		return LoginResult{}, err
	} else if b != nil {
		s.record(ctx, nil, c, model.EventIPBlocked, model.SeverityCritical, map[string]any{"stage": "login", "block_id": b.ID})
		return LoginResult{}, ErrBlocked
	}

	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return LoginResult{}, err
	}
	found := err == nil
	// Verify against a dummy hash on unknown emails to keep timing uniform.
	if !utils.VerifyPassword(identity.PasswordHash, req.Password) || !found {
		var idp *uint64
		if found {
			idp = ptr(identity.ID)
		}
		s.recordFailure(ctx, idp, c, "invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if b, err := s.blocks.Check(ctx, identity.ID, ""); err != nil {
		return LoginResult{}, err
	} else if b != nil {
		s.record(ctx, &identity.ID, c, model.EventAccountBlocked, model.SeverityCritical, map[string]any{"stage": "login", "block_id": b.ID})
		return LoginResult{}, ErrBlocked
	}
	if !identity.Active() {
		s.record(ctx, &identity.ID, c, model.EventLoginFailure, model.SeverityWarning, map[string]any{"reason": "status", "status": string(identity.Status)})
		return LoginResult{}, ErrUserInactive
	}

	method := "password"
	if identity.TwoFactorEnabled {
		m, err := s.secondFactor(ctx, identity, req)
		if err != nil {
			return LoginResult{}, err
		}
		method = m
	}

	known, err := s.sessions.KnownDevice(ctx, identity.ID, c.Device)
	if err != nil {
		s.log.Warn("device history unavailable", zap.Uint64("identity_id", identity.ID), zap.Error(err))
		known = true
	}
	res, err := s.openSession(ctx, identity, c)
	if err != nil {
		return LoginResult{}, err
	}
	res.NewDevice = !known

	s.record(ctx, &identity.ID, c, model.EventLoginSuccess, model.SeverityInfo, map[string]any{
		"session_id": res.Session.ID,
		"device":     c.Device,
		"new_device": res.NewDevice,
		"method":     method,
	})
	return res, nil
}

func (s *LoginService) secondFactor(ctx context.Context, identity model.Identity, req LoginRequest) (string, error) {
	c := req.Client
	otp, code := strings.TrimSpace(req.OTP), strings.TrimSpace(req.RecoveryCode)
	if otp == "" && code == "" {
		s.record(ctx, &identity.ID, c, model.EventTwoFactorChallenge, model.SeverityInfo, nil)
		return "", ErrTwoFactorRequired
	}
	if otp != "" {
		if identity.TOTPSecret != nil && utils.ValidateTOTP(otp, *identity.TOTPSecret, s.now()) {
			return "totp", nil
		}
		s.record(ctx, &identity.ID, c, model.EventTwoFactorFailure, model.SeverityWarning, map[string]any{"method": "totp"})
		return "", ErrTwoFactorInvalid
	}
	ok, err := s.identities.ConsumeRecoveryCode(ctx, identity.ID, utils.HashOpaque(utils.NormalizeRecoveryCode(code)))
	if err != nil {
		return "", err
	}
	if !ok {
		s.record(ctx, &identity.ID, c, model.EventTwoFactorFailure, model.SeverityWarning, map[string]any{"method": "recovery_code"})
		return "", ErrTwoFactorInvalid
	}
	return "recovery_code", nil
}

// openSession opens a session and mints both tokens for it. If minting
// fails the session is closed again so no orphan stays active.
func (s *LoginService) openSession(ctx context.Context, identity model.Identity, c Client) (LoginResult, error) {
	sess, err := s.sessions.Open(ctx, identity.ID, c)
	if err != nil {
		return LoginResult{}, err
	}
	res, err := s.mint(ctx, identity, sess)
	if err != nil {
		if _, cerr := s.sessions.Close(ctx, sess.ID, ReasonTerminated, c.IP); cerr != nil {
			s.log.Error("closing session after mint failure", zap.String("session_id", sess.ID), zap.Error(cerr))
		}
		return LoginResult{}, err
	}
	return res, nil
}

func (s *LoginService) mint(ctx context.Context, identity model.Identity, sess model.Session) (LoginResult, error) {
	access, err := s.tokens.Issue(identity, sess.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue access token: %w", err)
	}
	rt, err := utils.NewRefreshToken(s.policy.RefreshTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.refresh.StoreRefresh(ctx, identity.ID, sess.ID, utils.HashOpaque(rt.Raw), rt.Exp); err != nil {
		return LoginResult{}, fmt.Errorf("store refresh token: %w", err)
	}
	return LoginResult{Identity: identity, Session: sess, Access: access, Refresh: rt}, nil
}

// recordFailure logs a failed attempt and applies automatic blocks once
// the IP or the identity crosses MaxFailures inside FailureWindow.
func (s *LoginService) recordFailure(ctx context.Context, identityID *uint64, c Client, reason string) {
	s.record(ctx, identityID, c, model.EventLoginFailure, model.SeverityWarning, map[string]any{"reason": reason})
	if s.policy.MaxFailures <= 0 {
		return
	}
	now := s.now()
	since := now.Add(-s.policy.FailureWindow)
	var exp *time.Time
	if s.policy.AutoBlockTTL > 0 {
		exp = ptr(now.Add(s.policy.AutoBlockTTL))
	}
	reasonText := fmt.Sprintf("%d failed logins within %s", s.policy.MaxFailures, s.policy.FailureWindow)

	if ip := normalizeIP(c.IP); ip != "" {
		n, err := s.events.CountSince(ctx, model.EventLoginFailure, nil, c.IP, since)
		if err != nil {
			s.log.Warn("failure count unavailable", zap.String("ip", ip), zap.Error(err))
		} else if n >= s.policy.MaxFailures {
			if blocked, _ := s.blocks.IsBlocked(ctx, 0, ip); !blocked {
				if _, err := s.blocks.BlockIP(ctx, ip, BlockRequest{Reason: reasonText, ExpiresAt: exp, IP: c.IP, UserAgent: c.UserAgent}); err != nil {
					s.log.Error("automatic ip block failed", zap.String("ip", ip), zap.Error(err))
				}
			}
		}
	}
	if identityID != nil {
		n, err := s.events.CountSince(ctx, model.EventLoginFailure, identityID, "", since)
		if err != nil {
			s.log.Warn("failure count unavailable", zap.Uint64("identity_id", *identityID), zap.Error(err))
		} else if n >= s.policy.MaxFailures {
			if blocked, _ := s.blocks.IsBlocked(ctx, *identityID, ""); !blocked {
				if _, err := s.blocks.BlockAccount(ctx, *identityID, BlockRequest{Reason: reasonText, ExpiresAt: exp, IP: c.IP, UserAgent: c.UserAgent}); err != nil {
					s.log.Error("automatic account block failed", zap.Uint64("identity_id", *identityID), zap.Error(err))
				}
			}
		}
	}
}

// Refresh exchanges a refresh token for a new token pair on the same
// session. The old refresh token is revoked. Live identity state is
// re-checked exactly as the request pipeline would.
func (s *LoginService) Refresh(ctx context.Context, raw string, c Client) (LoginResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LoginResult{}, validationError("refresh_token is required")
	}
	hash := utils.HashOpaque(raw)
	identityID, sessionID, err := s.refresh.ValidateRefresh(ctx, hash, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		s.record(ctx, nil, c, model.EventTokenInvalid, model.SeverityWarning, map[string]any{"reason": "refresh_invalid"})
		return LoginResult{}, ErrTokenInvalid
	}
	if err != nil {
		return LoginResult{}, err
	}

	identity, err := s.identities.GetByID(ctx, identityID)
	if errors.Is(err, repository.ErrNotFound) {
		return LoginResult{}, ErrUserNotFound
	}
	if err != nil {
		return LoginResult{}, err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) || (err == nil && !sess.Active) {
		s.record(ctx, &identityID, c, model.EventTokenInvalid, model.SeverityWarning, map[string]any{"reason": "session_closed", "session_id": sessionID})
		return LoginResult{}, ErrTokenInvalid
	}
	if err != nil {
		return LoginResult{}, err
	}
	if sess.Blocked {
		s.record(ctx, &identityID, c, model.EventAccountBlocked, model.SeverityCritical, map[string]any{"scope": "session", "session_id": sessionID})
		return LoginResult{}, ErrBlocked
	}
	if b, err := s.blocks.Check(ctx, identityID, c.IP); err != nil {
		return LoginResult{}, err
	} else if b != nil {
		typ := model.EventAccountBlocked
		if b.Scope == model.ScopeIP {
			typ = model.EventIPBlocked
		}
		s.record(ctx, &identityID, c, typ, model.SeverityCritical, map[string]any{"block_id": b.ID})
		return LoginResult{}, ErrBlocked
	}
	if !identity.Active() {
		s.record(ctx, &identityID, c, model.EventAccessDenied, model.SeverityWarning, map[string]any{"reason": "status", "status": string(identity.Status)})
		return LoginResult{}, ErrUserInactive
	}

	// The revoke is the gate: of concurrent refreshes with one token only
	// the caller that flips revoked_at may mint.
	if err := s.refresh.RevokeByHash(ctx, hash); errors.Is(err, repository.ErrNotFound) {
		s.record(ctx, &identityID, c, model.EventTokenInvalid, model.SeverityWarning, map[string]any{"reason": "refresh_reused"})
		return LoginResult{}, ErrTokenInvalid
	} else if err != nil {
		return LoginResult{}, err
	}
	return s.mint(ctx, identity, sess)
}

// LogoutRequest identifies what to retire. Claims come from an admitted
// access token; RefreshToken alone is enough to end a session too.
type LogoutRequest struct {
	Claims       *utils.Claims
	RefreshToken string
	Client       Client
}

// Logout closes the session, revokes its refresh tokens and denylists the
// access token until it expires. Repeating a logout is harmless.
func (s *LoginService) Logout(ctx context.Context, req LogoutRequest) error {
	var sessionID string
	if req.Claims != nil {
		sessionID = req.Claims.SessionID
		if req.Claims.ExpiresAt != nil {
			if err := s.revocations.Revoke(ctx, req.Claims.ID, req.Claims.ExpiresAt.Time); err != nil {
				return err
			}
		}
	}
	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		hash := utils.HashOpaque(raw)
		if sessionID == "" {
			_, sid, err := s.refresh.ValidateRefresh(ctx, hash, s.now())
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			sessionID = sid
		}
		if err := s.refresh.RevokeByHash(ctx, hash); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	if sessionID == "" {
		if req.Claims == nil {
			return validationError("refresh_token is required")
		}
		return nil
	}

	if _, err := s.sessions.Close(ctx, sessionID, ReasonUserLogout, req.Client.IP); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.refresh.RevokeForSession(ctx, sessionID)
}

func (s *LoginService) record(ctx context.Context, id *uint64, c Client, typ model.EventType, sev model.Severity, meta map[string]any) {
	s.events.Record(ctx, model.SecurityEvent{
		IdentityID: id,
		Type:       typ,
		Severity:   sev,
		IP:         c.IP,
		UserAgent:  c.UserAgent,
		Metadata:   meta,
	})
}
