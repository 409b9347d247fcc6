package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/utils"
)

// State is a step of the per-request authentication pipeline. Requests
// advance strictly in declaration order; any failure ends in Rejected.
type State int

const (
	Unauthenticated State = iota
	CredentialExtracted
	Decoded
	IdentityResolved
	BlockChecked
	StatusChecked
	RoleChecked
	Admitted
	Rejected
)

var stateNames = [...]string{
	"unauthenticated", "credential-extracted", "decoded", "identity-resolved",
	"block-checked", "status-checked", "role-checked", "admitted", "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Request is what the transport layer extracts from an inbound call.
type Request struct {
	Authorization string
	IP            string
	UserAgent     string
}

// Outcome is the result of a successful pipeline run.
type Outcome struct {
	State    State
	Identity model.Identity
	Claims   *utils.Claims
	Session  *model.Session
}

// Authenticator runs the request-time pipeline: extract the bearer
// credential, decode it, resolve the live identity, then check blocks,
// status and roles, in that order. Every rejection past extraction is
// recorded on the event log. Identity state is read fresh on every call so
// role, status and block changes apply to tokens already issued.
type Authenticator struct {
	tokens      TokenDecoder
	identities  IdentityStore
	sessions    *SessionRegistry
	revocations Revocations
	blocks      *BlockStore
	events      *EventLog
	gate        RoleGate
	log         *zap.Logger
}

func NewAuthenticator(tokens TokenDecoder, identities IdentityStore, sessions *SessionRegistry,
	revocations Revocations, blocks *BlockStore, events *EventLog, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		tokens:      tokens,
		identities:  identities,
		sessions:    sessions,
		revocations: revocations,
		blocks:      blocks,
		events:      events,
		log:         logger.Named("authenticator"),
	}
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func ExtractBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate admits req under p or returns an *AuthError. Unexpected
// faults, panics included, surface as AUTHENTICATION_ERROR.
func (a *Authenticator) Authenticate(ctx context.Context, req Request, p Policy) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{State: Rejected}
			err = a.internal(ctx, req, p, nil, fmt.Errorf("panic: %v", r))
		}
	}()

	raw, ok := ExtractBearer(req.Authorization)
	if !ok {
		return Outcome{State: Rejected}, ErrTokenMissing
	}
	out.State = CredentialExtracted

	claims, derr := a.tokens.Decode(raw)
	if derr != nil {
		return a.rejectToken(ctx, req, p, derr)
	}
	out.Claims = claims
	out.State = Decoded

	revoked, rerr := a.revocations.IsRevoked(ctx, claims.ID)
	if rerr != nil {
		return Outcome{State: Rejected}, a.internal(ctx, req, p, nil, fmt.Errorf("revocation lookup: %w", rerr))
	}
	if revoked {
		a.record(ctx, req, nil, model.EventTokenInvalid, model.SeverityWarning, p, map[string]any{"reason": "revoked", "jti": claims.ID})
		return Outcome{State: Rejected}, ErrTokenInvalid
	}

	id, ok := claims.IdentityID()
	if !ok {
		a.record(ctx, req, nil, model.EventTokenInvalid, model.SeverityWarning, p, map[string]any{"reason": "missing_subject"})
		e := newError(KindUserNotFound, nil)
		e.Status = ErrTokenInvalid.Status
		return Outcome{State: Rejected}, e
	}

	identity, lerr := a.identities.GetByID(ctx, id)
	if errors.Is(lerr, repository.ErrNotFound) {
		a.record(ctx, req, &id, model.EventAccessDenied, model.SeverityWarning, p, map[string]any{"reason": "user_not_found"})
		return Outcome{State: Rejected}, ErrUserNotFound
	}
	if lerr != nil {
		return Outcome{State: Rejected}, a.internal(ctx, req, p, &id, fmt.Errorf("identity lookup: %w", lerr))
	}
	out.Identity = identity

	if claims.SessionID != "" {
		s, serr := a.sessions.Get(ctx, claims.SessionID)
		switch {
		case errors.Is(serr, ErrNotFound), serr == nil && (!s.Active || s.IdentityID != identity.ID):
			a.record(ctx, req, &id, model.EventTokenInvalid, model.SeverityWarning, p, map[string]any{"reason": "session_closed", "session_id": claims.SessionID})
			return Outcome{State: Rejected}, ErrTokenInvalid
		case serr != nil:
			return Outcome{State: Rejected}, a.internal(ctx, req, p, &id, fmt.Errorf("session lookup: %w", serr))
		}
		out.Session = &s
	}
	out.State = IdentityResolved

	if out.Session != nil && out.Session.Blocked {
		a.record(ctx, req, &id, model.EventAccountBlocked, model.SeverityCritical, p, map[string]any{"scope": "session", "session_id": out.Session.ID})
		return Outcome{State: Rejected}, ErrBlocked
	}
	b, berr := a.blocks.Check(ctx, identity.ID, req.IP)
	if berr != nil {
		return Outcome{State: Rejected}, a.internal(ctx, req, p, &id, fmt.Errorf("block lookup: %w", berr))
	}
	if b != nil {
		typ := model.EventAccountBlocked
		if b.Scope == model.ScopeIP {
			typ = model.EventIPBlocked
		}
		a.record(ctx, req, &id, typ, model.SeverityCritical, p, map[string]any{"block_id": b.ID, "scope": string(b.Scope)})
		return Outcome{State: Rejected}, ErrBlocked
	}
	out.State = BlockChecked

	if !identity.Active() {
		a.record(ctx, req, &id, model.EventAccessDenied, model.SeverityWarning, p, map[string]any{"reason": "status", "status": string(identity.Status)})
		return Outcome{State: Rejected}, ErrUserInactive
	}
	out.State = StatusChecked

	if !a.gate.Allows(identity, p) {
		a.record(ctx, req, &id, model.EventRoleDenied, model.SeverityWarning, p, map[string]any{
			"required": p.Roles.Strings(),
			"held":     identity.Roles.Strings(),
		})
		return Outcome{State: Rejected}, ErrInsufficientPermissions
	}
	out.State = RoleChecked

	out.State = Admitted
	return out, nil
}

func (a *Authenticator) rejectToken(ctx context.Context, req Request, p Policy, err error) (Outcome, error) {
	typ, reason := model.EventTokenInvalid, utils.Malformed.String()
	var de *utils.DecodeError
	if errors.As(err, &de) {
		reason = de.Kind.String()
		if de.Kind == utils.Expired {
			typ = model.EventTokenExpired
		}
	}
	a.record(ctx, req, nil, typ, model.SeverityWarning, p, map[string]any{"reason": reason})
	return Outcome{State: Rejected}, ErrTokenInvalid
}

// internal logs the detail, records a critical event and returns the
// generic error; the caller never sees err.
func (a *Authenticator) internal(ctx context.Context, req Request, p Policy, id *uint64, err error) error {
	a.log.Error("authentication pipeline failure", zap.Error(err), zap.String("domain", p.Domain), zap.String("ip", req.IP))
	a.record(ctx, req, id, model.EventAccessDenied, model.SeverityCritical, p, map[string]any{"reason": "internal_error", "error": err.Error()})
	return newError(KindAuthenticationError, err)
}

func (a *Authenticator) record(ctx context.Context, req Request, id *uint64, typ model.EventType, sev model.Severity, p Policy, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if p.Domain != "" {
		meta["domain"] = p.Domain
	}
	a.events.Record(ctx, model.SecurityEvent{
		IdentityID: id,
		Type:       typ,
		Severity:   sev,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Metadata:   meta,
	})
}
