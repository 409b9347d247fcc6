package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/response"
	"github.com/iliyamo/platform-auth/internal/service"
)

// AdminHandler exposes security administration: the event log, blocks,
// sessions of any identity, and role and status changes. Every route is
// mounted behind the admin policy.
type AdminHandler struct {
	Accounts *service.AccountService
	Blocks   *service.BlockStore
	Sessions *service.SessionRegistry
	Events   *service.EventLog
}

// NewAdminHandler constructs an AdminHandler and panics if any dependency is nil.
func NewAdminHandler(a *service.AccountService, b *service.BlockStore, s *service.SessionRegistry, e *service.EventLog) *AdminHandler {
	if a == nil || b == nil || s == nil || e == nil {
		panic("nil service passed to NewAdminHandler")
	}
	return &AdminHandler{Accounts: a, Blocks: b, Sessions: s, Events: e}
}

type blockReq struct {
	Scope     string     `json:"scope"`  // account | ip
	Target    string     `json:"target"` // identity id or IP address
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}
type rolesReq struct {
	Roles []string `json:"roles"`
}
type statusReq struct {
	Status string `json:"status"`
}

// actor is the admitted administrator and the origin of the request.
func actor(c echo.Context) (uint64, string) {
	u, _ := middleware.CurrentIdentity(c)
	return u.ID, c.RealIP()
}

// ListEvents queries the security event log. Filters: identity_id, type
// (comma separated), severity, ip, since, until (RFC3339), page, limit.
func (h *AdminHandler) ListEvents(c echo.Context) error {
	q := service.EventQuery{
		Severity: model.Severity(strings.ToLower(c.QueryParam("severity"))),
		IP:       strings.TrimSpace(c.QueryParam("ip")),
		Page:     queryInt(c, "page", 1),
		Limit:    queryInt(c, "limit", 0),
	}
	if raw := c.QueryParam("identity_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return response.BadRequest(c, "identity_id must be numeric")
		}
		q.IdentityID = &id
	}
	for _, t := range queryList(c, "type") {
		q.Types = append(q.Types, model.EventType(strings.ToLower(t)))
	}
	var ok bool
	if q.Since, ok = queryTime(c, "since"); !ok {
		return response.BadRequest(c, "since must be RFC3339")
	}
	if q.Until, ok = queryTime(c, "until"); !ok {
		return response.BadRequest(c, "until must be RFC3339")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	page, err := h.Events.Query(ctx, q)
	if err != nil {
		return response.Error(c, err)
	}
	if page.Events == nil {
		page.Events = []model.SecurityEvent{}
	}
	return response.OK(c, http.StatusOK, page)
}

// ListBlocks lists blocks newest first. Filters: scope, target, active.
func (h *AdminHandler) ListBlocks(c echo.Context) error {
	q := service.BlockQuery{
		Scope:      model.BlockScope(strings.ToLower(c.QueryParam("scope"))),
		Target:     strings.TrimSpace(c.QueryParam("target")),
		ActiveOnly: c.QueryParam("active") == "true",
		Page:       queryInt(c, "page", 1),
		Limit:      queryInt(c, "limit", 0),
	}
	if q.Scope != "" && q.Scope != model.ScopeAccount && q.Scope != model.ScopeIP {
		return response.BadRequest(c, "scope must be account or ip")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	list, err := h.Blocks.List(ctx, q)
	if err != nil {
		return response.Error(c, err)
	}
	if list == nil {
		list = []model.Block{}
	}
	return response.OK(c, http.StatusOK, list)
}

// CreateBlock places a manual block on an identity or an IP address.
func (h *AdminHandler) CreateBlock(c echo.Context) error {
	var req blockReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	by, origin := actor(c)
	br := service.BlockRequest{
		Reason:      req.Reason,
		InitiatedBy: &by,
		ExpiresAt:   req.ExpiresAt,
		IP:          origin,
		UserAgent:   c.Request().UserAgent(),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	var (
		b   model.Block
		err error
	)
	switch model.BlockScope(strings.ToLower(req.Scope)) {
	case model.ScopeAccount:
		id, perr := strconv.ParseUint(strings.TrimSpace(req.Target), 10, 64)
		if perr != nil || id == 0 {
			return response.BadRequest(c, "target must be an identity id")
		}
		if _, err := h.Accounts.Get(ctx, id); err != nil {
			return response.Error(c, err)
		}
		b, err = h.Blocks.BlockAccount(ctx, id, br)
	case model.ScopeIP:
		b, err = h.Blocks.BlockIP(ctx, req.Target, br)
	default:
		return response.BadRequest(c, "scope must be account or ip")
	}
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusCreated, b)
}

// Unblock lifts a block by id.
func (h *AdminHandler) Unblock(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return response.BadRequest(c, "invalid block id")
	}
	by, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	b, err := h.Blocks.Unblock(ctx, id, &by, origin)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, b)
}

// IdentitySessions lists the active sessions of an identity.
func (h *AdminHandler) IdentitySessions(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return response.BadRequest(c, "invalid identity id")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if _, err := h.Accounts.Get(ctx, id); err != nil {
		return response.Error(c, err)
	}
	list, err := h.Sessions.ListActive(ctx, id)
	if err != nil {
		return response.Error(c, err)
	}
	if list == nil {
		list = []model.Session{}
	}
	return response.OK(c, http.StatusOK, list)
}

// EndIdentitySessions closes every active session of an identity.
func (h *AdminHandler) EndIdentitySessions(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return response.BadRequest(c, "invalid identity id")
	}
	_, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if _, err := h.Accounts.Get(ctx, id); err != nil {
		return response.Error(c, err)
	}
	closed, err := h.Sessions.CloseAll(ctx, id, service.ReasonTerminated, origin)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, echo.Map{"closed": len(closed)})
}

// EndSession terminates one session remotely.
func (h *AdminHandler) EndSession(c echo.Context) error {
	_, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if _, err := h.Sessions.Close(ctx, c.Param("id"), service.ReasonTerminated, origin); err != nil {
		return response.Error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// BlockSession marks a session blocked without closing it.
func (h *AdminHandler) BlockSession(c echo.Context) error {
	by, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	s, err := h.Sessions.MarkBlocked(ctx, c.Param("id"), &by, origin)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, s)
}

// SetRoles replaces an identity's role set.
func (h *AdminHandler) SetRoles(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return response.BadRequest(c, "invalid identity id")
	}
	var req rolesReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	by, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	u, err := h.Accounts.SetRoles(ctx, service.Change{Actor: by, Origin: origin}, id, req.Roles)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, toUser(u))
}

// SetStatus moves an identity between active, inactive and suspended.
func (h *AdminHandler) SetStatus(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return response.BadRequest(c, "invalid identity id")
	}
	var req statusReq
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid body")
	}
	by, origin := actor(c)
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	status := model.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	u, err := h.Accounts.SetStatus(ctx, service.Change{Actor: by, Origin: origin}, id, status)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, http.StatusOK, toUser(u))
}
