package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/nimasrn/outbound-caller/internal/model"
	"github.com/nimasrn/outbound-caller/internal/services"
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

const (
	SessionCookie        = "admin_session"
	MsgPasswordUpdated   = "Password updated successfully"
	adminUserKey         = "admin_user"
	msgAuthRequired      = "Authentication required"
	msgInvalidCallID     = "Invalid call ID"
	msgCallNotFound      = "Call not found"
	msgUnexpectedFailure = "An unexpected error occurred"
)

type AdminBackend interface {
	Login(ctx context.Context, username, password string) (string, *model.AdminUser, error)
	Authenticate(ctx context.Context, token string) (*model.AdminUser, error)
	Logout(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, userID uint64, current, next, confirm string) error
	Stats(ctx context.Context) (*model.CallStats, error)
	ListCalls(ctx context.Context, f model.CallFilter) (*model.CallPage, error)
	GetCall(ctx context.Context, id uint64) (*model.CallRecord, error)
}

type AdminHandler struct {
	svc          AdminBackend
	sessionTTL   time.Duration
	secureCookie bool
}

func NewAdminHandler(svc AdminBackend, sessionTTL time.Duration, secureCookie bool) *AdminHandler {
	return &AdminHandler{svc: svc, sessionTTL: sessionTTL, secureCookie: secureCookie}
}

func RegisterAdminRoutes(r *xhttp.Router, h *AdminHandler) {
	g := r.Group("/admin")
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.GET("/api/stats", h.RequireAdmin(h.Stats))
	g.GET("/api/calls", h.RequireAdmin(h.ListCalls))
	g.GET("/api/calls/{id}", h.RequireAdmin(h.GetCall))
	g.POST("/settings/password", h.RequireAdmin(h.ChangePassword))
}

// RequireAdmin resolves the session cookie and stores the user on the request.
func (h *AdminHandler) RequireAdmin(next xhttp.RequestHandler) xhttp.RequestHandler {
	return func(ctx *xhttp.RequestCtx) {
		c, cancel := requestContext(0)
		user, err := h.svc.Authenticate(c, string(ctx.Request.Header.Cookie(SessionCookie)))
		cancel()
		if err != nil {
			if !errors.Is(err, services.ErrUnauthorized) {
				logger.Error("admin session lookup failed", "error", err)
			}
			writeError(ctx, xhttp.StatusUnauthorized, msgAuthRequired)
			return
		}
		ctx.SetUserValue(adminUserKey, user)
		next(ctx)
	}
}

func currentAdmin(ctx *xhttp.RequestCtx) *model.AdminUser {
	user, _ := ctx.UserValue(adminUserKey).(*model.AdminUser)
	return user
}

func (h *AdminHandler) Login(ctx *xhttp.RequestCtx) {
	c, cancel := requestContext(0)
	defer cancel()
	token, user, err := h.svc.Login(c, formValue(ctx, "username"), formValue(ctx, "password"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			writeError(ctx, xhttp.StatusUnauthorized, err.Error())
			return
		}
		logger.Error("admin login failed", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, msgUnexpectedFailure)
		return
	}
	h.setSessionCookie(ctx, token, h.sessionTTL)
	writeJSON(ctx, xhttp.StatusOK, response{Success: true, Message: "Logged in", Details: user})
}

func (h *AdminHandler) Logout(ctx *xhttp.RequestCtx) {
	c, cancel := requestContext(0)
	defer cancel()
	if err := h.svc.Logout(c, string(ctx.Request.Header.Cookie(SessionCookie))); err != nil {
		logger.Warn("admin logout failed", "error", err)
	}
	h.setSessionCookie(ctx, "", -1)
	writeJSON(ctx, xhttp.StatusOK, response{Success: true, Message: "You have been logged out"})
}

func (h *AdminHandler) setSessionCookie(ctx *xhttp.RequestCtx, token string, ttl time.Duration) {
	c := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(c)
	c.SetKey(SessionCookie)
	c.SetValue(token)
	c.SetPath("/admin")
	c.SetHTTPOnly(true)
	c.SetSecure(h.secureCookie)
	c.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	if ttl < 0 {
		c.SetExpire(fasthttp.CookieExpireDelete)
	} else {
		c.SetMaxAge(int(ttl.Seconds()))
	}
	ctx.Response.Header.SetCookie(c)
}

func (h *AdminHandler) Stats(ctx *xhttp.RequestCtx) {
	c, cancel := requestContext(0)
	defer cancel()
	stats, err := h.svc.Stats(c)
	if err != nil {
		logger.Error("failed to load call stats", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, msgUnexpectedFailure)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, stats)
}

func (h *AdminHandler) ListCalls(ctx *xhttp.RequestCtx) {
	f := model.CallFilter{
		Search:  query(ctx, "search"),
		Page:    queryInt(ctx, "page"),
		PerPage: queryInt(ctx, "per_page"),
	}
	if s := model.CallStatus(query(ctx, "status")); s != "" {
		if !s.Valid() {
			writeError(ctx, xhttp.StatusBadRequest, "Invalid status filter")
			return
		}
		f.Status = &s
	}
	f.Normalize()

	c, cancel := requestContext(0)
	defer cancel()
	page, err := h.svc.ListCalls(c, f)
	if err != nil {
		logger.Error("failed to list calls", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, msgUnexpectedFailure)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, page)
}

func (h *AdminHandler) GetCall(ctx *xhttp.RequestCtx) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, msgInvalidCallID)
		return
	}
	c, cancel := requestContext(0)
	defer cancel()
	rec, err := h.svc.GetCall(c, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, xhttp.StatusNotFound, msgCallNotFound)
			return
		}
		logger.Error("failed to load call", "id", id, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, msgUnexpectedFailure)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, rec)
}

func (h *AdminHandler) ChangePassword(ctx *xhttp.RequestCtx) {
	user := currentAdmin(ctx)
	c, cancel := requestContext(0)
	defer cancel()
	err := h.svc.ChangePassword(c, user.ID,
		formValue(ctx, "current_password"),
		formValue(ctx, "new_password"),
		formValue(ctx, "confirm_password"),
	)
	switch {
	case err == nil:
		writeJSON(ctx, xhttp.StatusOK, response{Success: true, Message: MsgPasswordUpdated})
	case errors.Is(err, services.ErrPasswordRequired),
		errors.Is(err, services.ErrWrongPassword),
		errors.Is(err, services.ErrPasswordMismatch),
		errors.Is(err, services.ErrPasswordTooShort):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	default:
		logger.Error("failed to change admin password", "username", user.Username, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, msgUnexpectedFailure)
	}
}
