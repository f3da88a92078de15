package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	auditdomain "jobblog/backend/internal/audit/domain"
	"jobblog/backend/internal/auth/service"
	userdomain "jobblog/backend/internal/user/domain"
)

// refreshCookieName is the HttpOnly cookie carrying the refresh token. The
// browser never sees the token from script; rotation happens via cookie only.
const refreshCookieName = "refreshToken"

// TokenService is the lifecycle surface the HTTP layer depends on.
type TokenService interface {
	LoginWithGoogle(ctx context.Context, code string) (*service.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	InvalidateAll(ctx context.Context, userID int64) error
	VerifyAccess(ctx context.Context, accessToken string) (*userdomain.User, error)
}

// AuditReader lists a user's recorded lifecycle events.
type AuditReader interface {
	ListByUser(ctx context.Context, userID int64, limit, offset int32) ([]*auditdomain.AuditLog, error)
}

// Pinger is the health check's view of the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	// ClientRedirectURI is where the Google callback redirects the browser.
	ClientRedirectURI string
	// RefreshTTL bounds the refresh cookie's Max-Age.
	RefreshTTL time.Duration
	// Production switches gin to release mode.
	Production bool
}

type handlers struct {
	svc    TokenService
	audits AuditReader
	db     Pinger
	logger *zap.Logger
	opts   Options
}

// NewRouter builds the gin engine with all routes wired.
func NewRouter(svc TokenService, audits AuditReader, db Pinger, logger *zap.Logger, opts Options) *gin.Engine {
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &handlers{svc: svc, audits: audits, db: db, logger: logger, opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), ClientIPContext())

	r.GET("/healthz", h.health)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/google/callback", h.googleCallback)
		oauth.POST("/refresh", h.refresh)
		oauth.POST("/logout", h.logout)
	}

	auth := r.Group("/auth", RequireAuth(svc))
	{
		auth.POST("/invalidate", h.invalidate)
	}

	users := r.Group("/users", RequireAuth(svc))
	{
		users.GET("/me", h.me)
		users.GET("/me/audit", h.auditTrail)
	}

	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// googleCallback finishes the Google login: exchanges the code, sets the
// refresh cookie, and bounces the browser back to the client with the access
// token in the query string.
func (h *handlers) googleCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	pair, err := h.svc.LoginWithGoogle(c.Request.Context(), code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	c.Redirect(http.StatusFound, h.opts.ClientRedirectURI+"?token="+url.QueryEscape(pair.AccessToken))
}

func (h *handlers) refresh(c *gin.Context) {
	refreshToken, err := c.Cookie(refreshCookieName)
	if err != nil || refreshToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token required"})
		return
	}
	pair, err := h.svc.Refresh(c.Request.Context(), refreshToken)
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			h.clearRefreshCookie(c)
		}
		h.writeError(c, err)
		return
	}
	h.setRefreshCookie(c, pair.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"accessToken": pair.AccessToken})
}

func (h *handlers) logout(c *gin.Context) {
	refreshToken, err := c.Cookie(refreshCookieName)
	if err != nil || refreshToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token required"})
		return
	}
	if err := h.svc.Logout(c.Request.Context(), refreshToken); err != nil {
		h.writeError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *handlers) invalidate(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.svc.InvalidateAll(c.Request.Context(), user.ID); err != nil {
		h.writeError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *handlers) me(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"name":     user.Name,
		"provider": user.Provider,
	})
}

// auditTrail lists the authenticated user's recorded lifecycle events,
// newest first.
func (h *handlers) auditTrail(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil || h.audits == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit := parseInt32(c.Query("limit"), 50, 200)
	offset := parseInt32(c.Query("offset"), 0, 1<<30)
	entries, err := h.audits.ListByUser(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"action":    e.Action,
			"resource":  e.Resource,
			"ip":        e.IP,
			"metadata":  e.Metadata,
			"createdAt": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// parseInt32 parses a query value, falling back to def and clamping to max.
func parseInt32(s string, def, max int32) int32 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	if int32(n) > max {
		return max
	}
	return int32(n)
}

func (h *handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *handlers) setRefreshCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(refreshCookieName, token, int(h.opts.RefreshTTL.Seconds()), "/", "", h.opts.Production, true)
}

func (h *handlers) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(refreshCookieName, "", -1, "/", "", h.opts.Production, true)
}
