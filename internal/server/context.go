// Package server exposes the token lifecycle over HTTP with gin.
package server

import (
	"context"

	"github.com/gin-gonic/gin"

	userdomain "jobblog/backend/internal/user/domain"
)

type contextKey struct{ name string }

var clientIPKey = contextKey{"client_ip"}

// currentUserKey is the gin context key under which RequireAuth stores the
// authenticated account.
const currentUserKey = "currentUser"

// WithClientIP returns a context carrying the client IP for downstream
// consumers (the audit logger reads it back via ClientIP).
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP returns the client IP stored in ctx, or "" if unset.
func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey).(string)
	return v
}

// CurrentUser returns the authenticated account set by RequireAuth, or nil.
func CurrentUser(c *gin.Context) *userdomain.User {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*userdomain.User)
	return u
}
