// Package domain defines the refresh session record and its state transitions.
package domain

import "time"

// Session is the server-side record of one issued refresh token. Values are
// treated as immutable snapshots; state changes go through the transition
// methods below and the persistence layer applies them atomically.
type Session struct {
	ID          int64
	SessionID   string // jti embedded in the refresh token
	UserID      int64
	RefreshHash string // salted digest of the raw token, never the token itself
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	// SessionVersion is the chain depth within one rotation lineage:
	// 1 on login, +1 on each successful rotation.
	SessionVersion int
	// RowVersion is the optimistic concurrency token, bumped on every update.
	RowVersion int64
}

// Expired reports whether the session is past its expiry at the given instant.
// Expiry is evaluated at read time; there is no background sweeper.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Active reports whether the session is neither revoked nor expired.
func (s Session) Active(now time.Time) bool {
	return !s.Revoked && !s.Expired(now)
}

// Revoke returns a revoked snapshot of the session. Revocation is monotone:
// the expiry is also forced into the past so simple expiry-based purges treat
// the row as dead immediately. Revoking an already-revoked session is a no-op.
func (s Session) Revoke(now time.Time) Session {
	if s.Revoked {
		return s
	}
	s.Revoked = true
	s.ExpiresAt = now.Add(-24 * time.Hour)
	return s
}
