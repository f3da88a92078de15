// Package repository defines persistence for refresh sessions.
package repository

import (
	"context"
	"errors"
	"time"

	"jobblog/backend/internal/session/domain"
)

// ErrRowVersionConflict is returned when an update loses the optimistic
// row-version check. The pessimistic row lock makes this unreachable in the
// normal rotation path; it is the safety net against lost updates.
var ErrRowVersionConflict = errors.New("session row version conflict")

// RotateFunc decides the outcome of a rotation while the session row is
// exclusively locked. current is nil when no row exists for the session id.
// Returning a session causes the current row to be revoked and the returned
// one inserted in the same transaction; returning an error aborts the
// transaction unchanged.
type RotateFunc func(current *domain.Session) (*domain.Session, error)

// Repository defines persistence for refresh sessions.
type Repository interface {
	// Create persists a new session row.
	Create(ctx context.Context, s *domain.Session) error
	// GetBySessionID returns the session for the given session id (jti), or
	// nil if not found. No lock is taken; use Rotate for rotation.
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Session, error)
	// Rotate locks the session row for the given session id (pessimistic write
	// lock), calls decide with the current snapshot, and on success revokes the
	// old row and inserts the replacement atomically. Concurrent rotations of
	// the same session id serialize on the lock; the loser observes the row
	// already revoked.
	Rotate(ctx context.Context, sessionID string, decide RotateFunc) error
	// RevokeBySessionID revokes the session if it is not already revoked.
	// Returns the number of rows changed (0 when absent or already revoked).
	RevokeBySessionID(ctx context.Context, sessionID string) (int64, error)
	// BulkRevokeByUser revokes every non-revoked session of the user in one
	// atomic statement and returns the count.
	BulkRevokeByUser(ctx context.Context, userID int64) (int64, error)
	// DeleteExpiredBefore removes rows whose expiry is older than cutoff.
	// Housekeeping only; the core never deletes sessions.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
