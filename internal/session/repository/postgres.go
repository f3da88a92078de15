package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobblog/backend/internal/session/domain"
)

const sessionColumns = `id, session_id, user_id, refresh_hash, issued_at, expires_at, revoked, session_version, row_version`

// PostgresRepository persists sessions in Postgres via pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRepository returns a session repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, now: time.Now}
}

// Create persists the session. The database assigns the surrogate id and the
// initial row_version.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.pool.QueryRow(ctx, `
INSERT INTO sessions (session_id, user_id, refresh_hash, issued_at, expires_at, revoked, session_version)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, row_version
`, s.SessionID, s.UserID, s.RefreshHash, s.IssuedAt, s.ExpiresAt, s.Revoked, s.SessionVersion).Scan(&s.ID, &s.RowVersion)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetBySessionID returns the session for the given session id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = $1
`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// Rotate runs one rotation as a single transaction: SELECT ... FOR UPDATE on
// the session row, decide, revoke the old row (guarded by row_version), insert
// the replacement, commit. The row lock is held until commit so a concurrent
// rotation of the same session id blocks here and then sees the row revoked.
func (r *PostgresRepository) Rotate(ctx context.Context, sessionID string, decide RotateFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanSession(tx.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE session_id = $1
FOR UPDATE
`, sessionID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock session: %w", err)
	}

	next, err := decide(current)
	if err != nil {
		return err
	}
	if next == nil {
		return tx.Commit(ctx)
	}
	if current == nil {
		return errors.New("rotate: no current session to replace")
	}

	revoked := current.Revoke(r.now())
	ct, err := tx.Exec(ctx, `
UPDATE sessions
SET revoked = TRUE, expires_at = $1, row_version = row_version + 1
WHERE id = $2 AND row_version = $3
`, revoked.ExpiresAt, current.ID, current.RowVersion)
	if err != nil {
		return fmt.Errorf("revoke rotated session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRowVersionConflict
	}

	err = tx.QueryRow(ctx, `
INSERT INTO sessions (session_id, user_id, refresh_hash, issued_at, expires_at, revoked, session_version)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, row_version
`, next.SessionID, next.UserID, next.RefreshHash, next.IssuedAt, next.ExpiresAt, next.Revoked, next.SessionVersion).Scan(&next.ID, &next.RowVersion)
	if err != nil {
		return fmt.Errorf("insert rotated session: %w", err)
	}

	return tx.Commit(ctx)
}

// RevokeBySessionID revokes the session if present and not already revoked.
func (r *PostgresRepository) RevokeBySessionID(ctx context.Context, sessionID string) (int64, error) {
	ct, err := r.pool.Exec(ctx, `
UPDATE sessions
SET revoked = TRUE, expires_at = $1, row_version = row_version + 1
WHERE session_id = $2 AND NOT revoked
`, r.now().Add(-24*time.Hour), sessionID)
	if err != nil {
		return 0, fmt.Errorf("revoke session: %w", err)
	}
	return ct.RowsAffected(), nil
}

// BulkRevokeByUser revokes every live session of the user in one statement.
func (r *PostgresRepository) BulkRevokeByUser(ctx context.Context, userID int64) (int64, error) {
	ct, err := r.pool.Exec(ctx, `
UPDATE sessions
SET revoked = TRUE, expires_at = $1, row_version = row_version + 1
WHERE user_id = $2 AND NOT revoked
`, r.now().Add(-24*time.Hour), userID)
	if err != nil {
		return 0, fmt.Errorf("bulk revoke sessions: %w", err)
	}
	return ct.RowsAffected(), nil
}

// DeleteExpiredBefore removes long-dead rows. Revocation backdates expiry, so
// an expiry cutoff covers revoked rows as well.
func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := r.pool.Exec(ctx, `
DELETE FROM sessions
WHERE expires_at < $1
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.SessionID, &s.UserID, &s.RefreshHash, &s.IssuedAt, &s.ExpiresAt, &s.Revoked, &s.SessionVersion, &s.RowVersion)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
