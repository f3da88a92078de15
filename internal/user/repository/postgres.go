package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobblog/backend/internal/user/domain"
)

const userColumns = `id, email, name, provider, provider_id, token_version, created_at`

// PostgresRepository persists users in Postgres via pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a user repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByProvider returns the user for the external identity, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByProvider(ctx context.Context, provider domain.Provider, providerID string) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE provider = $1 AND provider_id = $2
`, provider, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by provider: %w", err)
	}
	return u, nil
}

// Create persists the user. The database assigns the id and created_at.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	err := r.pool.QueryRow(ctx, `
INSERT INTO users (email, name, provider, provider_id, token_version)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at
`, u.Email, u.Name, u.Provider, u.ProviderID, u.TokenVersion).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// BumpTokenVersion atomically increments token_version and returns the new value.
func (r *PostgresRepository) BumpTokenVersion(ctx context.Context, id int64) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx, `
UPDATE users
SET token_version = token_version + 1
WHERE id = $1
RETURNING token_version
`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("bump token version: user %d not found", id)
		}
		return 0, fmt.Errorf("bump token version: %w", err)
	}
	return version, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Provider, &u.ProviderID, &u.TokenVersion, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
