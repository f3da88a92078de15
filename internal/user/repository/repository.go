// Package repository defines persistence for user accounts.
package repository

import (
	"context"

	"jobblog/backend/internal/user/domain"
)

// Repository defines persistence for user accounts.
type Repository interface {
	// GetByID returns the user for id, or nil if not found. Reads observe the
	// latest committed token_version; there is no caching in front of it.
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	// GetByProvider returns the user registered for the given external
	// identity, or nil if not found.
	GetByProvider(ctx context.Context, provider domain.Provider, providerID string) (*domain.User, error)
	// Create persists the user and assigns its id.
	Create(ctx context.Context, u *domain.User) error
	// BumpTokenVersion atomically increments the user's token_version and
	// returns the new value. Used by global invalidation.
	BumpTokenVersion(ctx context.Context, id int64) (int, error)
}
