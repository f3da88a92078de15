// Package repository defines persistence for audit logs.
package repository

import (
	"context"

	"jobblog/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	// ListByUser returns the user's audit trail, newest first.
	ListByUser(ctx context.Context, userID int64, limit, offset int32) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
