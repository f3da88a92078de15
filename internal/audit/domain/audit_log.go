// Package domain defines the audit event record.
package domain

import "time"

// AuditLog represents one audit event. UserID is 0 for events with no
// resolved user (e.g. a refresh attempt with a malformed token).
type AuditLog struct {
	ID        string
	UserID    int64
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
