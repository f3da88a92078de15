// Package domain defines the user account referenced by the token subsystem.
package domain

import (
	"errors"
	"time"
)

// Provider identifies the external identity provider an account came from.
type Provider string

// ProviderGoogle is the only provider currently wired.
const ProviderGoogle Provider = "google"

// User is an account record. TokenVersion is the global invalidation counter:
// it only ever increases, and any token carrying an older version is rejected.
type User struct {
	ID           int64
	Email        string
	Name         string
	Provider     Provider
	ProviderID   string
	TokenVersion int
	CreatedAt    time.Time
}

// Validate checks required fields before persistence.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("user: email is required")
	}
	if u.Provider == "" || u.ProviderID == "" {
		return errors.New("user: provider and provider id are required")
	}
	return nil
}
