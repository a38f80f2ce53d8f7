package auth

import (
	"time"

	"github.com/google/uuid"
)

// User is a principal belonging to exactly one organization.
type User struct {
	ID             uuid.UUID  `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	DepartmentID   *uuid.UUID `json:"departmentId,omitempty"`
	TeamID         *uuid.UUID `json:"teamId,omitempty"`
	Roles          []Role     `json:"roles,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RoleNames lists the names of the user's roles in assignment order.
func (u User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// HasRole reports whether the user holds a role with the given name.
func (u User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Role groups permissions inside one organization.
type Role struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organizationId"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Permissions    []Permission `json:"permissions,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Permission is a named capability scoped to one organization.
type Permission struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organizationId"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RefreshToken is an opaque long-lived credential persisted server side.
// Only Hash is stored; Token carries the plaintext when the token is minted.
type RefreshToken struct {
	Token     string    `json:"-"`
	Hash      string    `json:"-"`
	UserID    uuid.UUID `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the token is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
