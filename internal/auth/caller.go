package auth

import "github.com/google/uuid"

// CallerContext describes who is calling, for which organization and with which authorities.
// It is derived once per request and never mutated.
type CallerContext struct {
	Subject        string
	UserID         *uuid.UUID
	OrganizationID *uuid.UUID
	DepartmentID   *uuid.UUID
	TeamID         *uuid.UUID
	Authorities    []string
	IsRootAdmin    bool
}

// NewCallerContext builds a caller context and derives the root-admin flag from authorities.
func NewCallerContext(subject string, userID, orgID, deptID, teamID *uuid.UUID, authorities []string) CallerContext {
	auths := make([]string, len(authorities))
	copy(auths, authorities)
	return CallerContext{
		Subject:        subject,
		UserID:         userID,
		OrganizationID: orgID,
		DepartmentID:   deptID,
		TeamID:         teamID,
		Authorities:    auths,
		IsRootAdmin:    containsAuthority(auths, RootAuthority),
	}
}

// RequireOrganization returns the caller's organization or ErrNoTenantContext.
func (c CallerContext) RequireOrganization() (uuid.UUID, error) {
	if c.OrganizationID == nil || *c.OrganizationID == uuid.Nil {
		return uuid.Nil, ErrNoTenantContext
	}
	return *c.OrganizationID, nil
}

// HasAuthority reports whether the caller holds the exact authority.
func (c CallerContext) HasAuthority(authority string) bool {
	return containsAuthority(c.Authorities, authority)
}

// HasAnyAuthority reports whether the caller holds at least one of the authorities.
func (c CallerContext) HasAnyAuthority(authorities ...string) bool {
	for _, a := range authorities {
		if c.HasAuthority(a) {
			return true
		}
	}
	return false
}
