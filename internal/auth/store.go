package auth

import (
	"context"

	"github.com/google/uuid"
)

// Store describes persistence operations required by the identity service.
type Store interface {
	UserStore
	CatalogStore

	// WithinTx runs fn inside a transaction. The Store handed to fn is bound to that
	// transaction; calling WithinTx on it joins the same transaction.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	// LockOrganization serializes writers of one organization's catalog until the
	// surrounding transaction ends.
	LockOrganization(ctx context.Context, orgID uuid.UUID) error
}

// UserStore manages identities. Username and email are unique across all organizations.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id uuid.UUID) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	ListUsers(ctx context.Context, orgID uuid.UUID) ([]User, error)
	// UpdateUser rewrites username, email and password hash of a user of u.OrganizationID.
	UpdateUser(ctx context.Context, u User) (User, error)
	// DeleteUser removes the user with its role assignments and refresh tokens where the
	// backend shares them.
	DeleteUser(ctx context.Context, orgID, userID uuid.UUID) error
	RoleHolderExists(ctx context.Context, orgID uuid.UUID, roleName string) (bool, error)
	AssignRole(ctx context.Context, userID, roleID uuid.UUID) error
	RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error
}

// CatalogStore manages organization-scoped roles and permissions.
// Lookups by id take the organization and report ErrNotFound for rows of other organizations.
type CatalogStore interface {
	CreateRole(ctx context.Context, r Role) (Role, error)
	RoleByID(ctx context.Context, orgID, roleID uuid.UUID) (Role, error)
	RoleByName(ctx context.Context, orgID uuid.UUID, name string) (Role, error)
	ListRoles(ctx context.Context, orgID uuid.UUID) ([]Role, error)
	DeleteRole(ctx context.Context, orgID, roleID uuid.UUID) error

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	PermissionByID(ctx context.Context, orgID, permissionID uuid.UUID) (Permission, error)
	PermissionByName(ctx context.Context, orgID uuid.UUID, name string) (Permission, error)
	ListPermissions(ctx context.Context, orgID uuid.UUID) ([]Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	// DeletePermission detaches the permission from every role before removing it.
	DeletePermission(ctx context.Context, orgID, permissionID uuid.UUID) error
	GrantPermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID) error
	RevokePermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID) error
}

// RoleProvisioner materializes an organization's default role catalog.
type RoleProvisioner interface {
	EnsureDefaultRoles(ctx context.Context, orgID uuid.UUID) ([]Role, error)
	EnsurePermission(ctx context.Context, name string, orgID uuid.UUID) (Permission, error)
}

// Directory answers questions owned by sibling services.
type Directory interface {
	OrganizationExists(ctx context.Context, orgID uuid.UUID) (bool, error)
	DepartmentIDForUser(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
	TeamIDForUser(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
}
