package auth

import "strings"

// RootAuthority bypasses organization boundaries.
const RootAuthority = "SYS_ADMIN_ROOT"

// ReservedPrefix marks system authorities that tenants cannot create.
const ReservedPrefix = "SYS_"

const (
	AuthorityRoleCreate       = "ROLE_CREATE"
	AuthorityRoleRead         = "ROLE_READ"
	AuthorityRoleUpdate       = "ROLE_UPDATE"
	AuthorityRoleDelete       = "ROLE_DELETE"
	AuthorityPermissionCreate = "PERMISSION_CREATE"
	AuthorityPermissionRead   = "PERMISSION_READ"
	AuthorityPermissionUpdate = "PERMISSION_UPDATE"
	AuthorityPermissionDelete = "PERMISSION_DELETE"
	AuthorityUserCreate       = "USER_CREATE"
	AuthorityUserRead         = "USER_READ"
	AuthorityUserUpdate       = "USER_UPDATE"
	AuthorityUserDelete       = "USER_DELETE"
)

// IsReservedName reports whether a permission name uses the system prefix.
func IsReservedName(name string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(name)), ReservedPrefix)
}
