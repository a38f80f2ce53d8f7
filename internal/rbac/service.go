// Package rbac administers an organization's roles, permissions and role assignments.
// Every operation is confined to the caller's organization by the guard.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/guard"
)

// Scope addresses an organization.
type Scope struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
}

type CreateRoleRequest struct {
	OrganizationID uuid.UUID   `json:"organizationId" guard:"organization"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	PermissionIDs  []uuid.UUID `json:"permissionIds"`
}

type RoleRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	RoleID         uuid.UUID `json:"roleId"`
}

type CreatePermissionRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
}

type RolePermissionRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	RoleID         uuid.UUID `json:"roleId"`
	PermissionID   uuid.UUID `json:"permissionId"`
}

type UserRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	UserID         uuid.UUID `json:"userId"`
}

type UserRoleRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	UserID         uuid.UUID `json:"userId"`
	RoleID         uuid.UUID `json:"roleId"`
}

type none struct{}

// Service exposes guarded role and permission administration.
type Service struct {
	store auth.Store

	createRole       func(context.Context, CreateRoleRequest) (auth.Role, error)
	listRoles        func(context.Context, Scope) ([]auth.Role, error)
	getRole          func(context.Context, RoleRequest) (auth.Role, error)
	deleteRole       func(context.Context, RoleRequest) (none, error)
	createPermission func(context.Context, CreatePermissionRequest) (auth.Permission, error)
	listPermissions  func(context.Context, Scope) ([]auth.Permission, error)
	grant            func(context.Context, RolePermissionRequest) (auth.Role, error)
	revoke           func(context.Context, RolePermissionRequest) (auth.Role, error)
	getPermission    func(context.Context, PermissionRequest) (auth.Permission, error)
	updatePermission func(context.Context, UpdatePermissionRequest) (auth.Permission, error)
	deletePermission func(context.Context, PermissionRequest) (none, error)
	getUser          func(context.Context, UserRequest) (auth.User, error)
	listUsers        func(context.Context, Scope) ([]auth.User, error)
	createUser       func(context.Context, CreateUserRequest) (auth.User, error)
	updateUser       func(context.Context, UpdateUserRequest) (auth.User, error)
	deleteUser       func(context.Context, UserRequest) (none, error)
	assignRole       func(context.Context, UserRoleRequest) (auth.User, error)
	removeRole       func(context.Context, UserRoleRequest) (auth.User, error)
}

// NewService wires every operation through g.
func NewService(store auth.Store, g *guard.Guard) (*Service, error) {
	if store == nil || g == nil {
		return nil, errors.New("rbac: store and guard are required")
	}
	s := &Service{store: store}
	s.createRole = guard.Wrap(g, s.doCreateRole)
	s.listRoles = guard.Wrap(g, s.doListRoles)
	s.getRole = guard.Wrap(g, s.doGetRole)
	s.deleteRole = guard.Wrap(g, s.doDeleteRole)
	s.createPermission = guard.Wrap(g, s.doCreatePermission)
	s.listPermissions = guard.Wrap(g, s.doListPermissions)
	s.grant = guard.Wrap(g, s.doGrant)
	s.revoke = guard.Wrap(g, s.doRevoke)
	s.getPermission = guard.Wrap(g, s.doGetPermission)
	s.updatePermission = guard.Wrap(g, s.doUpdatePermission)
	s.deletePermission = guard.Wrap(g, s.doDeletePermission)
	s.getUser = guard.Wrap(g, s.doGetUser)
	s.listUsers = guard.Wrap(g, s.doListUsers)
	s.createUser = guard.Wrap(g, s.doCreateUser)
	s.updateUser = guard.Wrap(g, s.doUpdateUser)
	s.deleteUser = guard.Wrap(g, s.doDeleteUser)
	s.assignRole = guard.Wrap(g, s.doAssignRole)
	s.removeRole = guard.Wrap(g, s.doRemoveRole)
	return s, nil
}

func (s *Service) CreateRole(ctx context.Context, req CreateRoleRequest) (auth.Role, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return auth.Role{}, fmt.Errorf("%w: role name is required", auth.ErrInvalidInput)
	}
	return s.createRole(ctx, req)
}

func (s *Service) ListRoles(ctx context.Context, req Scope) ([]auth.Role, error) {
	return s.listRoles(ctx, req)
}

func (s *Service) GetRole(ctx context.Context, req RoleRequest) (auth.Role, error) {
	return s.getRole(ctx, req)
}

// DeleteRole detaches the role from users and permissions, then removes it.
func (s *Service) DeleteRole(ctx context.Context, req RoleRequest) error {
	_, err := s.deleteRole(ctx, req)
	return err
}

// CreatePermission rejects reserved names for every caller, root included, before the
// organization check runs.
func (s *Service) CreatePermission(ctx context.Context, req CreatePermissionRequest) (auth.Permission, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return auth.Permission{}, fmt.Errorf("%w: permission name is required", auth.ErrInvalidInput)
	}
	if auth.IsReservedName(req.Name) {
		return auth.Permission{}, fmt.Errorf("%w: permission names starting with %s are reserved", auth.ErrReservedName, auth.ReservedPrefix)
	}
	return s.createPermission(ctx, req)
}

func (s *Service) ListPermissions(ctx context.Context, req Scope) ([]auth.Permission, error) {
	return s.listPermissions(ctx, req)
}

func (s *Service) GrantPermission(ctx context.Context, req RolePermissionRequest) (auth.Role, error) {
	return s.grant(ctx, req)
}

func (s *Service) RevokePermission(ctx context.Context, req RolePermissionRequest) (auth.Role, error) {
	return s.revoke(ctx, req)
}

func (s *Service) GetUser(ctx context.Context, req UserRequest) (auth.User, error) {
	return s.getUser(ctx, req)
}

func (s *Service) AssignRole(ctx context.Context, req UserRoleRequest) (auth.User, error) {
	return s.assignRole(ctx, req)
}

func (s *Service) RemoveRole(ctx context.Context, req UserRoleRequest) (auth.User, error) {
	return s.removeRole(ctx, req)
}

func (s *Service) doCreateRole(ctx context.Context, req CreateRoleRequest) (auth.Role, error) {
	var role auth.Role
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		var err error
		role, err = tx.CreateRole(ctx, auth.Role{
			OrganizationID: req.OrganizationID,
			Name:           req.Name,
			Description:    strings.TrimSpace(req.Description),
		})
		if err != nil {
			return err
		}
		for _, permID := range req.PermissionIDs {
			if err := tx.GrantPermission(ctx, req.OrganizationID, role.ID, permID); err != nil {
				return fmt.Errorf("grant permission %s: %w", permID, err)
			}
		}
		role, err = tx.RoleByID(ctx, req.OrganizationID, role.ID)
		return err
	})
	return role, err
}

func (s *Service) doListRoles(ctx context.Context, req Scope) ([]auth.Role, error) {
	return s.store.ListRoles(ctx, req.OrganizationID)
}

func (s *Service) doGetRole(ctx context.Context, req RoleRequest) (auth.Role, error) {
	return s.store.RoleByID(ctx, req.OrganizationID, req.RoleID)
}

func (s *Service) doDeleteRole(ctx context.Context, req RoleRequest) (none, error) {
	return none{}, s.store.WithinTx(ctx, func(tx auth.Store) error {
		return tx.DeleteRole(ctx, req.OrganizationID, req.RoleID)
	})
}

func (s *Service) doCreatePermission(ctx context.Context, req CreatePermissionRequest) (auth.Permission, error) {
	return s.store.CreatePermission(ctx, auth.Permission{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    strings.TrimSpace(req.Description),
	})
}

func (s *Service) doListPermissions(ctx context.Context, req Scope) ([]auth.Permission, error) {
	return s.store.ListPermissions(ctx, req.OrganizationID)
}

func (s *Service) doGrant(ctx context.Context, req RolePermissionRequest) (auth.Role, error) {
	var role auth.Role
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		if err := tx.GrantPermission(ctx, req.OrganizationID, req.RoleID, req.PermissionID); err != nil {
			return err
		}
		var err error
		role, err = tx.RoleByID(ctx, req.OrganizationID, req.RoleID)
		return err
	})
	return role, err
}

func (s *Service) doRevoke(ctx context.Context, req RolePermissionRequest) (auth.Role, error) {
	var role auth.Role
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		if err := tx.RevokePermission(ctx, req.OrganizationID, req.RoleID, req.PermissionID); err != nil {
			return err
		}
		var err error
		role, err = tx.RoleByID(ctx, req.OrganizationID, req.RoleID)
		return err
	})
	return role, err
}

func (s *Service) doGetUser(ctx context.Context, req UserRequest) (auth.User, error) {
	return memberOf(ctx, s.store, req.OrganizationID, req.UserID)
}

// doAssignRole keeps the bootstrap role to a single holder.
func (s *Service) doAssignRole(ctx context.Context, req UserRoleRequest) (auth.User, error) {
	var user auth.User
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		if err := tx.LockOrganization(ctx, req.OrganizationID); err != nil {
			return err
		}
		member, err := memberOf(ctx, tx, req.OrganizationID, req.UserID)
		if err != nil {
			return err
		}
		role, err := tx.RoleByID(ctx, req.OrganizationID, req.RoleID)
		if err != nil {
			return err
		}
		if role.Name == auth.RoleOrganizationManager && !member.HasRole(role.Name) {
			taken, err := tx.RoleHolderExists(ctx, req.OrganizationID, role.Name)
			if err != nil {
				return err
			}
			if taken {
				return auth.ErrProvisioningConflict
			}
		}
		if err := tx.AssignRole(ctx, member.ID, role.ID); err != nil {
			return err
		}
		user, err = tx.UserByID(ctx, member.ID)
		return err
	})
	return user, err
}

func (s *Service) doRemoveRole(ctx context.Context, req UserRoleRequest) (auth.User, error) {
	var user auth.User
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		member, err := memberOf(ctx, tx, req.OrganizationID, req.UserID)
		if err != nil {
			return err
		}
		if _, err := tx.RoleByID(ctx, req.OrganizationID, req.RoleID); err != nil {
			return err
		}
		if err := tx.RemoveRole(ctx, member.ID, req.RoleID); err != nil {
			return err
		}
		user, err = tx.UserByID(ctx, member.ID)
		return err
	})
	return user, err
}

func memberOf(ctx context.Context, store auth.UserStore, orgID, userID uuid.UUID) (auth.User, error) {
	user, err := store.UserByID(ctx, userID)
	if err != nil {
		return auth.User{}, err
	}
	if user.OrganizationID != orgID {
		return auth.User{}, auth.ErrNotFound
	}
	return user, nil
}
