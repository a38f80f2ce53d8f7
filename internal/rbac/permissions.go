package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

type PermissionRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	PermissionID   uuid.UUID `json:"permissionId"`
}

type UpdatePermissionRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	PermissionID   uuid.UUID `json:"permissionId"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
}

func (s *Service) GetPermission(ctx context.Context, req PermissionRequest) (auth.Permission, error) {
	return s.getPermission(ctx, req)
}

// UpdatePermission renames a permission. Reserved names are refused as on creation.
func (s *Service) UpdatePermission(ctx context.Context, req UpdatePermissionRequest) (auth.Permission, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return auth.Permission{}, fmt.Errorf("%w: permission name is required", auth.ErrInvalidInput)
	}
	if auth.IsReservedName(req.Name) {
		return auth.Permission{}, fmt.Errorf("%w: permission names starting with %s are reserved", auth.ErrReservedName, auth.ReservedPrefix)
	}
	return s.updatePermission(ctx, req)
}

// DeletePermission detaches the permission from every role, then removes it.
func (s *Service) DeletePermission(ctx context.Context, req PermissionRequest) error {
	_, err := s.deletePermission(ctx, req)
	return err
}

func (s *Service) doGetPermission(ctx context.Context, req PermissionRequest) (auth.Permission, error) {
	return s.store.PermissionByID(ctx, req.OrganizationID, req.PermissionID)
}

func (s *Service) doUpdatePermission(ctx context.Context, req UpdatePermissionRequest) (auth.Permission, error) {
	return s.store.UpdatePermission(ctx, auth.Permission{
		ID:             req.PermissionID,
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    strings.TrimSpace(req.Description),
	})
}

func (s *Service) doDeletePermission(ctx context.Context, req PermissionRequest) (none, error) {
	return none{}, s.store.WithinTx(ctx, func(tx auth.Store) error {
		return tx.DeletePermission(ctx, req.OrganizationID, req.PermissionID)
	})
}
