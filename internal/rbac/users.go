package rbac

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

// CreateUserRequest adds an account to an organization without any role.
type CreateUserRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Password       string    `json:"password"`
}

// UpdateUserRequest changes the non-blank fields of an account.
type UpdateUserRequest struct {
	OrganizationID uuid.UUID `json:"organizationId" guard:"organization"`
	UserID         uuid.UUID `json:"userId"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Password       string    `json:"password"`
}

func (s *Service) ListUsers(ctx context.Context, req Scope) ([]auth.User, error) {
	return s.listUsers(ctx, req)
}

func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (auth.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return auth.User{}, fmt.Errorf("%w: username is required", auth.ErrInvalidInput)
	}
	email, err := cleanEmail(req.Email)
	if err != nil {
		return auth.User{}, err
	}
	req.Email = email
	return s.createUser(ctx, req)
}

func (s *Service) UpdateUser(ctx context.Context, req UpdateUserRequest) (auth.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	if strings.TrimSpace(req.Email) != "" {
		email, err := cleanEmail(req.Email)
		if err != nil {
			return auth.User{}, err
		}
		req.Email = email
	}
	return s.updateUser(ctx, req)
}

// DeleteUser removes the account. Refresh tokens of a deleted user stop refreshing.
func (s *Service) DeleteUser(ctx context.Context, req UserRequest) error {
	_, err := s.deleteUser(ctx, req)
	return err
}

func (s *Service) doListUsers(ctx context.Context, req Scope) ([]auth.User, error) {
	return s.store.ListUsers(ctx, req.OrganizationID)
}

func (s *Service) doCreateUser(ctx context.Context, req CreateUserRequest) (auth.User, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return auth.User{}, err
	}
	var user auth.User
	err = s.store.WithinTx(ctx, func(tx auth.Store) error {
		if taken, err := tx.EmailExists(ctx, req.Email); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("%w: email already registered", auth.ErrDuplicateName)
		}
		if taken, err := tx.UsernameExists(ctx, req.Username); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("%w: username already taken", auth.ErrDuplicateName)
		}
		user, err = tx.CreateUser(ctx, auth.User{
			Username:       req.Username,
			Email:          req.Email,
			PasswordHash:   hash,
			OrganizationID: req.OrganizationID,
		})
		return err
	})
	return user, err
}

func (s *Service) doUpdateUser(ctx context.Context, req UpdateUserRequest) (auth.User, error) {
	var hash string
	if req.Password != "" {
		var err error
		if hash, err = auth.HashPassword(req.Password); err != nil {
			return auth.User{}, err
		}
	}
	var user auth.User
	err := s.store.WithinTx(ctx, func(tx auth.Store) error {
		cur, err := memberOf(ctx, tx, req.OrganizationID, req.UserID)
		if err != nil {
			return err
		}
		if req.Username != "" {
			cur.Username = req.Username
		}
		if req.Email != "" {
			cur.Email = req.Email
		}
		if hash != "" {
			cur.PasswordHash = hash
		}
		user, err = tx.UpdateUser(ctx, cur)
		return err
	})
	return user, err
}

func (s *Service) doDeleteUser(ctx context.Context, req UserRequest) (none, error) {
	return none{}, s.store.WithinTx(ctx, func(tx auth.Store) error {
		return tx.DeleteUser(ctx, req.OrganizationID, req.UserID)
	})
}

func cleanEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return "", fmt.Errorf("%w: email is invalid", auth.ErrInvalidInput)
	}
	return email, nil
}
