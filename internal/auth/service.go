package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/obs"
)

// Built-in role names. RoleOrganizationManager is the bootstrap role of an organization.
const (
	RoleUser                = "USER"
	RoleOrganizationManager = "ORGANIZATION MANAGER"
	RoleDepartmentManager   = "DEPARTMENT MANAGER"
	RoleTeamManager         = "TEAM MANAGER"
)

// ProvisionerFactory binds a RoleProvisioner to a (possibly transactional) store.
type ProvisionerFactory func(Store) RoleProvisioner

// Service implements login, registration, refresh and logout.
type Service struct {
	store     Store
	tokens    *TokenService
	refresh   *RefreshTokens
	directory Directory
	provision ProvisionerFactory
	now       func() time.Time
	log       *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithDirectory sets the sibling-service collaborators.
func WithDirectory(d Directory) ServiceOption {
	return func(s *Service) error {
		if d != nil {
			s.directory = d
		}
		return nil
	}
}

// WithProvisioner sets the factory used to provision organization catalogs.
func WithProvisioner(f ProvisionerFactory) ServiceOption {
	return func(s *Service) error {
		if f != nil {
			s.provision = f
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger overrides the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, refresh *RefreshTokens, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil || refresh == nil {
		return nil, errors.New("auth: store, token service and refresh tokens are required")
	}
	svc := &Service{
		store:     store,
		tokens:    tokens,
		refresh:   refresh,
		directory: noDirectory{},
		now:       time.Now,
		log:       obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.provision == nil {
		return nil, errors.New("auth: provisioner is required")
	}
	return svc, nil
}

// RegisterRequest carries the registration form.
type RegisterRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// Session is the outcome of a successful login, registration or refresh.
type Session struct {
	User         User
	Authorities  []string
	AccessToken  AccessToken
	RefreshToken RefreshToken
}

// Login authenticates by email and password. Every failure is ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.startSession(ctx, user)
}

// Register creates a regular user in the organization named by the invite code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	orgID, err := uuid.Parse(strings.TrimSpace(req.InviteCode))
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid invite code format", ErrInvalidInput)
	}
	user, err := s.newUser(ctx, orgID, req)
	if err != nil {
		return Session{}, err
	}

	var created User
	err = s.store.WithinTx(ctx, func(tx Store) error {
		role, err := tx.RoleByName(ctx, orgID, RoleUser)
		if errors.Is(err, ErrNotFound) {
			role, err = s.defaultRole(ctx, tx, orgID, RoleUser)
		}
		if err != nil {
			return err
		}
		created, err = s.createWithRole(ctx, tx, user, role)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	s.log.InfoContext(ctx, "user registered", "user_id", created.ID.String(), "organization_id", orgID.String())
	return s.startSession(ctx, created)
}

// RegisterAdmin creates the first administrator of an organization and provisions its
// default catalog. A second administrator is ErrProvisioningConflict.
func (s *Service) RegisterAdmin(ctx context.Context, orgID uuid.UUID, req RegisterRequest) (Session, error) {
	if orgID == uuid.Nil {
		return Session{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	user, err := s.newUser(ctx, orgID, req)
	if err != nil {
		return Session{}, err
	}

	var created User
	err = s.store.WithinTx(ctx, func(tx Store) error {
		if err := tx.LockOrganization(ctx, orgID); err != nil {
			return err
		}
		taken, err := tx.RoleHolderExists(ctx, orgID, RoleOrganizationManager)
		if err != nil {
			return err
		}
		if taken {
			return ErrProvisioningConflict
		}
		role, err := s.defaultRole(ctx, tx, orgID, RoleOrganizationManager)
		if err != nil {
			return err
		}
		created, err = s.createWithRole(ctx, tx, user, role)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	s.log.InfoContext(ctx, "organization administrator registered", "user_id", created.ID.String(), "organization_id", orgID.String())
	return s.startSession(ctx, created)
}

// Refresh rotates the refresh token and reissues an access token. The user lookup and
// the reissue run inside the rotation, so when either fails the presented token is kept.
// Every refresh-token failure is reported as ErrRefreshTokenInvalid.
func (s *Service) Refresh(ctx context.Context, token string) (Session, error) {
	var (
		user        User
		access      AccessToken
		authorities []string
	)
	next, err := s.refresh.ConsumeAndRotateFunc(ctx, token, func(prev RefreshToken) error {
		var err error
		user, err = s.store.UserByID(ctx, prev.UserID)
		if err != nil {
			return err
		}
		s.enrich(ctx, &user)
		access, authorities, err = s.issue(user)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshTokenInvalid):
		return Session{}, ErrRefreshTokenInvalid
	case errors.Is(err, ErrNotFound):
		_ = s.refresh.Revoke(ctx, token)
		return Session{}, ErrRefreshTokenInvalid
	default:
		return Session{}, err
	}
	return Session{User: user, Authorities: authorities, AccessToken: access, RefreshToken: next}, nil
}

// Logout revokes the refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return s.refresh.Revoke(ctx, token)
}

func (s *Service) newUser(ctx context.Context, orgID uuid.UUID, req RegisterRequest) (User, error) {
	username := strings.TrimSpace(req.Username)
	email := normalizeEmail(req.Email)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return User{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return User{}, err
	}
	if !s.organizationExists(ctx, orgID) {
		return User{}, fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	if taken, err := s.store.EmailExists(ctx, email); err != nil {
		return User{}, err
	} else if taken {
		return User{}, fmt.Errorf("%w: email already registered", ErrDuplicateName)
	}
	if taken, err := s.store.UsernameExists(ctx, username); err != nil {
		return User{}, err
	} else if taken {
		return User{}, fmt.Errorf("%w: username already taken", ErrDuplicateName)
	}
	return User{
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		OrganizationID: orgID,
	}, nil
}

func (s *Service) defaultRole(ctx context.Context, tx Store, orgID uuid.UUID, name string) (Role, error) {
	roles, err := s.provision(tx).EnsureDefaultRoles(ctx, orgID)
	if err != nil {
		return Role{}, err
	}
	for _, r := range roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("%w: default role %q missing from catalog", ErrNotFound, name)
}

func (s *Service) createWithRole(ctx context.Context, tx Store, user User, role Role) (User, error) {
	now := s.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	created, err := tx.CreateUser(ctx, user)
	if err != nil {
		return User{}, err
	}
	if err := tx.AssignRole(ctx, created.ID, role.ID); err != nil {
		return User{}, err
	}
	created.Roles = []Role{role}
	return created, nil
}

func (s *Service) startSession(ctx context.Context, user User) (Session, error) {
	s.enrich(ctx, &user)
	access, authorities, err := s.issue(user)
	if err != nil {
		return Session{}, err
	}
	refresh, err := s.refresh.Create(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Authorities: authorities, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) issue(user User) (AccessToken, []string, error) {
	authorities := Authorities(user.Roles)
	userID := user.ID
	orgID := user.OrganizationID
	access, err := s.tokens.Issue(Identity{
		Subject:        user.Email,
		UserID:         &userID,
		OrganizationID: &orgID,
		DepartmentID:   user.DepartmentID,
		TeamID:         user.TeamID,
		Authorities:    authorities,
	})
	if err != nil {
		return AccessToken{}, nil, err
	}
	return access, authorities, nil
}

// enrich fills department and team from the directory. Failures leave them absent.
func (s *Service) enrich(ctx context.Context, user *User) {
	if dept, err := s.directory.DepartmentIDForUser(ctx, user.ID); err != nil {
		s.log.WarnContext(ctx, "department lookup failed", "user_id", user.ID.String(), "error", err)
	} else if dept != nil {
		user.DepartmentID = dept
	}
	if team, err := s.directory.TeamIDForUser(ctx, user.ID); err != nil {
		s.log.WarnContext(ctx, "team lookup failed", "user_id", user.ID.String(), "error", err)
	} else if team != nil {
		user.TeamID = team
	}
}

func (s *Service) organizationExists(ctx context.Context, orgID uuid.UUID) bool {
	ok, err := s.directory.OrganizationExists(ctx, orgID)
	if err != nil {
		s.log.WarnContext(ctx, "organization lookup failed", "organization_id", orgID.String(), "error", err)
		return false
	}
	return ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// noDirectory is used when no sibling services are configured: every organization exists
// and nobody belongs to a department or team.
type noDirectory struct{}

func (noDirectory) OrganizationExists(context.Context, uuid.UUID) (bool, error) { return true, nil }
func (noDirectory) DepartmentIDForUser(context.Context, uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}
func (noDirectory) TeamIDForUser(context.Context, uuid.UUID) (*uuid.UUID, error) { return nil, nil }
