// Package tenant derives the CallerContext of a request from its credentials.
package tenant

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

// Trust modes selectable from configuration.
const (
	ModeToken  = "token"
	ModeHeader = "header"
)

// Gateway headers consumed in header-trust mode.
const (
	HeaderAuthenticated  = "X-Authenticated"
	HeaderUsername       = "X-Username"
	HeaderUserID         = "X-User-Id"
	HeaderOrganizationID = "X-Organization-Id"
	HeaderDepartmentID   = "X-Department-Id"
	HeaderTeamID         = "X-Team-Id"
	HeaderAuthorities    = "X-Authorities"
)

// Credentials is what a request presented. Token is the raw access token, if any.
type Credentials struct {
	Token   string
	Headers http.Header
}

// Resolver turns credentials into a CallerContext.
// Failures wrap auth.ErrNoCredential or auth.ErrInvalidCredential.
type Resolver interface {
	Resolve(ctx context.Context, c Credentials) (auth.CallerContext, error)
}

// New returns the resolver for the configured trust mode.
func New(mode string, tokens *auth.TokenService) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeToken:
		if tokens == nil {
			return nil, fmt.Errorf("%w: token mode requires a token service", auth.ErrInvalidInput)
		}
		return &TokenResolver{tokens: tokens}, nil
	case ModeHeader:
		return HeaderResolver{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", auth.ErrInvalidInput, mode)
	}
}

// TokenResolver verifies a signed access token.
type TokenResolver struct {
	tokens *auth.TokenService
}

// NewTokenResolver builds a token-trust resolver.
func NewTokenResolver(tokens *auth.TokenService) *TokenResolver {
	return &TokenResolver{tokens: tokens}
}

func (r *TokenResolver) Resolve(_ context.Context, c Credentials) (auth.CallerContext, error) {
	if strings.TrimSpace(c.Token) == "" {
		return auth.CallerContext{}, auth.ErrNoCredential
	}
	claims, err := r.tokens.Parse(c.Token)
	if err != nil {
		return auth.CallerContext{}, fmt.Errorf("%w: %w", auth.ErrInvalidCredential, err)
	}
	return claims.Caller(), nil
}

// HeaderResolver trusts identity headers set by an upstream gateway. It performs no
// signature check: the service must only be reachable through that gateway, which has to
// strip these headers from client requests.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(_ context.Context, c Credentials) (auth.CallerContext, error) {
	h := c.Headers
	if h == nil || h.Get(HeaderAuthenticated) != "true" {
		return auth.CallerContext{}, auth.ErrNoCredential
	}
	username := strings.TrimSpace(h.Get(HeaderUsername))
	if username == "" {
		return auth.CallerContext{}, fmt.Errorf("%w: %s missing", auth.ErrInvalidCredential, HeaderUsername)
	}
	var ids [4]*uuid.UUID
	for i, name := range []string{HeaderUserID, HeaderOrganizationID, HeaderDepartmentID, HeaderTeamID} {
		id, err := optionalHeaderUUID(h, name)
		if err != nil {
			return auth.CallerContext{}, err
		}
		ids[i] = id
	}
	return auth.NewCallerContext(username, ids[0], ids[1], ids[2], ids[3],
		auth.ParseAuthorities(h.Get(HeaderAuthorities))), nil
}

func optionalHeaderUUID(h http.Header, name string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a uuid", auth.ErrInvalidCredential, name)
	}
	return &id, nil
}
