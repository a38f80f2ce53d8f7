package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hsurvey.org/identity/internal/obs"
)

const defaultAccessTTL = 15 * time.Minute

// Identity is everything an access token is minted from.
type Identity struct {
	Subject        string
	UserID         *uuid.UUID
	OrganizationID *uuid.UUID
	DepartmentID   *uuid.UUID
	TeamID         *uuid.UUID
	Authorities    []string
}

// AccessToken is a signed token together with its validity window.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService issues and parses access tokens.
type TokenService struct {
	codec *Codec
	ttl   time.Duration
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// NewTokenService constructs a TokenService around a codec.
func NewTokenService(codec *Codec, opts ...TokenOption) (*TokenService, error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidInput)
	}
	s := &TokenService{codec: codec, ttl: defaultAccessTTL}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the fixed access token lifetime.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue mints an access token. Absent optional fields are left out of the payload.
func (s *TokenService) Issue(id Identity) (AccessToken, error) {
	subject := strings.TrimSpace(id.Subject)
	if subject == "" {
		return AccessToken{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := s.codec.Now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		Authorities:    append([]string(nil), id.Authorities...),
		UserID:         uuidString(id.UserID),
		OrganizationID: uuidString(id.OrganizationID),
		DepartmentID:   uuidString(id.DepartmentID),
		TeamID:         uuidString(id.TeamID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.codec.Encode(claims)
	if err != nil {
		return AccessToken{}, err
	}
	obs.TokensIssued.Inc()
	return AccessToken{Token: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// Parse verifies a token and returns its claims.
func (s *TokenService) Parse(token string) (*Claims, error) {
	return s.codec.Decode(token)
}
