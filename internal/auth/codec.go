package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the minimum HS256 key size accepted by the codec.
const MinSecretLength = 32

// Claims is the access-token payload. Optional tenant fields are omitted when absent.
type Claims struct {
	Authorities    []string `json:"authorities"`
	UserID         string   `json:"userId,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	DepartmentID   string   `json:"departmentId,omitempty"`
	TeamID         string   `json:"teamId,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id claim if present.
func (c *Claims) User() (uuid.UUID, bool) { return optionalUUID(c.UserID) }

// Organization returns the organization id claim if present.
func (c *Claims) Organization() (uuid.UUID, bool) { return optionalUUID(c.OrganizationID) }

// Department returns the department id claim if present.
func (c *Claims) Department() (uuid.UUID, bool) { return optionalUUID(c.DepartmentID) }

// Team returns the team id claim if present.
func (c *Claims) Team() (uuid.UUID, bool) { return optionalUUID(c.TeamID) }

// Caller maps verified claims to a CallerContext.
func (c *Claims) Caller() CallerContext {
	return NewCallerContext(c.Subject,
		uuidPtr(c.User()),
		uuidPtr(c.Organization()),
		uuidPtr(c.Department()),
		uuidPtr(c.Team()),
		c.Authorities,
	)
}

// SigningConfig is loaded once at startup and never mutated.
type SigningConfig struct {
	Secret []byte
	Leeway time.Duration
}

// Codec signs and verifies HS256 access tokens.
type Codec struct {
	key    []byte
	leeway time.Duration
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec) error

// WithCodecClock overrides the time source used to stamp and validate tokens.
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec copies the signing configuration into an immutable codec.
func NewCodec(cfg SigningConfig, opts ...CodecOption) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", MinSecretLength)
	}
	key := make([]byte, len(cfg.Secret))
	copy(key, cfg.Secret)
	c := &Codec{key: key, leeway: cfg.Leeway, now: time.Now}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time { return c.now() }

// Encode signs the claims. A nil authority list is encoded as an empty array.
func (c *Codec) Encode(claims Claims) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if claims.Authorities == nil {
		claims.Authorities = []string{}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies signature and expiry and returns the claims.
func (c *Codec) Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	for name, raw := range map[string]string{
		"userId":         claims.UserID,
		"organizationId": claims.OrganizationID,
		"departmentId":   claims.DepartmentID,
		"teamId":         claims.TeamID,
	} {
		if raw == "" {
			continue
		}
		if _, err := uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("%w: %s is not a uuid", ErrTokenMalformed, name)
		}
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

func optionalUUID(raw string) (uuid.UUID, bool) {
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func uuidPtr(id uuid.UUID, ok bool) *uuid.UUID {
	if !ok {
		return nil
	}
	return &id
}

func uuidString(id *uuid.UUID) string {
	if id == nil || *id == uuid.Nil {
		return ""
	}
	return id.String()
}
