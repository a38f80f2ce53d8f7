package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrForbidden    = errors.New("auth: forbidden")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNoCredential       = errors.New("auth: no credential presented")
	ErrInvalidCredential  = errors.New("auth: invalid credential")

	// ErrInvalidToken is the parent of every access-token failure.
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenExpired     = tokenError("auth: token expired")
	ErrTokenMalformed   = tokenError("auth: token malformed")
	ErrInvalidSignature = tokenError("auth: token signature invalid")

	// ErrRefreshTokenInvalid is the only refresh failure callers ever see.
	ErrRefreshTokenInvalid  = errors.New("auth: refresh token invalid")
	ErrRefreshTokenNotFound = refreshError("auth: refresh token not found")
	ErrRefreshTokenExpired  = refreshError("auth: refresh token expired")

	ErrNoTenantContext   = errors.New("auth: no tenant context")
	ErrCrossTenantAccess = errors.New("auth: cross-tenant access denied")

	ErrDuplicateName        = errors.New("auth: name already exists")
	ErrReservedName         = errors.New("auth: name is reserved")
	ErrProvisioningConflict = errors.New("auth: organization administrator already exists")
)

type wrappedSentinel struct {
	msg    string
	parent error
}

func (e *wrappedSentinel) Error() string { return e.msg }
func (e *wrappedSentinel) Unwrap() error { return e.parent }

func tokenError(msg string) error {
	return &wrappedSentinel{msg: msg, parent: ErrInvalidToken}
}

func refreshError(msg string) error {
	return &wrappedSentinel{msg: msg, parent: ErrRefreshTokenInvalid}
}
