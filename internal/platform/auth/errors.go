package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when a login attempt fails.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenRevoked is returned when a presented token's jti is not in
	// the active set.
	ErrTokenRevoked = errors.New("token revoked or invalid")

	// ErrScopeDenied is returned when a token lacks the scope required
	// for an operation.
	ErrScopeDenied = errors.New("insufficient scope")
)
