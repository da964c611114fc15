package auth

import "errors"

var (
	// Verifier failures. Expired and invalid both surface to callers as 401;
	// the distinction exists for logs and metrics only.
	ErrMissingCredential      = errors.New("auth: missing credential")
	ErrInvalidFormat          = errors.New("auth: malformed credential")
	ErrInvalidCredential      = errors.New("auth: invalid credential")
	ErrCredentialExpired      = errors.New("auth: credential expired")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrRateLimited            = errors.New("auth: token rate limit exceeded")

	// Gate failures.
	ErrUnauthenticated = errors.New("auth: authentication required")
	ErrForbidden       = errors.New("auth: admin privileges required")

	// Store failures.
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
