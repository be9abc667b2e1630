package auth

import "errors"

var (
	// ErrTokenExpired means the token was well formed and correctly
	// signed but its expiry has passed.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenMalformed covers structural damage, unknown claims and
	// signature mismatches. Deliberately indistinct so callers cannot
	// probe which part failed.
	ErrTokenMalformed = errors.New("auth: token malformed")

	ErrNotFound           = errors.New("auth: user not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)
