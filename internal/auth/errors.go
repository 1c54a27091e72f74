package auth

import "errors"

// Sentinel errors surfaced by token parsing and role checks.
var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
)
