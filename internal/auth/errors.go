// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"

	"github.com/holomush/gatekeeper/internal/pool"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUsername is returned when a credential with the same
	// normalized username already exists.
	ErrDuplicateUsername = errors.New("username already taken")

	// ErrInvalidCredentials is returned by Login for an unknown username and
	// for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUnauthorized is returned when a bearer token is rejected for any reason.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTooManyAttempts is returned when a username has exceeded its login
	// attempts for the current window.
	ErrTooManyAttempts = errors.New("too many login attempts")

	// ErrServiceUnavailable is returned when the credential store could not be
	// reached after retrying.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Reasons a token is rejected. Each is wrapped in a *TokenError.
var (
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenInvalidSignature = errors.New("token signature invalid")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenRevoked          = errors.New("token revoked")
)

// TokenError is returned by TokenService.Verify. Reason is one of the
// ErrToken* sentinels; Err is the underlying decoder error, if any.
type TokenError struct {
	Reason error
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return e.Reason.Error() + ": " + e.Err.Error()
	}
	return e.Reason.Error()
}

func (e *TokenError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// IsTransient reports whether err is an infrastructure failure that may
// succeed on retry: lost connectivity or an exhausted pool.
func IsTransient(err error) bool {
	return errors.Is(err, pool.ErrConnectivity) || errors.Is(err, pool.ErrPoolExhausted)
}
