// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Credential is a stored username and password hash identifying an account.
// ID never changes once the credential is created.
type Credential struct {
	ID           ulid.ULID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCredential creates a validated Credential with a fresh ID. The
// username is normalized before validation.
func NewCredential(username, passwordHash string) (*Credential, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("CREDENTIAL_INVALID_HASH").Errorf("password hash cannot be empty")
	}
	now := time.Now().UTC()
	return &Credential{
		ID:           ulid.Make(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// LogValue implements slog.LogValuer. The password hash is never logged.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID.String()),
		slog.String("username", c.Username),
		slog.String("password_hash", "[REDACTED]"),
	)
}

// NormalizeUsername trims surrounding whitespace and lower-cases name.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateUsername validates a username against rules.
// Username requirements:
// - Length: MinUsernameLength to MaxUsernameLength characters
// - Must start with a letter
// - Can contain only letters (a-z, A-Z), numbers (0-9), and underscores (_)
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username must start with a letter and contain only letters, numbers, and underscores")
	}
	return nil
}

// CredentialRepository manages credential persistence. It is the only
// component that reads or writes password hashes.
type CredentialRepository interface {
	// FindByUsername retrieves a credential by normalized username.
	// Returns ErrNotFound if there is none.
	FindByUsername(ctx context.Context, username string) (*Credential, error)

	// FindByID retrieves a credential by ID. Returns ErrNotFound if there is none.
	FindByID(ctx context.Context, id ulid.ULID) (*Credential, error)

	// Create stores a new credential. Returns ErrDuplicateUsername when the
	// username is taken.
	Create(ctx context.Context, cred *Credential) error

	// UpdatePasswordHash replaces the hash for id and bumps UpdatedAt in a
	// single-row update. Returns ErrNotFound if there is no such credential.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error

	// Delete removes a credential. Returns ErrNotFound if there is none.
	Delete(ctx context.Context, id ulid.ULID) error
}
