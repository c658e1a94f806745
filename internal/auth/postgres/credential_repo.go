// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements the auth repositories on PostgreSQL through
// the query executor.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
)

const credentialColumns = `id, username, password_hash, created_at, updated_at`

var (
	findCredentialByUsername = query.MustPrepare("find_credential_by_username",
		`SELECT `+credentialColumns+` FROM credentials WHERE username = $1`,
		query.Param{Name: "username", Type: query.Text},
	)

	findCredentialByID = query.MustPrepare("find_credential_by_id",
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`,
		query.Param{Name: "id", Type: query.ULID},
	)

	insertCredential = query.MustPrepare("insert_credential",
		`INSERT INTO credentials (`+credentialColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		query.Param{Name: "id", Type: query.ULID},
		query.Param{Name: "username", Type: query.Text},
		query.Param{Name: "password_hash", Type: query.Text},
		query.Param{Name: "created_at", Type: query.Timestamp},
		query.Param{Name: "updated_at", Type: query.Timestamp},
	)

	updateCredentialPasswordHash = query.MustPrepare("update_credential_password_hash",
		`UPDATE credentials SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		query.Param{Name: "id", Type: query.ULID},
		query.Param{Name: "password_hash", Type: query.Text},
		query.Param{Name: "updated_at", Type: query.Timestamp},
	)

	deleteCredential = query.MustPrepare("delete_credential",
		`DELETE FROM credentials WHERE id = $1`,
		query.Param{Name: "id", Type: query.ULID},
	)
)

// CredentialRepository implements auth.CredentialRepository using PostgreSQL.
type CredentialRepository struct {
	exec *query.Executor
	now  auth.Clock
}

// NewCredentialRepository creates a new CredentialRepository.
func NewCredentialRepository(exec *query.Executor) *CredentialRepository {
	return &CredentialRepository{exec: exec, now: time.Now}
}

// FindByUsername retrieves a credential by normalized username.
func (r *CredentialRepository) FindByUsername(ctx context.Context, username string) (*auth.Credential, error) {
	username = auth.NormalizeUsername(username)
	var cred *auth.Credential
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		var err error
		cred, err = r.scanOne(ctx, h, findCredentialByUsername, query.Args{"username": username})
		return err
	})
	if errors.Is(err, query.ErrNoRows) {
		return nil, oops.Code("CREDENTIAL_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("CREDENTIAL_FIND_FAILED").
			With("operation", "find credential by username").
			With("username", username).
			Wrap(err)
	}
	return cred, nil
}

// FindByID retrieves a credential by ID.
func (r *CredentialRepository) FindByID(ctx context.Context, id ulid.ULID) (*auth.Credential, error) {
	var cred *auth.Credential
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		var err error
		cred, err = r.scanOne(ctx, h, findCredentialByID, query.Args{"id": id})
		return err
	})
	if errors.Is(err, query.ErrNoRows) {
		return nil, oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("CREDENTIAL_FIND_FAILED").
			With("operation", "find credential by id").
			With("id", id.String()).
			Wrap(err)
	}
	return cred, nil
}

// Create stores a new credential.
func (r *CredentialRepository) Create(ctx context.Context, cred *auth.Credential) error {
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		_, err := r.exec.Exec(ctx, h, insertCredential, query.Args{
			"id":            cred.ID,
			"username":      cred.Username,
			"password_hash": cred.PasswordHash,
			"created_at":    cred.CreatedAt,
			"updated_at":    cred.UpdatedAt,
		})
		return err
	})
	if query.IsUniqueViolation(err) {
		return oops.Code("CREDENTIAL_DUPLICATE_USERNAME").
			With("username", cred.Username).
			Wrap(auth.ErrDuplicateUsername)
	}
	if err != nil {
		return oops.Code("CREDENTIAL_CREATE_FAILED").
			With("operation", "insert credential").
			With("username", cred.Username).
			Wrap(err)
	}
	return nil
}

// UpdatePasswordHash replaces the password hash for id and bumps updated_at.
func (r *CredentialRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, passwordHash string) error {
	var affected int64
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		var err error
		affected, err = r.exec.Exec(ctx, h, updateCredentialPasswordHash, query.Args{
			"id":            id,
			"password_hash": passwordHash,
			"updated_at":    r.now(),
		})
		return err
	})
	if err != nil {
		return oops.Code("CREDENTIAL_UPDATE_FAILED").
			With("operation", "update password hash").
			With("id", id.String()).
			Wrap(err)
	}
	if affected == 0 {
		return oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a credential.
func (r *CredentialRepository) Delete(ctx context.Context, id ulid.ULID) error {
	var affected int64
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		var err error
		affected, err = r.exec.Exec(ctx, h, deleteCredential, query.Args{"id": id})
		return err
	})
	if err != nil {
		return oops.Code("CREDENTIAL_DELETE_FAILED").
			With("operation", "delete credential").
			With("id", id.String()).
			Wrap(err)
	}
	if affected == 0 {
		return oops.Code("CREDENTIAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanOne runs stmt and scans its single row into a Credential.
// Callers are responsible for handling query.ErrNoRows.
func (r *CredentialRepository) scanOne(ctx context.Context, h *pool.Handle, stmt query.Statement, args query.Args) (*auth.Credential, error) {
	var (
		idStr     string
		cred      auth.Credential
		createdAt time.Time
		updatedAt time.Time
	)
	err := r.exec.QueryRow(ctx, h, stmt, args, &idStr, &cred.Username, &cred.PasswordHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("CREDENTIAL_INVALID_ID").
			With("operation", "parse credential id").
			With("id", idStr).
			Wrap(err)
	}
	cred.ID = id
	cred.CreatedAt = createdAt.UTC()
	cred.UpdatedAt = updatedAt.UTC()
	return &cred, nil
}
