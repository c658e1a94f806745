// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Compile-time interface checks.
var (
	_ auth.CredentialRepository = (*CredentialRepository)(nil)
	_ auth.RevocationList       = (*RevocationRepository)(nil)
)

func newMockExecutor(t *testing.T) (*query.Executor, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err, "failed to create mock")

	p, err := pool.New(pool.Config{MaxSize: 1}, func(context.Context) (pool.Conn, error) {
		return mock, nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	exec, err := query.New(p)
	require.NoError(t, err)
	return exec, mock
}

func sqlOf(s query.Statement) string {
	return regexp.QuoteMeta(s.SQL)
}

var credentialRowColumns = []string{"id", "username", "password_hash", "created_at", "updated_at"}

func TestCredentialRepository_FindByUsername(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("normalizes and scans", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)
		id := ulid.Make()

		mock.ExpectQuery(sqlOf(findCredentialByUsername)).
			WithArgs("alice").
			WillReturnRows(pgxmock.NewRows(credentialRowColumns).
				AddRow(id.String(), "alice", "$argon2id$hash", created, created))

		cred, err := repo.FindByUsername(ctx, "  Alice ")
		require.NoError(t, err)
		assert.Equal(t, id, cred.ID)
		assert.Equal(t, "alice", cred.Username)
		assert.Equal(t, "$argon2id$hash", cred.PasswordHash)
		assert.True(t, created.Equal(cred.CreatedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectQuery(sqlOf(findCredentialByUsername)).
			WithArgs("nobody").
			WillReturnRows(pgxmock.NewRows(credentialRowColumns))

		_, err := repo.FindByUsername(ctx, "nobody")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
		errutil.AssertErrorCode(t, err, "CREDENTIAL_NOT_FOUND")
	})

	t.Run("corrupt id", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectQuery(sqlOf(findCredentialByUsername)).
			WithArgs("alice").
			WillReturnRows(pgxmock.NewRows(credentialRowColumns).
				AddRow("not-a-ulid", "alice", "$argon2id$hash", created, created))

		_, err := repo.FindByUsername(ctx, "alice")
		errutil.AssertErrorCode(t, err, "CREDENTIAL_INVALID_ID")
	})

	t.Run("connectivity failure is transient", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectQuery(sqlOf(findCredentialByUsername)).
			WithArgs("alice").
			WillReturnError(&pgconn.PgError{Code: pgerrcode.AdminShutdown})

		_, err := repo.FindByUsername(ctx, "alice")
		require.Error(t, err)
		assert.True(t, auth.IsTransient(err))
	})
}

func TestCredentialRepository_FindByID(t *testing.T) {
	ctx := context.Background()
	exec, mock := newMockExecutor(t)
	repo := NewCredentialRepository(exec)
	id := ulid.Make()

	mock.ExpectQuery(sqlOf(findCredentialByID)).
		WithArgs(id.String()).
		WillReturnRows(pgxmock.NewRows(credentialRowColumns))

	_, err := repo.FindByID(ctx, id)
	assert.True(t, errors.Is(err, auth.ErrNotFound))
	errutil.AssertErrorContext(t, err, "id", id.String())
}

func TestCredentialRepository_Create(t *testing.T) {
	ctx := context.Background()
	cred, err := auth.NewCredential("alice", "$argon2id$hash")
	require.NoError(t, err)

	t.Run("inserts", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(insertCredential)).
			WithArgs(cred.ID.String(), "alice", "$argon2id$hash", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(ctx, cred))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate username", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(insertCredential)).
			WithArgs(cred.ID.String(), "alice", "$argon2id$hash", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "credentials_username_key"})

		err := repo.Create(ctx, cred)
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrDuplicateUsername))
		errutil.AssertErrorCode(t, err, "CREDENTIAL_DUPLICATE_USERNAME")
	})

	t.Run("other failure", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(insertCredential)).
			WithArgs(cred.ID.String(), "alice", "$argon2id$hash", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgerrcode.CheckViolation})

		err := repo.Create(ctx, cred)
		require.Error(t, err)
		assert.False(t, errors.Is(err, auth.ErrDuplicateUsername))
		errutil.AssertErrorContext(t, err, "operation", "insert credential")
	})
}

func TestCredentialRepository_UpdatePasswordHash(t *testing.T) {
	ctx := context.Background()
	id := ulid.Make()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("updates hash and timestamp", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)
		repo.now = func() time.Time { return now }

		mock.ExpectExec(sqlOf(updateCredentialPasswordHash)).
			WithArgs(id.String(), "$argon2id$new", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.UpdatePasswordHash(ctx, id, "$argon2id$new"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(updateCredentialPasswordHash)).
			WithArgs(id.String(), "$argon2id$new", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdatePasswordHash(ctx, id, "$argon2id$new")
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})
}

func TestCredentialRepository_Delete(t *testing.T) {
	ctx := context.Background()
	id := ulid.Make()

	t.Run("deletes", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(deleteCredential)).
			WithArgs(id.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, repo.Delete(ctx, id))
	})

	t.Run("missing row", func(t *testing.T) {
		exec, mock := newMockExecutor(t)
		repo := NewCredentialRepository(exec)

		mock.ExpectExec(sqlOf(deleteCredential)).
			WithArgs(id.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		err := repo.Delete(ctx, id)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
		errutil.AssertErrorCode(t, err, "CREDENTIAL_NOT_FOUND")
	})
}
