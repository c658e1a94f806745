// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/auth/mocks"
)

func newLoggingService(t *testing.T) (*auth.Service, *mocks.MockCredentialRepository, *mocks.MockPasswordHasher, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	clock := newFakeClock()
	repo := mocks.NewMockCredentialRepository(t)
	hasher := mocks.NewMockPasswordHasher(t)
	tokens, _ := newTestTokenService(t, testTokenConfig(), clock)
	limiter := newTestLimiter(t, 5, time.Minute, clock)

	expectDummyHash(hasher)
	svc, err := auth.NewService(repo, hasher, tokens, limiter,
		auth.WithLogger(logger), auth.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	return svc, repo, hasher, &buf
}

func TestService_LoginLogsNoSecrets(t *testing.T) {
	svc, repo, hasher, buf := newLoggingService(t)
	cred := testCredential()

	repo.On("FindByUsername", mock.Anything, "alice").Return(cred, nil)
	hasher.On("Verify", "hunter22", storedHash).Return(true, nil)
	hasher.On("NeedsUpgrade", storedHash).Return(false)

	tok, err := svc.Login(context.Background(), "alice", "hunter22")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "login succeeded")
	assert.Contains(t, out, cred.ID.String())
	assert.NotContains(t, out, "hunter22")
	assert.NotContains(t, out, storedHash)
	assert.NotContains(t, out, tok.Encoded)
}

func TestService_RegisterLogRedactsHash(t *testing.T) {
	svc, repo, hasher, buf := newLoggingService(t)

	hasher.On("Hash", "hunter22").Return(storedHash, nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*auth.Credential")).Return(nil)

	_, err := svc.Register(context.Background(), "alice", "hunter22")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "registered credential")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, storedHash)
}

func TestService_StoreFailureIsLogged(t *testing.T) {
	svc, repo, _, buf := newLoggingService(t)

	repo.On("FindByUsername", mock.Anything, "alice").Return(nil, connectivityLost()).Times(2)

	_, err := svc.Login(context.Background(), "alice", "hunter22")
	require.True(t, errors.Is(err, auth.ErrServiceUnavailable))

	out := buf.String()
	assert.Contains(t, out, "transient store failure")
	assert.Contains(t, out, "auth store operation failed")
	assert.Contains(t, out, "QUERY_CONNECTIVITY")
	assert.NotContains(t, out, "hunter22")
}
