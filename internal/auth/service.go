// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Retry defaults for transient credential store failures.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = time.Second
)

// Identity is the authenticated caller behind a verified token.
type Identity struct {
	UserID    ulid.ULID
	TokenID   ulid.ULID
	ExpiresAt time.Time
}

// Service composes credential storage, password hashing, tokens and
// attempt limiting into the login and request authentication flows.
type Service struct {
	credentials CredentialRepository
	hasher      PasswordHasher
	tokens      *TokenService
	limiter     *AttemptLimiter
	logger      *slog.Logger
	maxRetries  uint64
	retryBase   time.Duration

	// dummyHash is verified against when a username is unknown, so both
	// failure paths pay the configured work factor.
	dummyHash string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRetry sets how often and how quickly transient store failures are retried.
func WithRetry(maxRetries uint64, baseDelay time.Duration) ServiceOption {
	return func(s *Service) {
		s.maxRetries = maxRetries
		s.retryBase = baseDelay
	}
}

// NewService creates a Service.
func NewService(credentials CredentialRepository, hasher PasswordHasher, tokens *TokenService, limiter *AttemptLimiter, opts ...ServiceOption) (*Service, error) {
	if credentials == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("credentials repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("token service is required")
	}
	if limiter == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("attempt limiter is required")
	}
	s := &Service{
		credentials: credentials,
		hasher:      hasher,
		tokens:      tokens,
		limiter:     limiter,
		logger:      slog.Default(),
		maxRetries:  DefaultMaxRetries,
		retryBase:   DefaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("logger is required")
	}
	if s.retryBase <= 0 {
		return nil, oops.Code("AUTH_INVALID_SERVICE").Errorf("retry base delay must be positive")
	}
	dummy, err := hasher.Hash(rand.Text())
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_SERVICE").With("operation", "hash dummy password").Wrap(err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Login checks username and password and issues a session token.
// Unknown usernames and wrong passwords both yield ErrInvalidCredentials,
// and both cost one password verification.
func (s *Service) Login(ctx context.Context, username, password string) (*SessionToken, error) {
	name := NormalizeUsername(username)

	if retryAfter, ok := s.limiter.Allow(name); !ok {
		RecordLoginAttempt(LoginResultRateLimited)
		return nil, oops.Code("AUTH_TOO_MANY_ATTEMPTS").
			With("retry_after", retryAfter.Round(time.Second).String()).
			Public("too many login attempts").
			Wrap(ErrTooManyAttempts)
	}

	cred, lookupErr := s.findByUsername(ctx, name)

	var targetHash string
	var exists bool
	switch {
	case lookupErr == nil:
		targetHash = cred.PasswordHash
		exists = true
	case errors.Is(lookupErr, ErrNotFound):
		targetHash = s.dummyHash
	default:
		RecordLoginAttempt(LoginResultError)
		return nil, s.unavailable("find credential", lookupErr)
	}

	// Always verify password (constant-time operation for timing attack prevention)
	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil && exists {
		// A stored hash we cannot parse; the caller still sees invalid credentials.
		errutil.LogError(s.logger, "stored password hash unreadable", oops.With("user_id", cred.ID.String()).Wrap(verifyErr))
	}
	if !exists || !valid || verifyErr != nil {
		RecordLoginAttempt(LoginResultInvalid)
		return nil, invalidCredentials()
	}

	s.limiter.Reset(name)

	if s.hasher.NeedsUpgrade(cred.PasswordHash) {
		s.upgradeHash(ctx, cred, password)
	}

	tok, err := s.tokens.Issue(cred.ID)
	if err != nil {
		RecordLoginAttempt(LoginResultError)
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}

	RecordLoginAttempt(LoginResultSuccess)
	s.logger.Info("login succeeded", "user_id", cred.ID.String(), "token_id", tok.TokenID.String())
	return tok, nil
}

// upgradeHash re-hashes password with the current work factor. Failures are
// logged; the login still succeeds.
func (s *Service) upgradeHash(ctx context.Context, cred *Credential, password string) {
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("rehashing password failed", "user_id", cred.ID.String(), "error", err)
		return
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.credentials.UpdatePasswordHash(ctx, cred.ID, newHash)
	})
	if err != nil {
		s.logger.Warn("storing upgraded password hash failed", "user_id", cred.ID.String(), "error", err)
		return
	}
	s.logger.Info("upgraded password hash", "user_id", cred.ID.String())
}

// Authenticate verifies a bearer token and returns the caller's identity.
// Every token rejection is reported as ErrUnauthorized without the reason.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	claims, err := s.verify(ctx, bearer)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.Subject, TokenID: claims.TokenID, ExpiresAt: claims.ExpiresAt}, nil
}

// Logout revokes the bearer token. Logging out with a token that is already
// expired or revoked succeeds without doing anything.
func (s *Service) Logout(ctx context.Context, bearer string) error {
	var claims *Claims
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var verr error
		claims, verr = s.tokens.Verify(ctx, stripBearer(bearer))
		return verr
	})
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenRevoked) {
			return nil
		}
		return s.tokenFailure(err)
	}

	if err := s.revoke(ctx, claims); err != nil {
		return err
	}
	s.logger.Info("logged out", "user_id", claims.Subject.String(), "token_id", claims.TokenID.String())
	return nil
}

// Refresh exchanges a valid token for a new one and revokes the old token.
// The credential must still exist.
func (s *Service) Refresh(ctx context.Context, bearer string) (*SessionToken, error) {
	claims, err := s.verify(ctx, bearer)
	if err != nil {
		return nil, err
	}

	if _, err := s.findByID(ctx, claims.Subject); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, unauthorized()
		}
		return nil, s.unavailable("find credential", err)
	}

	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}

	tok, err := s.tokens.Issue(claims.Subject)
	if err != nil {
		return nil, oops.Code("AUTH_REFRESH_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}
	return tok, nil
}

// Register creates a credential for username with password.
func (s *Service) Register(ctx context.Context, username, password string) (*Credential, error) {
	name := NormalizeUsername(username)
	if err := ValidateUsername(name); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	cred, err := NewCredential(name, hash)
	if err != nil {
		return nil, err
	}

	// Create is not retried: a lost reply would turn a success into a duplicate.
	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			return nil, oops.Code("AUTH_DUPLICATE_USERNAME").
				With("username", name).
				Public("username already taken").
				Wrap(ErrDuplicateUsername)
		}
		return nil, s.unavailable("create credential", err)
	}

	s.logger.Info("registered credential", "credential", cred)
	return cred, nil
}

// ChangePassword replaces the password of userID after checking the
// current one. Attempts count against the same limit as Login.
func (s *Service) ChangePassword(ctx context.Context, userID ulid.ULID, current, next string) error {
	cred, err := s.findByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CREDENTIAL_NOT_FOUND").With("user_id", userID.String()).Wrap(ErrNotFound)
		}
		return s.unavailable("find credential", err)
	}

	if _, ok := s.limiter.Allow(cred.Username); !ok {
		return oops.Code("AUTH_TOO_MANY_ATTEMPTS").Public("too many login attempts").Wrap(ErrTooManyAttempts)
	}
	valid, err := s.hasher.Verify(current, cred.PasswordHash)
	if err != nil || !valid {
		return invalidCredentials()
	}
	s.limiter.Reset(cred.Username)

	return s.setHash(ctx, cred, next)
}

// SetPassword replaces the password for username without checking the old
// one. It is meant for administrative resets.
func (s *Service) SetPassword(ctx context.Context, username, password string) error {
	name := NormalizeUsername(username)
	cred, err := s.findByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CREDENTIAL_NOT_FOUND").With("username", name).Wrap(ErrNotFound)
		}
		return s.unavailable("find credential", err)
	}
	return s.setHash(ctx, cred, password)
}

func (s *Service) setHash(ctx context.Context, cred *Credential, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.credentials.UpdatePasswordHash(ctx, cred.ID, hash)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CREDENTIAL_NOT_FOUND").With("user_id", cred.ID.String()).Wrap(ErrNotFound)
		}
		return s.unavailable("update password hash", err)
	}
	s.logger.Info("password changed", "user_id", cred.ID.String())
	return nil
}

// DeleteAccount removes the credential for username. Tokens already issued
// to it stop refreshing but stay valid until they expire or are revoked.
func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	name := NormalizeUsername(username)
	cred, err := s.findByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CREDENTIAL_NOT_FOUND").With("username", name).Wrap(ErrNotFound)
		}
		return s.unavailable("find credential", err)
	}
	if err := s.credentials.Delete(ctx, cred.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CREDENTIAL_NOT_FOUND").With("username", name).Wrap(ErrNotFound)
		}
		return s.unavailable("delete credential", err)
	}
	s.limiter.Reset(name)
	s.logger.Info("deleted credential", "user_id", cred.ID.String())
	return nil
}

func (s *Service) verify(ctx context.Context, bearer string) (*Claims, error) {
	var claims *Claims
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var verr error
		claims, verr = s.tokens.Verify(ctx, stripBearer(bearer))
		return verr
	})
	if err != nil {
		return nil, s.tokenFailure(err)
	}
	return claims, nil
}

func (s *Service) revoke(ctx context.Context, claims *Claims) error {
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.tokens.Revoke(ctx, claims.TokenID, claims.ExpiresAt)
	})
	if err != nil {
		return s.unavailable("revoke token", err)
	}
	return nil
}

// tokenFailure collapses token rejections into ErrUnauthorized and
// everything else into ErrServiceUnavailable.
func (s *Service) tokenFailure(err error) error {
	var te *TokenError
	if errors.As(err, &te) {
		s.logger.Debug("token rejected", "reason", te.Reason.Error())
		return unauthorized()
	}
	return s.unavailable("verify token", err)
}

func (s *Service) findByUsername(ctx context.Context, name string) (*Credential, error) {
	var cred *Credential
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		cred, ferr = s.credentials.FindByUsername(ctx, name)
		return ferr
	})
	return cred, err
}

func (s *Service) findByID(ctx context.Context, id ulid.ULID) (*Credential, error) {
	var cred *Credential
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		cred, ferr = s.credentials.FindByID(ctx, id)
		return ferr
	})
	return cred, err
}

// withRetry runs fn, retrying transient failures with capped exponential
// backoff. Only reads and idempotent writes go through here.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(s.maxRetries,
		retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(s.retryBase)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			s.logger.Debug("transient store failure", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// unavailable logs the store failure and hides it behind
// ErrServiceUnavailable so callers never see storage details.
func (s *Service) unavailable(operation string, err error) error {
	errutil.LogError(s.logger, "auth store operation failed", oops.With("operation", operation).Wrap(err))
	return oops.Code("AUTH_SERVICE_UNAVAILABLE").
		With("operation", operation).
		Public("service unavailable").
		Wrap(ErrServiceUnavailable)
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").
		Public("invalid username or password").
		Wrap(ErrInvalidCredentials)
}

func unauthorized() error {
	return oops.Code("AUTH_UNAUTHORIZED").Public("unauthorized").Wrap(ErrUnauthorized)
}

func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
