// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token configuration bounds.
const (
	DefaultTokenTTL       = time.Hour
	DefaultTokenClockSkew = 30 * time.Second
	MinSigningKeyLength   = 32
)

// Clock returns the current time.
type Clock func() time.Time

// SigningKey is an HMAC secret identified by the token header's kid.
type SigningKey struct {
	ID     string
	Secret []byte
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	// Issuer is written to and required in the iss claim.
	Issuer string

	// TTL is the lifetime of issued tokens.
	TTL time.Duration

	// ClockSkew is how far in the future iat may lie. Expiry is not extended.
	ClockSkew time.Duration

	// CurrentKey signs new tokens.
	CurrentKey SigningKey

	// PreviousKeys still verify tokens signed before a rotation.
	PreviousKeys []SigningKey
}

// Validate checks the configuration.
func (c TokenConfig) Validate() error {
	if c.TTL < time.Second {
		return oops.Code("TOKEN_INVALID_CONFIG").Errorf("ttl must be at least one second")
	}
	if c.ClockSkew < 0 {
		return oops.Code("TOKEN_INVALID_CONFIG").Errorf("clock skew must not be negative")
	}
	seen := make(map[string]bool)
	for _, k := range append([]SigningKey{c.CurrentKey}, c.PreviousKeys...) {
		if k.ID == "" {
			return oops.Code("TOKEN_INVALID_CONFIG").Errorf("signing key id is required")
		}
		if seen[k.ID] {
			return oops.Code("TOKEN_INVALID_CONFIG").With("kid", k.ID).Errorf("duplicate signing key id")
		}
		seen[k.ID] = true
		if len(k.Secret) < MinSigningKeyLength {
			return oops.Code("TOKEN_INVALID_CONFIG").
				With("kid", k.ID).
				Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
		}
	}
	return nil
}

// SessionToken is a signed, time-bounded proof of authentication.
type SessionToken struct {
	Subject   ulid.ULID
	TokenID   ulid.ULID
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
	Encoded   string
}

// LogValue implements slog.LogValuer. The encoded token is never logged.
func (t *SessionToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("subject", t.Subject.String()),
		slog.String("token_id", t.TokenID.String()),
		slog.Time("expires_at", t.ExpiresAt),
		slog.String("kid", t.KeyID),
	)
}

// Claims are the verified contents of a token.
type Claims struct {
	Subject   ulid.ULID
	TokenID   ulid.ULID
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string
}

// TokenService issues and verifies HS256 JWT session tokens.
type TokenService struct {
	cfg         TokenConfig
	keys        map[string][]byte
	revocations RevocationList
	now         Clock
	parser      *jwt.Parser
}

// NewTokenService creates a TokenService. A nil clock uses time.Now.
func NewTokenService(cfg TokenConfig, revocations RevocationList, clock Clock) (*TokenService, error) {
	if revocations == nil {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("revocation list is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}

	keys := make(map[string][]byte, 1+len(cfg.PreviousKeys))
	keys[cfg.CurrentKey.ID] = cfg.CurrentKey.Secret
	for _, k := range cfg.PreviousKeys {
		keys[k.ID] = k.Secret
	}

	// Time and issuer claims are checked in Verify: jwt leeway would also
	// stretch exp, and the skew only applies to iat.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	return &TokenService{
		cfg:         cfg,
		keys:        keys,
		revocations: revocations,
		now:         clock,
		parser:      parser,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.cfg.TTL
}

// Issue signs a new token for subject with a fresh token ID.
func (s *TokenService) Issue(subject ulid.ULID) (*SessionToken, error) {
	if subject == (ulid.ULID{}) {
		return nil, oops.Code("TOKEN_INVALID_SUBJECT").Errorf("subject cannot be zero")
	}

	// Claims carry whole seconds; truncating keeps SessionToken equal to
	// what Verify will read back.
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.cfg.TTL)

	tokenID, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, oops.Code("TOKEN_ID_FAILED").Wrap(err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   subject.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        tokenID.String(),
	})
	tok.Header["kid"] = s.cfg.CurrentKey.ID

	encoded, err := tok.SignedString(s.cfg.CurrentKey.Secret)
	if err != nil {
		return nil, oops.Code("TOKEN_SIGN_FAILED").With("kid", s.cfg.CurrentKey.ID).Wrap(err)
	}

	TokensIssued.Inc()
	return &SessionToken{
		Subject:   subject,
		TokenID:   tokenID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		KeyID:     s.cfg.CurrentKey.ID,
		Encoded:   encoded,
	}, nil
}

var (
	errMissingKeyID = errors.New("token has no key id")
	errUnknownKeyID = errors.New("token signed with unknown key")
	errWrongIssuer  = errors.New("token issued by another issuer")
)

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errMissingKeyID
	}
	key, ok := s.keys[kid]
	if !ok {
		return nil, errUnknownKeyID
	}
	return key, nil
}

// Verify checks, in order, that the token is well formed, that its
// signature verifies under a known key, that the current time lies in
// [iat, exp) and that it has not been revoked. The clock skew only lets iat
// sit slightly in the future; exp is strict. Rejections are *TokenError; any other error is a failure to
// consult the revocation list.
func (s *TokenService) Verify(ctx context.Context, encoded string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	tok, err := s.parser.ParseWithClaims(encoded, &rc, s.keyFunc)
	if err != nil {
		return nil, s.reject(classifyJWTError(err), err)
	}

	kid, _ := tok.Header["kid"].(string)
	claims, err := claimsFrom(&rc, kid)
	if err != nil {
		return nil, s.reject(ErrTokenMalformed, err)
	}
	if s.cfg.Issuer != "" && rc.Issuer != s.cfg.Issuer {
		return nil, s.reject(ErrTokenMalformed, errWrongIssuer)
	}
	now := s.now()
	if claims.IssuedAt.After(now.Add(s.cfg.ClockSkew)) {
		return nil, s.reject(ErrTokenExpired, jwt.ErrTokenUsedBeforeIssued)
	}
	if !now.Before(claims.ExpiresAt) {
		return nil, s.reject(ErrTokenExpired, jwt.ErrTokenExpired)
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		RecordTokenVerification(TokenResultError)
		return nil, oops.Code("TOKEN_REVOCATION_CHECK_FAILED").
			With("token_id", claims.TokenID.String()).
			Wrap(err)
	}
	if revoked {
		return nil, s.reject(ErrTokenRevoked, nil)
	}

	RecordTokenVerification(TokenResultValid)
	return claims, nil
}

// Revoke records tokenID as revoked until expiresAt. Revoking a token that
// can no longer verify is a no-op.
func (s *TokenService) Revoke(ctx context.Context, tokenID ulid.ULID, expiresAt time.Time) error {
	if !expiresAt.After(s.now()) {
		return nil
	}
	entry := RevocationEntry{TokenID: tokenID, ExpiresAt: expiresAt}
	if err := s.revocations.Revoke(ctx, entry); err != nil {
		return oops.Code("TOKEN_REVOKE_FAILED").With("token_id", tokenID.String()).Wrap(err)
	}
	TokensRevoked.Inc()
	return nil
}

func (s *TokenService) reject(reason, cause error) error {
	RecordTokenVerification(tokenResultFor(reason))
	code := "TOKEN_MALFORMED"
	switch reason {
	case ErrTokenInvalidSignature:
		code = "TOKEN_INVALID_SIGNATURE"
	case ErrTokenExpired:
		code = "TOKEN_EXPIRED"
	case ErrTokenRevoked:
		code = "TOKEN_REVOKED"
	}
	return oops.Code(code).Wrap(&TokenError{Reason: reason, Err: cause})
}

// classifyJWTError maps a jwt parse error onto a rejection reason.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}

func claimsFrom(rc *jwt.RegisteredClaims, kid string) (*Claims, error) {
	if rc.IssuedAt == nil || rc.ExpiresAt == nil {
		return nil, errors.New("token lacks iat or exp")
	}
	if !rc.ExpiresAt.After(rc.IssuedAt.Time) {
		return nil, errors.New("token expires before it is issued")
	}
	subject, err := ulid.ParseStrict(rc.Subject)
	if err != nil {
		return nil, errors.New("token subject is not a valid id")
	}
	tokenID, err := ulid.ParseStrict(rc.ID)
	if err != nil {
		return nil, errors.New("token id is not a valid id")
	}
	return &Claims{
		Subject:   subject,
		TokenID:   tokenID,
		IssuedAt:  rc.IssuedAt.UTC(),
		ExpiresAt: rc.ExpiresAt.UTC(),
		KeyID:     kid,
	}, nil
}
