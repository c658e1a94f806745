// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Login attempt results.
const (
	LoginResultSuccess     = "success"
	LoginResultInvalid     = "invalid_credentials"
	LoginResultRateLimited = "rate_limited"
	LoginResultError       = "error"
)

// Token verification results.
const (
	TokenResultValid            = "valid"
	TokenResultMalformed        = "malformed"
	TokenResultInvalidSignature = "invalid_signature"
	TokenResultExpired          = "expired"
	TokenResultRevoked          = "revoked"
	TokenResultError            = "error"
)

// LoginAttempts is the counter for login attempts by result.
// Use RegisterMetrics to register this with a Prometheus registry.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_login_attempts_total",
		Help: "Total number of login attempts",
	},
	[]string{"result"},
)

// TokenVerifications is the counter for token verifications by result.
// Use RegisterMetrics to register this with a Prometheus registry.
var TokenVerifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_token_verifications_total",
		Help: "Total number of token verifications",
	},
	[]string{"result"},
)

// TokensIssued counts signed tokens.
var TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_tokens_issued_total",
	Help: "Total number of session tokens issued",
})

// TokensRevoked counts recorded revocations.
var TokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_tokens_revoked_total",
	Help: "Total number of session tokens revoked",
})

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(TokenVerifications)
	reg.MustRegister(TokensIssued)
	reg.MustRegister(TokensRevoked)
}

// RecordLoginAttempt increments the login counter for result.
func RecordLoginAttempt(result string) {
	LoginAttempts.WithLabelValues(result).Inc()
}

// RecordTokenVerification increments the verification counter for result.
func RecordTokenVerification(result string) {
	TokenVerifications.WithLabelValues(result).Inc()
}

func tokenResultFor(reason error) string {
	switch reason {
	case ErrTokenInvalidSignature:
		return TokenResultInvalidSignature
	case ErrTokenExpired:
		return TokenResultExpired
	case ErrTokenRevoked:
		return TokenResultRevoked
	default:
		return TokenResultMalformed
	}
}
