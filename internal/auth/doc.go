// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides the authentication core for gatekeeper.
//
// # Domain Types
//
// Credentials should be created with NewCredential, which normalizes and
// validates the username. Direct struct initialization bypasses validation.
// Repository implementations receive pre-validated credentials.
//
// # Components
//
//   - Argon2idHasher - password hashing with legacy bcrypt verification
//   - TokenService - HS256 session tokens with key rotation and revocation
//   - AttemptLimiter - per-username login attempt windows
//   - Service - login, logout, refresh and account management
//
// Components are created with New* constructors that validate their
// configuration and dependencies.
package auth
