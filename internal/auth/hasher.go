// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// OWASP-recommended argon2id parameters.
const (
	DefaultArgon2Time    = 1         // iterations
	DefaultArgon2Memory  = 64 * 1024 // 64 MB
	DefaultArgon2Threads = 4         // parallelism

	argon2SaltLen = 16 // salt length in bytes
	argon2KeyLen  = 32 // output length in bytes
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = errors.New("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces an argon2id hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash should be re-hashed with the
	// current algorithm and work factor.
	NeedsUpgrade(hash string) bool
}

// HasherConfig is the argon2id work factor for new hashes. Existing hashes
// carry their own parameters and verify regardless of this setting.
type HasherConfig struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultHasherConfig returns the recommended work factor.
func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		Time:      DefaultArgon2Time,
		MemoryKiB: DefaultArgon2Memory,
		Threads:   DefaultArgon2Threads,
	}
}

// Validate checks that the parameters are accepted by argon2id.
func (c HasherConfig) Validate() error {
	if c.Time < 1 {
		return oops.Code("HASHER_INVALID_CONFIG").Errorf("time must be at least 1")
	}
	if c.Threads < 1 {
		return oops.Code("HASHER_INVALID_CONFIG").Errorf("threads must be at least 1")
	}
	if c.MemoryKiB < 8*uint32(c.Threads) {
		return oops.Code("HASHER_INVALID_CONFIG").
			With("memory_kib", c.MemoryKiB).
			With("threads", c.Threads).
			Errorf("memory must be at least 8 KiB per thread")
	}
	return nil
}

// Argon2idHasher implements PasswordHasher using argon2id. Legacy bcrypt
// hashes still verify and report NeedsUpgrade.
type Argon2idHasher struct {
	cfg HasherConfig
}

// NewArgon2idHasher creates a hasher producing hashes with cfg's work factor.
func NewArgon2idHasher(cfg HasherConfig) (*Argon2idHasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Argon2idHasher{cfg: cfg}, nil
}

// Hash produces an argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code("AUTH_EMPTY_PASSWORD").Wrap(ErrEmptyPassword)
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.cfg.Time, h.cfg.MemoryKiB, h.cfg.Threads, argon2KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.cfg.MemoryKiB,
		h.cfg.Time,
		h.cfg.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	if isBcrypt(encodedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid bcrypt hash")
		}
	}

	params, err := parseArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), params.salt, params.time, params.memory, params.threads, uint32(len(params.key)))
	return subtle.ConstantTimeCompare(computed, params.key) == 1, nil
}

// NeedsUpgrade returns true if the hash is not argon2id or was made with a
// weaker work factor than the hasher's.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	params, err := parseArgon2id(hash)
	if err != nil {
		return true
	}
	return params.time < h.cfg.Time ||
		params.memory < h.cfg.MemoryKiB ||
		params.threads < h.cfg.Threads ||
		len(params.key) < argon2KeyLen
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") ||
		strings.HasPrefix(hash, "$2b$") ||
		strings.HasPrefix(hash, "$2y$")
}

type argon2Params struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	key     []byte
}

// parseArgon2id decodes a PHC-format argon2id string. Errors never include
// the hash itself.
func parseArgon2id(encodedHash string) (*argon2Params, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != "argon2id" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid version segment")
	}
	if version != argon2.Version {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported argon2 version: %d", version)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid parameter segment")
	}

	// Validate threads fits in uint8 to prevent silent truncation
	if threads < 1 || threads > 255 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d out of range", threads)
	}
	if time < 1 || memory < 8*threads {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid work factor")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid salt encoding")
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid key encoding")
	}

	// Validate key length to prevent integer overflow in uint32 conversion
	if len(key) == 0 || len(key) > 1<<30 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", len(key))
	}

	return &argon2Params{
		time:    time,
		memory:  memory,
		threads: uint8(threads),
		salt:    salt,
		key:     key,
	}, nil
}
