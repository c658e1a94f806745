// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
)

var (
	insertRevocation = query.MustPrepare("insert_revocation",
		`INSERT INTO revoked_tokens (token_id, expires_at) VALUES ($1, $2)
		 ON CONFLICT (token_id) DO UPDATE
		 SET expires_at = GREATEST(revoked_tokens.expires_at, EXCLUDED.expires_at)`,
		query.Param{Name: "token_id", Type: query.ULID},
		query.Param{Name: "expires_at", Type: query.Timestamp},
	)

	isTokenRevoked = query.MustPrepare("is_token_revoked",
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1 AND expires_at > $2)`,
		query.Param{Name: "token_id", Type: query.ULID},
		query.Param{Name: "now", Type: query.Timestamp},
	)

	pruneRevocations = query.MustPrepare("prune_revocations",
		`DELETE FROM revoked_tokens WHERE expires_at <= $1`,
		query.Param{Name: "now", Type: query.Timestamp},
	)
)

// RevocationRepository implements auth.RevocationList using PostgreSQL, so
// revocations are shared by every process using the database.
type RevocationRepository struct {
	exec *query.Executor
	now  auth.Clock
}

// NewRevocationRepository creates a new RevocationRepository. A nil clock
// uses time.Now.
func NewRevocationRepository(exec *query.Executor, clock auth.Clock) *RevocationRepository {
	if clock == nil {
		clock = time.Now
	}
	return &RevocationRepository{exec: exec, now: clock}
}

// Revoke implements auth.RevocationList.
func (r *RevocationRepository) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		_, err := r.exec.Exec(ctx, h, insertRevocation, query.Args{
			"token_id":   entry.TokenID,
			"expires_at": entry.ExpiresAt,
		})
		return err
	})
	if err != nil {
		return oops.Code("REVOCATION_INSERT_FAILED").
			With("operation", "insert revocation").
			With("token_id", entry.TokenID.String()).
			Wrap(err)
	}
	return nil
}

// IsRevoked implements auth.RevocationList.
func (r *RevocationRepository) IsRevoked(ctx context.Context, tokenID ulid.ULID) (bool, error) {
	var revoked bool
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		return r.exec.QueryRow(ctx, h, isTokenRevoked, query.Args{
			"token_id": tokenID,
			"now":      r.now(),
		}, &revoked)
	})
	if err != nil {
		return false, oops.Code("REVOCATION_LOOKUP_FAILED").
			With("operation", "lookup revocation").
			With("token_id", tokenID.String()).
			Wrap(err)
	}
	return revoked, nil
}

// Prune implements auth.RevocationList.
func (r *RevocationRepository) Prune(ctx context.Context) (int, error) {
	var affected int64
	err := r.exec.WithHandle(ctx, func(h *pool.Handle) error {
		var err error
		affected, err = r.exec.Exec(ctx, h, pruneRevocations, query.Args{"now": r.now()})
		return err
	})
	if err != nil {
		return 0, oops.Code("REVOCATION_PRUNE_FAILED").
			With("operation", "delete expired revocations").
			Wrap(err)
	}
	return int(affected), nil
}
