// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// RevocationEntry marks a token as revoked until ExpiresAt, after which the
// token is expired anyway and the entry can be discarded.
type RevocationEntry struct {
	TokenID   ulid.ULID
	ExpiresAt time.Time
}

// RevocationList stores revoked token IDs.
type RevocationList interface {
	// Revoke records entry. Revoking the same token twice is not an error.
	Revoke(ctx context.Context, entry RevocationEntry) error

	// IsRevoked reports whether tokenID has an unexpired revocation.
	IsRevoked(ctx context.Context, tokenID ulid.ULID) (bool, error)

	// Prune removes entries whose expiry has passed and returns how many.
	Prune(ctx context.Context) (int, error)
}

// MemoryRevocationList is a process-local RevocationList.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[ulid.ULID]time.Time
	now     Clock
}

// NewMemoryRevocationList creates an empty list. A nil clock uses time.Now.
func NewMemoryRevocationList(clock Clock) *MemoryRevocationList {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRevocationList{
		entries: make(map[ulid.ULID]time.Time),
		now:     clock,
	}
}

// Revoke implements RevocationList. A later expiry for an existing entry
// extends it.
func (l *MemoryRevocationList) Revoke(_ context.Context, entry RevocationEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[entry.TokenID]; !ok || entry.ExpiresAt.After(cur) {
		l.entries[entry.TokenID] = entry.ExpiresAt
	}
	return nil
}

// IsRevoked implements RevocationList. Expired entries found here are dropped.
func (l *MemoryRevocationList) IsRevoked(_ context.Context, tokenID ulid.ULID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !l.now().Before(exp) {
		delete(l.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Prune implements RevocationList.
func (l *MemoryRevocationList) Prune(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for id, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries held, expired or not.
func (l *MemoryRevocationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunRevocationPruner prunes list every interval until ctx is done.
func RunRevocationPruner(ctx context.Context, list RevocationList, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := list.Prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errutil.LogError(logger, "pruning revocations failed", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned revocations", "count", n)
			}
		}
	}
}
