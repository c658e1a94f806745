// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pool

import (
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/samber/oops"
)

// Cursor is an in-flight statement or open result set bound to a handle.
// Abort stops it and frees the underlying connection for teardown.
type Cursor interface {
	Abort()
}

// Handle is an exclusive lease on one pooled connection. It must be
// released exactly once, after any cursor on it has been drained or
// cancelled. A Handle is not meant to be shared between goroutines, but its
// methods are safe to call concurrently so that cancellation can race with
// release.
type Handle struct {
	pool *Pool
	res  *puddle.Resource[*pooledConn]

	mu       sync.Mutex
	released bool
	broken   bool
	cursor   Cursor
}

func newHandle(p *Pool, res *puddle.Resource[*pooledConn]) *Handle {
	return &Handle{pool: p, res: res}
}

// Conn returns the leased connection, or ErrHandleReleased once the handle
// has gone back to the pool.
func (h *Handle) Conn() (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, oops.Code("POOL_HANDLE_RELEASED").Wrap(ErrHandleReleased)
	}
	return h.res.Value().conn, nil
}

// CreatedAt returns when the underlying connection was dialled, or the zero
// time once the handle has been released.
func (h *Handle) CreatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return time.Time{}
	}
	return h.res.Value().createdAt
}

// LastUsedAt returns when the underlying connection was last returned to the
// pool, or the zero time once the handle has been released.
func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return time.Time{}
	}
	return h.res.Value().lastUsedAt
}

// MarkBroken flags the connection as unusable. On release it is closed
// instead of returning to the idle set.
func (h *Handle) MarkBroken() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}

// Broken reports whether the connection has been flagged unusable.
func (h *Handle) Broken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broken
}

// Attach registers c as the single in-flight cursor on the handle.
func (h *Handle) Attach(c Cursor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return oops.Code("POOL_HANDLE_RELEASED").Wrap(ErrHandleReleased)
	}
	if h.cursor != nil {
		h.pool.misuseErrors.Add(1)
		return oops.Code("POOL_STATEMENT_IN_FLIGHT").Wrap(ErrStatementInFlight)
	}
	h.cursor = c
	return nil
}

// Detach clears c if it is the handle's current cursor.
func (h *Handle) Detach(c Cursor) {
	h.mu.Lock()
	if h.cursor == c {
		h.cursor = nil
	}
	h.mu.Unlock()
}

// Release returns the connection to the pool. A broken connection is closed
// and replaced on next demand. Releasing twice returns ErrHandleReleased
// without touching the pool. Releasing with a cursor still open aborts the
// cursor, closes the connection and returns ErrRowsOutstanding.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		h.pool.misuseErrors.Add(1)
		return oops.Code("POOL_DOUBLE_RELEASE").Wrap(ErrHandleReleased)
	}
	h.released = true
	cursor := h.cursor
	h.cursor = nil
	broken := h.broken
	h.mu.Unlock()

	var err error
	if cursor != nil {
		cursor.Abort()
		broken = true
		h.pool.misuseErrors.Add(1)
		err = oops.Code("POOL_RELEASE_WITH_OPEN_ROWS").Wrap(ErrRowsOutstanding)
	}
	h.pool.put(h.res, broken)
	return err
}
