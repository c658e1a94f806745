// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package query

import (
	"sync"

	"github.com/jackc/pgx/v5"
)

// Rows is a single-pass cursor over a statement's results. Rows are read
// from the connection as Next is called. The cursor closes itself once the
// last row has been read; Close must be called if iteration stops early.
//
// Rows belongs to the goroutine that holds the handle. Cancel may be called
// from another goroutine to abort the statement.
type Rows struct {
	run  *run
	rows pgx.Rows

	// iter serializes every use of rows; pgx.Rows is not safe for
	// concurrent use.
	iter sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
}

// Next advances to the next row. It returns false when the rows are
// exhausted, the statement failed or the cursor was closed; check Err.
func (r *Rows) Next() bool {
	r.iter.Lock()
	defer r.iter.Unlock()
	if r.isClosed() {
		return false
	}
	if r.rows.Next() {
		return true
	}
	_ = r.close()
	return false
}

// Scan copies the current row's columns into dest.
func (r *Rows) Scan(dest ...any) error {
	r.iter.Lock()
	defer r.iter.Unlock()
	if r.isClosed() {
		return &QueryError{Statement: r.run.stmt.Name, Code: CodeScan, Message: "rows are closed"}
	}
	if err := r.rows.Scan(dest...); err != nil {
		return &QueryError{Statement: r.run.stmt.Name, Code: CodeScan, Message: err.Error(), Err: err}
	}
	return nil
}

// Err returns the error that ended iteration, if any.
func (r *Rows) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close discards any unread rows and frees the handle for the next
// statement. It is safe to call more than once and returns the statement's
// error, if any.
func (r *Rows) Close() error {
	r.iter.Lock()
	defer r.iter.Unlock()
	return r.close()
}

// close finishes the statement. The caller holds iter.
func (r *Rows) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.err
	}
	r.closed = true

	var err error
	if r.rows != nil {
		r.rows.Close()
		err = r.rows.Err()
	} else {
		err = r.run.ctx.Err()
	}
	r.err = r.run.finish(err)
	return r.err
}

func (r *Rows) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Cancel aborts the statement and closes the cursor. The connection is not
// reused afterwards. Cancelling the context first interrupts a Next blocked
// on the connection, so Close does not wait on the network.
func (r *Rows) Cancel() {
	if r.isClosed() {
		return
	}
	r.run.h.MarkBroken()
	r.run.cancel()
	_ = r.Close()
}

// Abort implements pool.Cursor.
func (r *Rows) Abort() {
	r.Cancel()
}
