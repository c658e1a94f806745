// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pool

import "errors"

var (
	// ErrPoolExhausted is returned when no connection became free within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectivity marks failures talking to the database server.
	// Operations failing with it may be retried.
	ErrConnectivity = errors.New("database connectivity lost")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrHandleReleased is returned when a handle is used or released after
	// it was already returned to the pool.
	ErrHandleReleased = errors.New("connection handle already released")

	// ErrRowsOutstanding is returned when a handle is released while a
	// result cursor on it is still open.
	ErrRowsOutstanding = errors.New("connection released with rows outstanding")

	// ErrStatementInFlight is returned when a second statement is started on
	// a handle whose previous statement has not finished.
	ErrStatementInFlight = errors.New("statement already in flight on connection")
)
