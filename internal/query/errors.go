// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package query

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/holomush/gatekeeper/internal/pool"
)

// Client-side QueryError codes. Server errors carry their SQLSTATE instead.
const (
	CodeBind   = "BIND"
	CodeScan   = "SCAN"
	CodeClient = "CLIENT"
)

var (
	// ErrConnectivity marks a statement that failed because the connection
	// was lost. The handle is marked broken and the operation may be retried.
	ErrConnectivity = pool.ErrConnectivity

	// ErrStatementTimeout is returned when a statement exceeds the executor's
	// statement timeout.
	ErrStatementTimeout = errors.New("statement timed out")

	// ErrNoRows is returned by QueryRow when the statement produced no rows.
	ErrNoRows = errors.New("no rows in result set")
)

// QueryError is a statement failure reported by the server or detected
// while binding or scanning.
type QueryError struct {
	Statement  string
	Code       string
	Message    string
	Constraint string
	Err        error
}

func (e *QueryError) Error() string {
	msg := "query " + e.Statement + ": " + e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsUniqueViolation reports whether the server rejected the statement on a
// unique constraint.
func (e *QueryError) IsUniqueViolation() bool {
	return e.Code == pgerrcode.UniqueViolation
}

// IsUniqueViolation reports whether err wraps a QueryError for a unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.IsUniqueViolation()
}

// isConnectivity reports whether err indicates the connection itself is gone
// or unusable, as opposed to a statement-level failure.
func isConnectivity(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsOperatorIntervention(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isCanceled reports whether err is the caller's own context ending.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
