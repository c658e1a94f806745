// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package query

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/gatekeeper/internal/pool"
)

var tracer = otel.Tracer("gatekeeper/query")

// DefaultStatementTimeout bounds a single statement when no timeout is configured.
const DefaultStatementTimeout = 10 * time.Second

// Executor runs statements on pooled connections.
type Executor struct {
	pool    *pool.Pool
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithStatementTimeout sets the per-statement timeout. Zero disables it.
func WithStatementTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// New creates an executor over p.
func New(p *pool.Pool, opts ...Option) (*Executor, error) {
	if p == nil {
		return nil, oops.Code("QUERY_INVALID_CONFIG").Errorf("pool is required")
	}
	e := &Executor{pool: p, timeout: DefaultStatementTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout < 0 {
		return nil, oops.Code("QUERY_INVALID_CONFIG").Errorf("statement timeout must not be negative")
	}
	return e, nil
}

// WithHandle acquires a handle, runs fn with it and releases it, including
// when fn panics. A connectivity failure from fn marks the handle broken so
// the connection is not reused.
func (e *Executor) WithHandle(ctx context.Context, fn func(h *pool.Handle) error) (err error) {
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	err = fn(h)
	if errors.Is(err, ErrConnectivity) {
		h.MarkBroken()
	}
	return err
}

// Execute starts stmt on h and returns a cursor over its rows. The cursor
// must be drained or closed before h is released or used again.
func (e *Executor) Execute(ctx context.Context, h *pool.Handle, stmt Statement, args Args) (*Rows, error) {
	positional, err := stmt.Bind(args)
	if err != nil {
		return nil, err
	}
	conn, err := h.Conn()
	if err != nil {
		return nil, err
	}

	r := e.begin(ctx, h, stmt)
	rows := &Rows{run: r}
	if err := r.attach(rows); err != nil {
		return nil, err
	}

	pgRows, qerr := conn.Query(r.ctx, stmt.SQL, positional...)

	rows.mu.Lock()
	defer rows.mu.Unlock()
	if rows.closed {
		// Aborted by a concurrent release while the query was being sent.
		if pgRows != nil {
			pgRows.Close()
		}
		return nil, rows.err
	}
	if qerr != nil {
		if pgRows != nil {
			pgRows.Close()
		}
		rows.closed = true
		rows.err = r.finish(qerr)
		return nil, rows.err
	}
	rows.rows = pgRows
	return rows, nil
}

// Exec runs a statement that returns no rows and reports the number of
// rows it affected.
func (e *Executor) Exec(ctx context.Context, h *pool.Handle, stmt Statement, args Args) (int64, error) {
	positional, err := stmt.Bind(args)
	if err != nil {
		return 0, err
	}
	conn, err := h.Conn()
	if err != nil {
		return 0, err
	}

	r := e.begin(ctx, h, stmt)
	if err := r.attach(&execGuard{run: r}); err != nil {
		return 0, err
	}

	tag, err := conn.Exec(r.ctx, stmt.SQL, positional...)
	if err := r.finish(err); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueryRow runs stmt and scans its first row into dest. It returns
// ErrNoRows when the statement produced no rows.
func (e *Executor) QueryRow(ctx context.Context, h *pool.Handle, stmt Statement, args Args, dest ...any) error {
	rows, err := e.Execute(ctx, h, stmt, args)
	if err != nil {
		return err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return oops.Code("QUERY_NO_ROWS").With("statement", stmt.Name).Wrap(ErrNoRows)
	}
	if err := rows.Scan(dest...); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// run tracks one statement from send to completion.
type run struct {
	h        *pool.Handle
	stmt     Statement
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	started  time.Time
	cursor   pool.Cursor
	attached bool
}

func (e *Executor) begin(ctx context.Context, h *pool.Handle, stmt Statement) *run {
	ctx, span := tracer.Start(ctx, "query."+stmt.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", stmt.Name),
		),
	)
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, e.timeout, ErrStatementTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return &run{h: h, stmt: stmt, ctx: ctx, cancel: cancel, span: span, started: time.Now()}
}

// attach registers c as the handle's in-flight cursor. On failure the run
// is discarded.
func (r *run) attach(c pool.Cursor) error {
	if err := r.h.Attach(c); err != nil {
		r.cancel()
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.span.End()
		return err
	}
	r.cursor = c
	r.attached = true
	return nil
}

// finish classifies err, detaches from the handle and closes the span.
func (r *run) finish(err error) error {
	err = r.classify(err)
	r.cancel()
	if r.attached {
		r.h.Detach(r.cursor)
	}

	outcome := OutcomeOK
	if err != nil {
		switch {
		case errors.Is(err, ErrStatementTimeout):
			outcome = OutcomeTimeout
		case errors.Is(err, ErrConnectivity):
			outcome = OutcomeConnectivity
		case isCanceled(err):
			outcome = OutcomeCanceled
		default:
			outcome = OutcomeError
		}
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.SetAttributes(attribute.String("db.outcome", outcome))
	r.span.End()
	recordStatement(r.stmt.Name, outcome, time.Since(r.started))
	return err
}

// classify maps a driver error onto the package's error taxonomy and marks
// the handle broken when the connection can no longer be trusted.
func (r *run) classify(err error) error {
	if err == nil {
		return nil
	}
	name := r.stmt.Name

	if errors.Is(context.Cause(r.ctx), ErrStatementTimeout) {
		r.h.MarkBroken()
		return oops.Code("QUERY_TIMEOUT").With("statement", name).Wrap(ErrStatementTimeout)
	}
	if r.ctx.Err() != nil && isCanceled(err) {
		// pgx interrupts the connection when a query's context ends.
		r.h.MarkBroken()
		return oops.Code("QUERY_CANCELED").With("statement", name).Wrap(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsConnectionException(pgErr.Code) || pgerrcode.IsOperatorIntervention(pgErr.Code) {
			r.h.MarkBroken()
			return oops.Code("QUERY_CONNECTIVITY").
				With("statement", name).
				With("sqlstate", pgErr.Code).
				Wrap(errors.Join(ErrConnectivity, err))
		}
		return oops.Code("QUERY_FAILED").
			With("statement", name).
			With("sqlstate", pgErr.Code).
			Wrap(&QueryError{
				Statement:  name,
				Code:       pgErr.Code,
				Message:    pgErr.Message,
				Constraint: pgErr.ConstraintName,
				Err:        err,
			})
	}

	if isConnectivity(err) {
		r.h.MarkBroken()
		return oops.Code("QUERY_CONNECTIVITY").With("statement", name).Wrap(errors.Join(ErrConnectivity, err))
	}

	return oops.Code("QUERY_FAILED").With("statement", name).Wrap(&QueryError{
		Statement: name,
		Code:      CodeClient,
		Message:   err.Error(),
		Err:       err,
	})
}

// execGuard occupies the handle's cursor slot while Exec runs.
type execGuard struct {
	run *run
}

func (g *execGuard) Abort() {
	g.run.cancel()
}
