// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pool provides a bounded pool of database connections.
//
// The pool never opens more than Config.MaxSize physical connections.
// Callers that arrive while every connection is leased wait in the pool's
// queue until a handle is released or Config.AcquireTimeout elapses, at
// which point Acquire fails with ErrPoolExhausted.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/samber/oops"
)

// Default pool settings.
const (
	DefaultMaxSize        = 20
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = 30 * time.Second

	// closeTimeout bounds how long destroying a physical connection may take.
	closeTimeout = 5 * time.Second
)

// Conn is a physical database connection. *pgx.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector dials a new physical connection.
type Connector func(ctx context.Context) (Conn, error)

// PgxConnector returns a Connector that dials PostgreSQL with pgx.
func PgxConnector(connString string) (Connector, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		// The connection string may carry a password; never attach it.
		return nil, oops.Code("POOL_INVALID_DSN").Errorf("invalid database connection string")
	}
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, err //nolint:wrapcheck // classified by Acquire
		}
		return conn, nil
	}, nil
}

// Config configures a Pool.
type Config struct {
	// MaxSize is the upper bound on concurrently open physical connections.
	MaxSize int32

	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration

	// IdleTimeout is how long an idle connection may sit before eviction.
	IdleTimeout time.Duration

	// EvictionInterval is how often Run sweeps idle connections.
	// Defaults to half of IdleTimeout.
	EvictionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = c.IdleTimeout / 2
	}
	return c
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return oops.Code("POOL_INVALID_CONFIG").With("max_size", c.MaxSize).Errorf("max size must be at least 1")
	}
	if c.AcquireTimeout <= 0 {
		return oops.Code("POOL_INVALID_CONFIG").Errorf("acquire timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return oops.Code("POOL_INVALID_CONFIG").Errorf("idle timeout must be positive")
	}
	if c.EvictionInterval <= 0 {
		return oops.Code("POOL_INVALID_CONFIG").Errorf("eviction interval must be positive")
	}
	return nil
}

// pooledConn is the value stored in each pool slot.
// lastUsedAt is only written by the goroutine holding the slot.
type pooledConn struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger used for pool lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pool is a bounded set of database connections. It is safe for concurrent use.
type Pool struct {
	res    *puddle.Pool[*pooledConn]
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	exhausted    atomic.Int64
	destroyed    atomic.Int64
	idleEvicted  atomic.Int64
	misuseErrors atomic.Int64
}

// New creates a pool that dials connections with connect on demand.
// No connection is opened until the first Acquire.
func New(cfg Config, connect Connector, opts ...Option) (*Pool, error) {
	if connect == nil {
		return nil, oops.Code("POOL_INVALID_CONFIG").Errorf("connector is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	res, err := puddle.NewPool(&puddle.Config[*pooledConn]{
		Constructor: func(ctx context.Context) (*pooledConn, error) {
			conn, err := connect(ctx)
			if err != nil {
				return nil, err
			}
			now := p.now()
			return &pooledConn{conn: conn, createdAt: now, lastUsedAt: now}, nil
		},
		Destructor: func(pc *pooledConn) {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := pc.conn.Close(ctx); err != nil {
				p.logger.Debug("closing pooled connection failed", "error", err)
			}
		},
		MaxSize: cfg.MaxSize,
	})
	if err != nil {
		return nil, oops.Code("POOL_INIT_FAILED").Wrap(err)
	}
	p.res = res
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire leases a connection. If none is idle and the pool is below
// MaxSize a new connection is dialled; otherwise the caller waits until a
// handle is released. Waiting longer than AcquireTimeout yields
// ErrPoolExhausted. Cancelling ctx abandons the wait.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	actx, cancel := context.WithTimeoutCause(ctx, p.cfg.AcquireTimeout, ErrPoolExhausted)
	defer cancel()

	res, err := p.res.Acquire(actx)
	if err == nil {
		return newHandle(p, res), nil
	}

	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, oops.Code("POOL_CLOSED").Wrap(ErrPoolClosed)
	case ctx.Err() != nil:
		return nil, oops.Code("POOL_ACQUIRE_CANCELED").Wrap(ctx.Err())
	case errors.Is(context.Cause(actx), ErrPoolExhausted):
		p.exhausted.Add(1)
		return nil, oops.Code("POOL_EXHAUSTED").
			With("max_size", p.cfg.MaxSize).
			With("acquire_timeout", p.cfg.AcquireTimeout.String()).
			Wrap(ErrPoolExhausted)
	default:
		return nil, oops.Code("POOL_CONNECT_FAILED").
			With("operation", "dial connection").
			Wrap(errors.Join(ErrConnectivity, err))
	}
}

// Release returns h to the pool. It is equivalent to h.Release.
func (p *Pool) Release(h *Handle) error {
	if h == nil || h.pool != p {
		return oops.Code("POOL_FOREIGN_HANDLE").Errorf("handle does not belong to this pool")
	}
	return h.Release()
}

// put returns a slot to the pool, destroying it when broken.
func (p *Pool) put(res *puddle.Resource[*pooledConn], broken bool) {
	if broken {
		p.destroyed.Add(1)
		res.Destroy()
		return
	}
	res.Value().lastUsedAt = p.now()
	res.Release()
}

// EvictIdle closes idle connections that have not been used for at least
// IdleTimeout and returns how many were closed. Connections in use are
// never touched.
func (p *Pool) EvictIdle() int {
	now := p.now()
	evicted := 0
	for _, res := range p.res.AcquireAllIdle() {
		if now.Sub(res.Value().lastUsedAt) >= p.cfg.IdleTimeout {
			res.Destroy()
			evicted++
			continue
		}
		res.ReleaseUnused()
	}
	if evicted > 0 {
		p.idleEvicted.Add(int64(evicted))
		p.logger.Debug("evicted idle connections", "count", evicted)
	}
	return evicted
}

// Run sweeps idle connections every EvictionInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// Ping leases a connection, pings the server and releases it.
func (p *Pool) Ping(ctx context.Context) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	conn, err := h.Conn()
	if err == nil {
		if err = conn.Ping(ctx); err != nil {
			h.MarkBroken()
			err = oops.Code("POOL_PING_FAILED").Wrap(errors.Join(ErrConnectivity, err))
		}
	}
	if rerr := h.Release(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Close closes every connection and rejects further Acquire calls. It blocks
// until leased handles are released.
func (p *Pool) Close() {
	p.res.Close()
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	MaxSize      int32
	Total        int32
	Idle         int32
	Acquired     int32
	Constructing int32

	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration

	ExhaustedCount   int64
	DestroyedBroken  int64
	IdleEvictedCount int64
	MisuseCount      int64
}

// Stat returns current pool statistics.
func (p *Pool) Stat() Stats {
	s := p.res.Stat()
	return Stats{
		MaxSize:              s.MaxResources(),
		Total:                s.TotalResources(),
		Idle:                 s.IdleResources(),
		Acquired:             s.AcquiredResources(),
		Constructing:         s.ConstructingResources(),
		AcquireCount:         s.AcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
		AcquireDuration:      s.AcquireDuration(),
		ExhaustedCount:       p.exhausted.Load(),
		DestroyedBroken:      p.destroyed.Load(),
		IdleEvictedCount:     p.idleEvicted.Load(),
		MisuseCount:          p.misuseErrors.Load(),
	}
}
