// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/auth/postgres"
	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/logging"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
)

// app is the assembled component graph shared by the commands.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	pool        *pool.Pool
	exec        *query.Executor
	credentials *postgres.CredentialRepository
	revocations auth.RevocationList
	tokens      *auth.TokenService
	limiter     *auth.AttemptLimiter
	service     *auth.Service
}

// newApp validates cfg and wires the pool, executor, repositories, token
// service, limiter and auth service. Nothing connects until first use.
func newApp(cfg *config.Config, deps *Deps) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.Setup(serviceName, version, cfg.Logging(), deps.LogOutput)

	databaseURL, err := requireDatabaseURL(cfg)
	if err != nil {
		return nil, err
	}
	connect, err := deps.ConnectorFactory(databaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "parse database url").Wrap(err)
	}

	p, err := pool.New(cfg.Pool(), connect, pool.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	exec, err := query.New(p, query.WithStatementTimeout(cfg.Database.StatementTimeout))
	if err != nil {
		return nil, err
	}

	hasher, err := auth.NewArgon2idHasher(cfg.Argon2())
	if err != nil {
		return nil, err
	}

	var revocations auth.RevocationList
	switch cfg.Revocation.Backend {
	case config.RevocationPostgres:
		revocations = postgres.NewRevocationRepository(exec, deps.Clock)
	default:
		revocations = auth.NewMemoryRevocationList(deps.Clock)
	}

	tokenCfg, err := cfg.TokenService()
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenService(tokenCfg, revocations, deps.Clock)
	if err != nil {
		return nil, err
	}

	limiter, err := auth.NewAttemptLimiter(cfg.Limiter(), deps.Clock)
	if err != nil {
		return nil, err
	}

	credentials := postgres.NewCredentialRepository(exec)
	service, err := auth.NewService(credentials, hasher, tokens, limiter,
		auth.WithLogger(logger),
		auth.WithRetry(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		pool:        p,
		exec:        exec,
		credentials: credentials,
		revocations: revocations,
		tokens:      tokens,
		limiter:     limiter,
		service:     service,
	}, nil
}

// Close releases every pooled connection.
func (a *app) Close() {
	a.pool.Close()
}

func requireDatabaseURL(cfg *config.Config) (string, error) {
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("section", "database").
			Errorf("database url is required: set database.url, --database-url or %s", config.EnvDatabaseURL)
	}
	return cfg.Database.URL, nil
}
