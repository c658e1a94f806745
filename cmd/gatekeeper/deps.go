// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/observability"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/store"
)

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// ConnectorFactory builds the connector the pool opens connections with.
	// Default: pool.PgxConnector
	ConnectorFactory func(databaseURL string) (pool.Connector, error)

	// MigratorFactory creates a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readiness observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// LogOutput receives log records.
	// Default: os.Stderr
	LogOutput io.Writer

	// Clock is used by tokens, revocations and the attempt limiter.
	// Default: time.Now
	Clock auth.Clock
}

func (d *Deps) withDefaults() *Deps {
	out := &Deps{}
	if d != nil {
		*out = *d
	}
	if out.ConnectorFactory == nil {
		out.ConnectorFactory = pool.PgxConnector
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, readiness observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, readiness, logger)
		}
	}
	if out.LogOutput == nil {
		out.LogOutput = os.Stderr
	}
	return out
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Steps(n int) error
	Down() error
	Force(version int) error
	Status() (*store.Status, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Registry() *prometheus.Registry
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
