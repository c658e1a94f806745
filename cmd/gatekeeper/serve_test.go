// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/observability"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// fakeObservabilityServer stands in for observability.Server.
type fakeObservabilityServer struct {
	registry  *prometheus.Registry
	readiness observability.ReadinessChecker
	errCh     chan error
	startErr  error
	started   chan struct{}
	stopped   atomic.Bool
}

func newFakeObservabilityServer() *fakeObservabilityServer {
	return &fakeObservabilityServer{
		registry: prometheus.NewRegistry(),
		errCh:    make(chan error, 1),
		started:  make(chan struct{}),
	}
}

func (f *fakeObservabilityServer) Registry() *prometheus.Registry { return f.registry }

func (f *fakeObservabilityServer) Start() (<-chan error, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	close(f.started)
	return f.errCh, nil
}

func (f *fakeObservabilityServer) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeObservabilityServer) Addr() string { return "fake" }

func serveDeps(t *testing.T, obs *fakeObservabilityServer) *Deps {
	t.Helper()
	deps, mock := mockDeps(t)
	mock.ExpectPing()
	deps.ObservabilityServerFactory = func(_ string, readiness observability.ReadinessChecker, _ *slog.Logger) ObservabilityServer {
		obs.readiness = readiness
		return obs
	}
	return deps
}

func startServe(t *testing.T, ctx context.Context, deps *Deps) <-chan error {
	t.Helper()
	configFile = ""
	cmd, _ := newTestRoot(deps, "")
	cmd.SetArgs([]string{
		"--config", writeTestConfig(t, ""),
		"--database-url", "postgres://mock/gatekeeper",
		"serve", "--metrics-addr", "127.0.0.1:0",
	})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	return done
}

func TestServe_RunsUntilCancelled(t *testing.T) {
	clearEnv(t)
	obs := newFakeObservabilityServer()
	deps := serveDeps(t, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startServe(t, ctx, deps)

	select {
	case <-obs.started:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("observability server never started")
	}

	families, err := obs.registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "gatekeeper_pool_max_connections")
	assert.NotNil(t, obs.readiness)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.True(t, obs.stopped.Load())
}

func TestServe_ServerErrorTriggersShutdown(t *testing.T) {
	clearEnv(t)
	obs := newFakeObservabilityServer()
	deps := serveDeps(t, obs)

	done := startServe(t, context.Background(), deps)
	<-obs.started
	obs.errCh <- errors.New("listener died")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after a server error")
	}
	assert.True(t, obs.stopped.Load())
}

func TestServe_ObservabilityStartFailure(t *testing.T) {
	clearEnv(t)
	obs := newFakeObservabilityServer()
	obs.startErr = errors.New("address in use")
	deps := serveDeps(t, obs)

	err := <-startServe(t, context.Background(), deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_START_FAILED")
}
