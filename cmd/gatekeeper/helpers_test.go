// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/pool"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// testConfigYAML keeps argon2 cheap so commands that hash finish quickly.
const testConfigYAML = `
hasher:
  time: 1
  memory_kib: 1024
  threads: 1
token:
  issuer: gatekeeper-test
  current_key: k1
  keys:
    - id: k1
      secret: ` + testSigningKey + `
retry:
  max_retries: 1
  base_delay: 1ms
log:
  level: error
`

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML+extra), 0o600))
	return path
}

// clearEnv isolates a test from variables set in the surrounding shell.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvSigningKey, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

// mockDeps returns deps whose pool hands out a single pgxmock connection.
func mockDeps(t *testing.T) (*Deps, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err, "failed to create mock")

	deps := &Deps{
		ConnectorFactory: func(string) (pool.Connector, error) {
			return func(context.Context) (pool.Conn, error) {
				return mock, nil
			}, nil
		},
		LogOutput: io.Discard,
	}
	return deps, mock
}

// execute runs the root command with cfgPath, a mock database
// URL and stdin, returning everything written to stdout and stderr.
func execute(t *testing.T, deps *Deps, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	configFile = ""

	cmd, buf := newTestRoot(deps, stdin)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--database-url", "postgres://mock/gatekeeper"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newTestRoot(deps *Deps, stdin string) (*cobra.Command, *bytes.Buffer) {
	cmd := newRootCmd(deps)
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, buf
}
