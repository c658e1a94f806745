// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads gatekeeper configuration from a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/logging"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
)

// Environment variables read on top of the file.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvSigningKey  = "GATEKEEPER_SIGNING_KEY"
)

// Revocation backends.
const (
	RevocationMemory   = "memory"
	RevocationPostgres = "postgres"
)

// defaultKeyID names the signing key supplied through EnvSigningKey when
// the file configures none.
const defaultKeyID = "default"

// Config is the complete gatekeeper configuration.
type Config struct {
	Database   DatabaseConfig   `koanf:"database" json:"database,omitempty"`
	Hasher     HasherConfig     `koanf:"hasher" json:"hasher,omitempty"`
	Token      TokenConfig      `koanf:"token" json:"token,omitempty"`
	Login      LoginConfig      `koanf:"login" json:"login,omitempty"`
	Revocation RevocationConfig `koanf:"revocation" json:"revocation,omitempty"`
	Retry      RetryConfig      `koanf:"retry" json:"retry,omitempty"`
	Log        LogConfig        `koanf:"log" json:"log,omitempty"`
	Metrics    MetricsConfig    `koanf:"metrics" json:"metrics,omitempty"`
}

// DatabaseConfig configures the connection pool and query executor.
type DatabaseConfig struct {
	URL              string        `koanf:"url" json:"url,omitempty" jsonschema:"description=PostgreSQL connection URL"`
	MaxSize          int32         `koanf:"max_size" json:"max_size,omitempty" jsonschema:"minimum=1"`
	AcquireTimeout   time.Duration `koanf:"acquire_timeout" json:"acquire_timeout,omitempty"`
	IdleTimeout      time.Duration `koanf:"idle_timeout" json:"idle_timeout,omitempty"`
	EvictionInterval time.Duration `koanf:"eviction_interval" json:"eviction_interval,omitempty"`
	StatementTimeout time.Duration `koanf:"statement_timeout" json:"statement_timeout,omitempty"`
}

// HasherConfig is the argon2id work factor.
type HasherConfig struct {
	Time      uint32 `koanf:"time" json:"time,omitempty" jsonschema:"minimum=1"`
	MemoryKiB uint32 `koanf:"memory_kib" json:"memory_kib,omitempty" jsonschema:"minimum=8"`
	Threads   uint8  `koanf:"threads" json:"threads,omitempty" jsonschema:"minimum=1,maximum=255"`
}

// KeyConfig is one HMAC signing key.
type KeyConfig struct {
	ID     string `koanf:"id" json:"id" jsonschema:"required,minLength=1"`
	Secret string `koanf:"secret" json:"secret" jsonschema:"required,minLength=32"`
}

// TokenConfig configures session tokens. Keys other than CurrentKey still
// verify tokens but never sign new ones.
type TokenConfig struct {
	Issuer     string        `koanf:"issuer" json:"issuer,omitempty"`
	TTL        time.Duration `koanf:"ttl" json:"ttl,omitempty"`
	ClockSkew  time.Duration `koanf:"clock_skew" json:"clock_skew,omitempty"`
	CurrentKey string        `koanf:"current_key" json:"current_key,omitempty"`
	Keys       []KeyConfig   `koanf:"keys" json:"keys,omitempty"`
	SigningKey string        `koanf:"signing_key" json:"-"`
}

// LoginConfig bounds login attempts per username.
type LoginConfig struct {
	MaxAttempts   int           `koanf:"max_attempts" json:"max_attempts,omitempty" jsonschema:"minimum=1"`
	Window        time.Duration `koanf:"window" json:"window,omitempty"`
	PruneInterval time.Duration `koanf:"prune_interval" json:"prune_interval,omitempty"`
}

// RevocationConfig selects where revoked token ids are kept.
type RevocationConfig struct {
	Backend       string        `koanf:"backend" json:"backend,omitempty" jsonschema:"enum=memory,enum=postgres"`
	PruneInterval time.Duration `koanf:"prune_interval" json:"prune_interval,omitempty"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxRetries uint64        `koanf:"max_retries" json:"max_retries,omitempty"`
	BaseDelay  time.Duration `koanf:"base_delay" json:"base_delay,omitempty"`
}

// LogConfig selects log output.
type LogConfig struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// MetricsConfig configures the observability endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr,omitempty"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxSize:          pool.DefaultMaxSize,
			AcquireTimeout:   pool.DefaultAcquireTimeout,
			IdleTimeout:      pool.DefaultIdleTimeout,
			EvictionInterval: pool.DefaultIdleTimeout / 2,
			StatementTimeout: query.DefaultStatementTimeout,
		},
		Hasher: HasherConfig{
			Time:      auth.DefaultArgon2Time,
			MemoryKiB: auth.DefaultArgon2Memory,
			Threads:   auth.DefaultArgon2Threads,
		},
		Token: TokenConfig{
			Issuer:    "gatekeeper",
			TTL:       auth.DefaultTokenTTL,
			ClockSkew: auth.DefaultTokenClockSkew,
		},
		Login: LoginConfig{
			MaxAttempts:   auth.DefaultMaxAttempts,
			Window:        auth.DefaultAttemptWindow,
			PruneInterval: time.Minute,
		},
		Revocation: RevocationConfig{
			Backend:       RevocationMemory,
			PruneInterval: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: auth.DefaultMaxRetries,
			BaseDelay:  auth.DefaultRetryBaseDelay,
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load builds the configuration. path may be empty to skip the file; a
// file that does not match the schema is rejected before it is applied.
// flags may be nil; only flags registered with BindFlag and set on the
// command line override values. The result is not validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
		if err := ValidateYAML(data); err != nil {
			return nil, oops.With("path", path).Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_PARSE_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return cfg, nil
}

// envKey maps the supported environment variables onto config keys and
// ignores everything else.
func envKey(name string) string {
	switch name {
	case EnvDatabaseURL:
		return "database.url"
	case EnvSigningKey:
		return "token.signing_key"
	default:
		return ""
	}
}

// keyAnnotation is the pflag annotation naming the config key a flag sets.
const keyAnnotation = "gatekeeper/config-key"

// BindFlag marks the flag name in flags as overriding key. Unbound flags
// are ignored by Load.
func BindFlag(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, keyAnnotation, []string{key})
}

// flagKey keeps only bound flags set on the command line.
func flagKey(flags *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(f *pflag.Flag) (string, any) {
		keys := f.Annotations[keyAnnotation]
		if !f.Changed || len(keys) == 0 {
			return "", nil
		}
		return keys[0], posflag.FlagVal(flags, f)
	}
}

// Validate checks every section by building the component configurations
// from it.
func (c *Config) Validate() error {
	if err := c.Pool().Validate(); err != nil {
		return invalid("database", err)
	}
	if c.Database.StatementTimeout < 0 {
		return invalid("database", oops.Errorf("statement timeout must not be negative"))
	}
	if err := c.Argon2().Validate(); err != nil {
		return invalid("hasher", err)
	}
	tokenCfg, err := c.TokenService()
	if err != nil {
		return invalid("token", err)
	}
	if err := tokenCfg.Validate(); err != nil {
		return invalid("token", err)
	}
	if c.Login.MaxAttempts < 1 || c.Login.Window <= 0 || c.Login.PruneInterval <= 0 {
		return invalid("login", oops.Errorf("max attempts, window and prune interval must be positive"))
	}
	switch c.Revocation.Backend {
	case RevocationMemory, RevocationPostgres:
	default:
		return invalid("revocation", oops.Errorf("unknown backend %q", c.Revocation.Backend))
	}
	if c.Revocation.PruneInterval <= 0 {
		return invalid("revocation", oops.Errorf("prune interval must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		return invalid("retry", oops.Errorf("base delay must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log", oops.Errorf("unknown format %q", c.Log.Format))
	}
	return nil
}

func invalid(section string, err error) error {
	return oops.Code("CONFIG_INVALID").With("section", section).Wrap(err)
}

// Pool returns the connection pool configuration.
func (c *Config) Pool() pool.Config {
	return pool.Config{
		MaxSize:          c.Database.MaxSize,
		AcquireTimeout:   c.Database.AcquireTimeout,
		IdleTimeout:      c.Database.IdleTimeout,
		EvictionInterval: c.Database.EvictionInterval,
	}
}

// Argon2 returns the password hasher configuration.
func (c *Config) Argon2() auth.HasherConfig {
	return auth.HasherConfig{
		Time:      c.Hasher.Time,
		MemoryKiB: c.Hasher.MemoryKiB,
		Threads:   c.Hasher.Threads,
	}
}

// Limiter returns the login attempt limiter configuration.
func (c *Config) Limiter() auth.LimiterConfig {
	return auth.LimiterConfig{MaxAttempts: c.Login.MaxAttempts, Window: c.Login.Window}
}

// TokenService returns the token configuration. A signing key from the
// environment replaces the secret of the current key, or becomes the only
// key when none are configured.
func (c *Config) TokenService() (auth.TokenConfig, error) {
	keys := make([]KeyConfig, len(c.Token.Keys))
	copy(keys, c.Token.Keys)

	current := c.Token.CurrentKey
	if current == "" {
		switch len(keys) {
		case 0:
			current = defaultKeyID
		case 1:
			current = keys[0].ID
		default:
			return auth.TokenConfig{}, oops.Errorf("current_key is required when several keys are configured")
		}
	}

	if secret := strings.TrimSpace(c.Token.SigningKey); secret != "" {
		replaced := false
		for i := range keys {
			if keys[i].ID == current {
				keys[i].Secret = secret
				replaced = true
			}
		}
		if !replaced {
			keys = append(keys, KeyConfig{ID: current, Secret: secret})
		}
	}

	out := auth.TokenConfig{
		Issuer:    c.Token.Issuer,
		TTL:       c.Token.TTL,
		ClockSkew: c.Token.ClockSkew,
	}
	found := false
	for _, k := range keys {
		sk := auth.SigningKey{ID: k.ID, Secret: []byte(k.Secret)}
		if k.ID == current && !found {
			out.CurrentKey = sk
			found = true
			continue
		}
		out.PreviousKeys = append(out.PreviousKeys, sk)
	}
	if !found {
		return auth.TokenConfig{}, oops.With("current_key", current).
			Errorf("no signing key configured; set token.keys or %s", EnvSigningKey)
	}
	return out, nil
}

// Logging returns the logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{Format: c.Log.Format, Level: c.Log.Level}
}
