// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Login attempt limiting defaults.
const (
	// DefaultMaxAttempts is the number of login attempts allowed per window.
	DefaultMaxAttempts = 5

	// DefaultAttemptWindow is how long attempts are counted before resetting.
	DefaultAttemptWindow = 15 * time.Minute
)

// LimiterConfig bounds login attempts per username.
type LimiterConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultLimiterConfig returns the default attempt policy.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{MaxAttempts: DefaultMaxAttempts, Window: DefaultAttemptWindow}
}

type attemptWindow struct {
	count     int
	expiresAt time.Time
}

// AttemptLimiter counts login attempts per normalized username in fixed
// windows. Every attempt counts, successful or not; a success clears the
// username's window.
type AttemptLimiter struct {
	cfg LimiterConfig
	now Clock

	mu      sync.Mutex
	entries map[string]*attemptWindow
}

// NewAttemptLimiter creates a limiter. A nil clock uses time.Now.
func NewAttemptLimiter(cfg LimiterConfig, clock Clock) (*AttemptLimiter, error) {
	if cfg.MaxAttempts < 1 {
		return nil, oops.Code("LIMITER_INVALID_CONFIG").Errorf("max attempts must be at least 1")
	}
	if cfg.Window <= 0 {
		return nil, oops.Code("LIMITER_INVALID_CONFIG").Errorf("window must be positive")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AttemptLimiter{
		cfg:     cfg,
		now:     clock,
		entries: make(map[string]*attemptWindow),
	}, nil
}

// Allow records an attempt for username. It returns false, with the time
// left in the window, once more than MaxAttempts have been made.
func (l *AttemptLimiter) Allow(username string) (time.Duration, bool) {
	key := NormalizeUsername(username)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries[key]
	if !ok || !now.Before(w.expiresAt) {
		l.entries[key] = &attemptWindow{count: 1, expiresAt: now.Add(l.cfg.Window)}
		return 0, true
	}
	w.count++
	if w.count > l.cfg.MaxAttempts {
		return w.expiresAt.Sub(now), false
	}
	return 0, true
}

// Reset clears username's window.
func (l *AttemptLimiter) Reset(username string) {
	key := NormalizeUsername(username)
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Prune drops expired windows and returns how many were removed.
func (l *AttemptLimiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, w := range l.entries {
		if !now.Before(w.expiresAt) {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked usernames.
func (l *AttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run prunes every interval until ctx is done.
func (l *AttemptLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
