// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds helpers for logging and presenting oops errors.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err with its oops code and context when it carries them.
// Callers should not put secrets in oops context; the logging handler
// redacts well-known secret keys but cannot see inside opaque values.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{
			"error", oopsErr.Error(),
		}
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}

// PublicMessage returns the message safe to show an end user: the public
// message attached with oops.Public, or fallback when there is none.
func PublicMessage(err error, fallback string) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if msg := oopsErr.Public(); msg != "" {
			return msg
		}
	}
	return fallback
}
