// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for statement metrics.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeTimeout      = "timeout"
	OutcomeConnectivity = "connectivity"
	OutcomeCanceled     = "canceled"
)

// StatementDuration is the histogram of statement execution time, from
// send until the cursor is closed.
// Use RegisterMetrics to register this with a Prometheus registry.
var StatementDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gatekeeper_statement_duration_seconds",
		Help:    "Statement execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"statement", "outcome"},
)

// RegisterMetrics registers query package metrics with the given Prometheus registry.
// Panics if registration fails.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(StatementDuration)
}

func recordStatement(name, outcome string, d time.Duration) {
	StatementDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}
