// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports pool statistics as Prometheus metrics.
type Collector struct {
	pool *Pool

	maxSize      *prometheus.Desc
	total        *prometheus.Desc
	idle         *prometheus.Desc
	acquired     *prometheus.Desc
	acquires     *prometheus.Desc
	waits        *prometheus.Desc
	waitSeconds  *prometheus.Desc
	exhausted    *prometheus.Desc
	destroyed    *prometheus.Desc
	idleEvicted  *prometheus.Desc
	misuseErrors *prometheus.Desc
}

// NewCollector returns a collector reading stats from p.
func NewCollector(p *Pool) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("gatekeeper_pool_"+name, help, nil, nil)
	}
	return &Collector{
		pool:         p,
		maxSize:      desc("max_connections", "Maximum number of physical connections"),
		total:        desc("connections", "Open physical connections"),
		idle:         desc("idle_connections", "Idle physical connections"),
		acquired:     desc("acquired_connections", "Connections currently leased"),
		acquires:     desc("acquires_total", "Successful acquires"),
		waits:        desc("empty_acquires_total", "Acquires that had to wait for a connection"),
		waitSeconds:  desc("acquire_duration_seconds_total", "Total time spent acquiring connections"),
		exhausted:    desc("exhausted_total", "Acquires that failed with the pool exhausted"),
		destroyed:    desc("broken_destroyed_total", "Connections closed after being marked broken"),
		idleEvicted:  desc("idle_evicted_total", "Connections closed by idle eviction"),
		misuseErrors: desc("misuse_total", "Double releases and overlapping statements detected"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxSize
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.acquires
	ch <- c.waits
	ch <- c.waitSeconds
	ch <- c.exhausted
	ch <- c.destroyed
	ch <- c.idleEvicted
	ch <- c.misuseErrors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.maxSize, float64(s.MaxSize))
	gauge(c.total, float64(s.Total))
	gauge(c.idle, float64(s.Idle))
	gauge(c.acquired, float64(s.Acquired))
	counter(c.acquires, float64(s.AcquireCount))
	counter(c.waits, float64(s.EmptyAcquireCount))
	counter(c.waitSeconds, s.AcquireDuration.Seconds())
	counter(c.exhausted, float64(s.ExhaustedCount))
	counter(c.destroyed, float64(s.DestroyedBroken))
	counter(c.idleEvicted, float64(s.IdleEvictedCount))
	counter(c.misuseErrors, float64(s.MisuseCount))
}
