// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus counters for the recovery engine. All
// methods are safe on a nil receiver so callers can run with metrics
// disabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	recovered         prometheus.Counter
	gaveUp            prometheus.Counter
	detectionTimeouts prometheus.Counter
	activeFallbacks   prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterfall_recovered_total",
			Help: "Chapters successfully recovered from an alternate source.",
		}),
		gaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterfall_gave_up_total",
			Help: "Failures abandoned after exhausting all sources and retry loops.",
		}),
		detectionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterfall_detection_timeouts_total",
			Help: "Recovered files the server never acknowledged within the grace period.",
		}),
		activeFallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chapterfall_active_fallbacks",
			Help: "Fallback downloads currently in flight on the server.",
		}),
	}
	c.registry.MustRegister(c.recovered, c.gaveUp, c.detectionTimeouts, c.activeFallbacks)
	return c
}

func (c *Collector) Recovered() {
	if c != nil {
		c.recovered.Inc()
	}
}

func (c *Collector) GaveUp() {
	if c != nil {
		c.gaveUp.Inc()
	}
}

func (c *Collector) DetectionTimeout() {
	if c != nil {
		c.detectionTimeouts.Inc()
	}
}

func (c *Collector) SetActiveFallbacks(n int) {
	if c != nil {
		c.activeFallbacks.Set(float64(n))
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
