// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rigchat"

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry prometheus.Gatherer

	turnsStarted   *prometheus.CounterVec
	turnsFinished  *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	firstToken     prometheus.Histogram
	activeStreams  prometheus.Gauge
	flushes        prometheus.Counter
	storeFailures  *prometheus.CounterVec
	ingestions     *prometheus.CounterVec
	regenDropped   prometheus.Counter
	rateLimited    prometheus.Counter
	tokensReceived *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors. A nil registerer gets a
// fresh private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		registry: gatherer,
		turnsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Turns started, by kind (send, regenerate, continue).",
		}, []string{"kind"}),
		turnsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finished_total",
			Help:      "Turns finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from turn start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Delay between turn start and the first streamed text.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming tasks currently running.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_flushes_total",
			Help:      "Partial text flushes written to the message store.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Message store writes that failed, by operation.",
		}, []string{"op"}),
		ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ingestions_total",
			Help:      "Memory ingestion attempts, by result.",
		}, []string{"result"}),
		regenDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regenerate_throttled_total",
			Help:      "Regenerate calls dropped by the throttle.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends refused by the client or service rate limit.",
		}),
		tokensReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the generation service, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.turnsStarted, m.turnsFinished, m.turnDuration, m.firstToken,
		m.activeStreams, m.flushes, m.storeFailures, m.ingestions,
		m.regenDropped, m.rateLimited, m.tokensReceived,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry the collectors were registered with.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

// =============================================================================
// RECORDING
// =============================================================================

// TurnStarted records the start of a streaming task.
func (m *Metrics) TurnStarted(kind string) {
	if m == nil {
		return
	}
	m.turnsStarted.WithLabelValues(kind).Inc()
	m.activeStreams.Inc()
}

// TurnFinished records a terminal state.
func (m *Metrics) TurnFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsFinished.WithLabelValues(kind, outcome).Inc()
	m.turnDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.activeStreams.Dec()
}

// FirstToken records time to first token.
func (m *Metrics) FirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.firstToken.Observe(d.Seconds())
}

// Flushed counts one partial flush.
func (m *Metrics) Flushed() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

// StoreFailed counts a failed store write.
func (m *Metrics) StoreFailed(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

// Ingested counts a memory ingestion by result: "ok", "failed", "skipped".
func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(result).Inc()
}

// RegenerateThrottled counts a dropped regenerate call.
func (m *Metrics) RegenerateThrottled() {
	if m == nil {
		return
	}
	m.regenDropped.Inc()
}

// RateLimited counts a refused send.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Tokens adds token counts.
func (m *Metrics) Tokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.tokensReceived.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.tokensReceived.WithLabelValues("output").Add(float64(output))
	}
}
