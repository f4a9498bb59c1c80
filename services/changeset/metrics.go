// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changeset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "aleutian"

// Subsystem for changeset lifecycle metrics.
const changesetSubsystem = "changeset"

// Metrics holds all Prometheus metrics for the lifecycle engine.
//
// # Description
//
// Counters, histograms, and gauges for monitoring proposal throughput
// and failure modes. Initialize once at startup via InitMetrics(); an
// engine with nil metrics records nothing, which is what tests use.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
type Metrics struct {
	// TransitionsTotal counts committed status transitions.
	// Labels: from, to
	TransitionsTotal *prometheus.CounterVec

	// ApplyDurationSeconds measures the full apply operation, backend
	// write included.
	// Labels: kind (text, table, document), status (applied, failed)
	ApplyDurationSeconds *prometheus.HistogramVec

	// ActiveChangeSets tracks records in a non-terminal status.
	ActiveChangeSets prometheus.Gauge

	// ErrorsTotal counts engine errors by kind.
	// Labels: kind (scope_conflict, invalid_transition, diff, backend_read,
	// backend_write, restore)
	ErrorsTotal *prometheus.CounterVec

	// SnapshotsHeld tracks live snapshots.
	SnapshotsHeld prometheus.Gauge
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: changesetSubsystem,
				Name:      "transitions_total",
				Help:      "Total committed status transitions by edge",
			},
			[]string{"from", "to"},
		),

		ApplyDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: changesetSubsystem,
				Name:      "apply_duration_seconds",
				Help:      "Duration of apply operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"kind", "status"},
		),

		ActiveChangeSets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: changesetSubsystem,
				Name:      "active_changesets",
				Help:      "ChangeSets currently in a non-terminal status",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: changesetSubsystem,
				Name:      "errors_total",
				Help:      "Total engine errors by kind",
			},
			[]string{"kind"},
		),

		SnapshotsHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: changesetSubsystem,
				Name:      "snapshots_held",
				Help:      "Snapshots currently held for non-terminal ChangeSets",
			},
		),
	}

	return DefaultMetrics
}

// recordTransition increments the transition counter and adjusts the
// active gauge. Nil-safe.
func (m *Metrics) recordTransition(from, to Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	if from == "" && to == StatusDraft {
		m.ActiveChangeSets.Inc()
	}
	if to.IsTerminal() {
		m.ActiveChangeSets.Dec()
	}
}

// recordError increments the error counter. Nil-safe.
func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// setSnapshotsHeld updates the snapshot gauge. Nil-safe.
func (m *Metrics) setSnapshotsHeld(n int) {
	if m == nil {
		return
	}
	m.SnapshotsHeld.Set(float64(n))
}

// observeApply records an apply duration. Nil-safe.
func (m *Metrics) observeApply(kind Kind, status Status, seconds float64) {
	if m == nil {
		return
	}
	m.ApplyDurationSeconds.WithLabelValues(kind.String(), status.String()).Observe(seconds)
}
