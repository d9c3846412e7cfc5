// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the healing engine.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// RunsTotal counts finished runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// AttemptsTotal counts attempts by phase reached and outcome.
	AttemptsTotal *prometheus.CounterVec

	// RestoresTotal counts backup restores by result.
	RestoresTotal *prometheus.CounterVec

	// RunDurationSeconds measures end-to-end run duration.
	RunDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all healing engine metrics.
//
// Description:
//
//	Uses promauto with the given registerer. Pass nil to register with
//	the default registerer.
//
// Outputs:
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mend",
				Subsystem: "healer",
				Name:      "runs_total",
				Help:      "Finished healing runs by terminal status",
			},
			[]string{"status"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mend",
				Subsystem: "healer",
				Name:      "attempts_total",
				Help:      "Repair attempts by phase reached and outcome",
			},
			[]string{"phase", "outcome"},
		),
		RestoresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mend",
				Subsystem: "healer",
				Name:      "restores_total",
				Help:      "Backup restores by result",
			},
			[]string{"result"},
		),
		RunDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "mend",
				Subsystem: "healer",
				Name:      "run_duration_seconds",
				Help:      "End-to-end healing run duration",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
	}
}
