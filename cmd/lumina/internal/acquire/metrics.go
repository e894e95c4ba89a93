// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package acquire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// downloadAttemptsTotal counts fetch attempts by result.
	downloadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumina_download_attempts_total",
		Help: "Total download attempts by result",
	}, []string{"result"})

	// downloadRetriesTotal counts retries scheduled by the backoff wrapper.
	downloadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumina_download_retries_total",
		Help: "Total download retries scheduled after retryable failures",
	})

	// downloadBytesTotal counts bytes written to disk across all transfers.
	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumina_download_bytes_total",
		Help: "Total artifact bytes written to disk",
	})

	// acquisitionFailuresTotal counts terminal failures by kind.
	acquisitionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumina_acquisition_failures_total",
		Help: "Total terminal acquisition failures by kind",
	}, []string{"kind"})

	// acquisitionPhaseDuration tracks time spent per acquisition phase.
	acquisitionPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lumina_acquisition_phase_duration_seconds",
		Help:    "Acquisition phase duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13min
	}, []string{"phase"})

	// cacheHitsTotal counts acquisitions satisfied without a download.
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumina_cache_hits_total",
		Help: "Acquisitions where the local artifact was already valid",
	})
)
