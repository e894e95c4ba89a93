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
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// -----------------------------------------------------------------------------
// Retry Configuration
// -----------------------------------------------------------------------------

// Default retry policy: up to 3 attempts with delays 1s, 2s (capped at 10s).
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// RetryConfig bounds the retry envelope around a download.
type RetryConfig struct {
	// MaxAttempts is the total number of fetch attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles each
	// retry after that.
	BaseDelay time.Duration

	// MaxDelay caps the growth of the inter-attempt delay.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the standard download retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// newBackOff builds the deterministic exponential schedule for this
// config. RandomizationFactor is zero on purpose: the delay sequence is
// part of the documented contract (base, base*2, ... capped at max) and
// jitter buys nothing for a single client talking to a CDN.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.MaxDelay
	return bo
}

// -----------------------------------------------------------------------------
// Retry Wrapper
// -----------------------------------------------------------------------------

// FetchRequest carries the parameters of one logical download through
// the retry wrapper.
type FetchRequest struct {
	URL          string
	DestPath     string
	ExpectedSize int64
	OnProgress   DownloadProgressFunc
	AuthToken    string
}

// FetchWithRetry runs Downloader.Fetch under the retry policy.
//
// # Description
//
// Retryable failures are absorbed and re-attempted with exponential
// backoff until the attempt budget is spent; the last error is then
// surfaced. A non-retryable failure (HTTP 404, wrong content type,
// empty body) aborts immediately without consuming further attempts.
// Cancelling ctx aborts the backoff sleep as well as the transfer.
//
// The Downloader's own cleanup invariant means destPath never holds a
// partial file between attempts.
//
// # Inputs
//
//   - ctx: Context for cancellation (session context in practice)
//   - d: The Downloader to invoke
//   - req: Transfer parameters
//   - cfg: Retry policy (zero-value fields fall back to defaults)
//
// # Outputs
//
//   - int64: Bytes written by the successful attempt
//   - error: The last *DownloadError after exhaustion, or immediately
//     for non-retryable failures
func FetchWithRetry(ctx context.Context, d Downloader, req FetchRequest, cfg RetryConfig) (int64, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}

	attempt := 0
	operation := func() (int64, error) {
		attempt++
		slog.Debug("Starting download attempt", "attempt", attempt, "max", cfg.MaxAttempts, "url", req.URL)

		written, err := d.Fetch(ctx, req.URL, req.DestPath, req.ExpectedSize, req.OnProgress, req.AuthToken)
		if err != nil {
			downloadAttemptsTotal.WithLabelValues("failure").Inc()
			if !IsRetryable(err) {
				slog.Warn("Download failed with non-retryable error, aborting",
					"attempt", attempt, "error", err)
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}

		downloadAttemptsTotal.WithLabelValues("success").Inc()
		return written, nil
	}

	notify := func(err error, delay time.Duration) {
		downloadRetriesTotal.Inc()
		slog.Info("Download attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
	}

	written, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(cfg.newBackOff()),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		slog.Error("Download failed", "attempts", attempt, "url", req.URL, "error", err)
		return 0, err
	}
	return written, nil
}
