// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package infra contains system pre-flight checks run before a model
acquisition starts.

# Problem Statement

Model artifacts are multi-gigabyte files. Starting a download that the
disk cannot hold, or when there is no network at all, wastes minutes of
user time before producing a cryptic mid-transfer failure. Both
conditions are cheap to detect up front.

# Solution

SystemChecker provides the two checks the acquisition orchestrator runs
before the download phase:

	┌─────────────────────────────────────────────────────┐
	│                  acquire.Orchestrator               │
	├─────────────────────────────────────────────────────┤
	│                                                     │
	│  1. SystemChecker.CheckDiskSpace(dir, required)     │
	│     └─ statfs on the storage root                   │
	│                                                     │
	│  2. SystemChecker.CheckNetworkConnectivity(ctx, url)│
	│     └─ HEAD probe against the artifact host         │
	│                                                     │
	└─────────────────────────────────────────────────────┘

A failed disk check is fatal (CheckError). A failed network check is
reported to the orchestrator, which classifies it as a retryable
download-class failure rather than aborting outright.

# Configuration

  - LUMINA_NETWORK_TIMEOUT: network probe timeout (default: 10s)

# Related Files

  - disk_unix.go / disk_windows.go: platform statfs implementations
  - internal/acquire/orchestrator.go: integration point
*/
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultNetworkTimeout bounds the connectivity probe.
	DefaultNetworkTimeout = 10 * time.Second

	// diskSpaceMargin is extra headroom required beyond the artifact size,
	// so a download never fills the disk to the last byte.
	diskSpaceMargin = 256 * 1024 * 1024 // 256 MB
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// CheckErrorType categorizes system check failures for programmatic handling.
type CheckErrorType int

const (
	// CheckErrorDiskSpaceLow indicates insufficient available disk space.
	CheckErrorDiskSpaceLow CheckErrorType = iota

	// CheckErrorNetworkUnavailable indicates the artifact host is unreachable.
	CheckErrorNetworkUnavailable

	// CheckErrorNetworkTimeout indicates the network probe timed out.
	CheckErrorNetworkTimeout

	// CheckErrorPermissionDenied indicates the storage root cannot be read.
	CheckErrorPermissionDenied
)

// String returns the error type as a string for logging.
func (t CheckErrorType) String() string {
	switch t {
	case CheckErrorDiskSpaceLow:
		return "DISK_SPACE_LOW"
	case CheckErrorNetworkUnavailable:
		return "NETWORK_UNAVAILABLE"
	case CheckErrorNetworkTimeout:
		return "NETWORK_TIMEOUT"
	case CheckErrorPermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "UNKNOWN"
	}
}

// CheckError provides structured error information for system checks.
type CheckError struct {
	// Type categorizes the error for programmatic handling.
	Type CheckErrorType

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *CheckError) FullError() string {
	msg := e.Message
	if e.Detail != "" {
		msg += "\n\nDetails: " + e.Detail
	}
	if e.Remediation != "" {
		msg += "\n\nTo fix:\n" + e.Remediation
	}
	return msg
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// SystemChecker defines the pre-flight checks run before acquisition.
//
// Implementations must be safe for concurrent use.
type SystemChecker interface {
	// CheckDiskSpace verifies dir's filesystem can hold requiredBytes
	// plus a safety margin. Returns a CheckError when it cannot.
	CheckDiskSpace(dir string, requiredBytes int64) error

	// CheckNetworkConnectivity probes the given URL with a HEAD request.
	// Returns a CheckError when the host is unreachable.
	CheckNetworkConnectivity(ctx context.Context, probeURL string) error
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// DefaultSystemChecker implements SystemChecker against the local system.
type DefaultSystemChecker struct {
	httpClient     *http.Client
	networkTimeout time.Duration
}

// NewDefaultSystemChecker creates a SystemChecker for the local system.
//
// # Description
//
// The network probe timeout defaults to 10s and can be overridden via
// the LUMINA_NETWORK_TIMEOUT environment variable (Go duration syntax).
//
// # Outputs
//
//   - *DefaultSystemChecker: Ready-to-use checker
func NewDefaultSystemChecker() *DefaultSystemChecker {
	timeout := DefaultNetworkTimeout
	if v := os.Getenv("LUMINA_NETWORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		} else {
			slog.Warn("Ignoring invalid LUMINA_NETWORK_TIMEOUT", "value", v)
		}
	}

	return &DefaultSystemChecker{
		httpClient:     &http.Client{Timeout: timeout},
		networkTimeout: timeout,
	}
}

// -----------------------------------------------------------------------------
// Disk Space
// -----------------------------------------------------------------------------

// CheckDiskSpace verifies the filesystem holding dir has room for
// requiredBytes plus the safety margin.
//
// # Description
//
// Uses statfs on the directory (platform-specific, see disk_unix.go).
// A zero requiredBytes still checks that the margin is available, which
// covers descriptors with unknown size.
//
// # Inputs
//
//   - dir: Directory on the target filesystem (the models root)
//   - requiredBytes: Expected artifact size (0 = unknown)
//
// # Outputs
//
//   - error: *CheckError when space is insufficient or dir is unreadable
func (c *DefaultSystemChecker) CheckDiskSpace(dir string, requiredBytes int64) error {
	available, err := availableDiskBytes(dir)
	if err != nil {
		return &CheckError{
			Type:        CheckErrorPermissionDenied,
			Message:     "Cannot inspect model storage directory",
			Detail:      err.Error(),
			Remediation: fmt.Sprintf("Check that %s exists and is readable", dir),
		}
	}

	needed := requiredBytes + diskSpaceMargin
	if available < needed {
		return &CheckError{
			Type:    CheckErrorDiskSpaceLow,
			Message: "Insufficient disk space for model download",
			Detail: fmt.Sprintf("need %d bytes (including %d margin), %d available at %s",
				needed, int64(diskSpaceMargin), available, dir),
			Remediation: "Free up disk space or remove unused models: lumina model rm <id>",
		}
	}

	slog.Debug("Disk space check passed", "dir", dir, "required", requiredBytes, "available", available)
	return nil
}

// -----------------------------------------------------------------------------
// Network
// -----------------------------------------------------------------------------

// CheckNetworkConnectivity probes the artifact host with a HEAD request.
//
// # Description
//
// Any HTTP response, including 4xx/5xx, proves the network path works;
// only transport failures are reported. The status code itself is the
// downloader's concern.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - probeURL: URL on the artifact host (typically the source URL)
//
// # Outputs
//
//   - error: *CheckError when the host cannot be reached
func (c *DefaultSystemChecker) CheckNetworkConnectivity(ctx context.Context, probeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return &CheckError{
			Type:        CheckErrorNetworkUnavailable,
			Message:     "Invalid probe URL",
			Detail:      err.Error(),
			Remediation: "Check the model's source URL in the catalog",
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errType := CheckErrorNetworkUnavailable
		if ctx.Err() == context.DeadlineExceeded {
			errType = CheckErrorNetworkTimeout
		}
		return &CheckError{
			Type:        errType,
			Message:     "Cannot reach model host",
			Detail:      err.Error(),
			Remediation: "Check your internet connection and try again",
		}
	}
	resp.Body.Close()

	slog.Debug("Network check passed", "url", probeURL, "status", resp.StatusCode)
	return nil
}
