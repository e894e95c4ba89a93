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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Failure Kinds
// -----------------------------------------------------------------------------

// FailureKind classifies a terminal acquisition failure.
//
// # Description
//
// The kind is attached at the point the error is created, never inferred
// later from message text. The presentation layer uses it to choose user
// guidance: retry (download), pick a different model (validation), or
// try a smaller model (engine).
type FailureKind int

const (
	// FailureDownload indicates the transfer failed after exhausting
	// retries, or failed with a non-retryable transport/HTTP error.
	FailureDownload FailureKind = iota

	// FailureValidation indicates a size or digest mismatch. The bad file
	// has already been deleted when this kind is reported.
	FailureValidation

	// FailureEngine indicates the artifact is intact on disk but the
	// inference engine rejected it.
	FailureEngine

	// FailureIO indicates a filesystem failure (permissions, missing
	// directories) that survived the fallback storage root.
	FailureIO

	// FailureCancelled indicates the session was cancelled by the caller
	// or superseded by a newer acquisition.
	FailureCancelled
)

// String returns the failure kind as a string for logging.
func (k FailureKind) String() string {
	switch k {
	case FailureDownload:
		return "DOWNLOAD"
	case FailureValidation:
		return "VALIDATION"
	case FailureEngine:
		return "ENGINE"
	case FailureIO:
		return "IO"
	case FailureCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// -----------------------------------------------------------------------------
// AcquireError
// -----------------------------------------------------------------------------

// AcquireError is the terminal error surfaced by the orchestrator.
type AcquireError struct {
	// Kind classifies the failure for programmatic handling.
	Kind FailureKind

	// Artifact is the id of the descriptor being acquired.
	Artifact string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *AcquireError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *AcquireError) Unwrap() error {
	return e.Err
}

// FullError returns a detailed error message including remediation.
func (e *AcquireError) FullError() string {
	msg := e.Message
	if e.Artifact != "" {
		msg += fmt.Sprintf(" (model: %s)", e.Artifact)
	}
	if e.Detail != "" {
		msg += "\n\nDetails: " + e.Detail
	}
	if e.Remediation != "" {
		msg += "\n\nTo fix:\n" + e.Remediation
	}
	return msg
}

// -----------------------------------------------------------------------------
// DownloadError
// -----------------------------------------------------------------------------

// DownloadError reports a single failed fetch attempt.
//
// # Description
//
// Retryable marks failures where re-attempting the same transfer may
// succeed (timeouts, resets, 5xx). Non-retryable failures (4xx, wrong
// content type, empty body) abort the retry loop immediately.
type DownloadError struct {
	// Retryable is true when another attempt may succeed.
	Retryable bool

	// StatusCode is the HTTP status, when one was received (0 otherwise).
	StatusCode int

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a retryable DownloadError.
// Unknown error types are treated as retryable transport faults.
func IsRetryable(err error) bool {
	var derr *DownloadError
	if errors.As(err, &derr) {
		return derr.Retryable
	}
	return true
}

// -----------------------------------------------------------------------------
// HashError
// -----------------------------------------------------------------------------

// HashError reports a digest computation failure (unreadable file,
// interrupted read).
type HashError struct {
	// Path is the file being hashed.
	Path string

	// Message is a human-readable error description.
	Message string

	// Err is the underlying I/O error.
	Err error
}

// Error implements the error interface.
func (e *HashError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *HashError) Unwrap() error {
	return e.Err
}
