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
	"fmt"
	"log/slog"
	"os"
)

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// ValidationResult reports the outcome of checking a local artifact
// against its expectations. Produced by Validator, consumed immediately
// by the orchestrator; never persisted.
type ValidationResult struct {
	// Exists is true when a file is present at the path.
	Exists bool

	// SizeMatch is true when the size check passed or was skipped.
	SizeMatch bool

	// DigestMatch is true when the digest check passed or was skipped.
	DigestMatch bool

	// ActualSize is the observed file size (set when the file exists).
	ActualSize int64

	// ExpectedSize echoes the expectation that was checked (0 = skipped).
	ExpectedSize int64

	// ActualDigest is the computed hex digest (set when hashing ran).
	ActualDigest string

	// ExpectedDigest echoes the expectation that was checked ("" = skipped).
	ExpectedDigest string

	// ErrorDetail describes the first failed check, for display.
	ErrorDetail string
}

// IsValid reports whether every performed check passed.
func (r *ValidationResult) IsValid() bool {
	return r.Exists && r.SizeMatch && r.DigestMatch
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Validator decides whether a local artifact is usable without
// re-downloading.
//
// Implementations must be stateless across calls and safe for
// concurrent use.
type Validator interface {
	// Validate checks path against the supplied expectations.
	// expectedSize 0 skips the size check; expectedDigest "" skips the
	// digest check. onHashProgress (nil ok) observes the digest pass.
	Validate(ctx context.Context, path string, expectedSize int64, expectedDigest string, onHashProgress HashProgressFunc) (*ValidationResult, error)
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// FileValidator implements Validator against the local filesystem.
//
// # Description
//
// Checks run cheapest-first and short-circuit on failure:
//
//  1. Existence (one stat). Missing file stops here.
//  2. Size (same stat). A mismatch stops before any hashing; no O(n)
//     digest of a file already known to be wrong.
//  3. Digest (streaming SHA-256 via the injected Hasher).
//
// A check with no expectation supplied is skipped and counts as passed.
type FileValidator struct {
	hasher Hasher
}

// NewFileValidator creates a Validator using the given Hasher.
func NewFileValidator(hasher Hasher) *FileValidator {
	return &FileValidator{hasher: hasher}
}

// Validate checks path against the supplied expectations.
//
// # Description
//
// Returns a populated ValidationResult for every outcome that is a
// legitimate validation verdict, including "file missing" and
// "mismatch". The error return is reserved for environmental failures:
// an unreadable file during hashing, or a cancelled context.
//
// # Inputs
//
//   - ctx: Context for cancellation (observed during hashing)
//   - path: Artifact location
//   - expectedSize: Exact expected byte count (0 = skip)
//   - expectedDigest: Lowercase hex SHA-256 ("" = skip)
//   - onHashProgress: Digest progress observer (nil = none)
//
// # Outputs
//
//   - *ValidationResult: Verdict with per-check detail
//   - error: *HashError or ctx.Err() only
func (v *FileValidator) Validate(ctx context.Context, path string, expectedSize int64, expectedDigest string, onHashProgress HashProgressFunc) (*ValidationResult, error) {
	result := &ValidationResult{
		ExpectedSize:   expectedSize,
		ExpectedDigest: expectedDigest,
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			result.ErrorDetail = "model file does not exist"
			return result, nil
		}
		return result, fmt.Errorf("stat %s: %w", path, err)
	}
	result.Exists = true
	result.ActualSize = info.Size()

	if expectedSize > 0 && info.Size() != expectedSize {
		result.ErrorDetail = fmt.Sprintf("size mismatch: expected %d, got %d", expectedSize, info.Size())
		slog.Debug("Validation failed on size", "path", path,
			"expected", expectedSize, "actual", info.Size())
		return result, nil
	}
	result.SizeMatch = true

	if expectedDigest != "" {
		actual, err := v.hasher.DigestWithProgress(ctx, path, onHashProgress)
		if err != nil {
			return result, err
		}
		result.ActualDigest = actual

		if actual != expectedDigest {
			result.ErrorDetail = fmt.Sprintf("digest mismatch: expected %s, got %s", expectedDigest, actual)
			slog.Debug("Validation failed on digest", "path", path,
				"expected", expectedDigest, "actual", actual)
			return result, nil
		}
	}
	result.DigestMatch = true

	return result, nil
}
