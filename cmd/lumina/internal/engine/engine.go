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
Package engine is the boundary to the local inference runtime.

# Problem Statement

The acquisition core produces a validated artifact path; something has
to turn that path into a running model and a token stream. The runtime
(llama-server) is an external process with its own failure modes:
missing binary, malformed artifact, insufficient memory, mid-generation
faults. The rest of the application must see those as structured
EngineError values, never as stringly-typed guesses.

# Solution

	┌──────────────────────────────────────────────────────────┐
	│                     engine.Engine                        │
	├──────────────────────────────────────────────────────────┤
	│                                                          │
	│  Initialize(path, opts) ── spawn llama-server -m path    │
	│      │                     poll /health until ready      │
	│      └──> *Handle (one per loaded model)                 │
	│                                                          │
	│  Generate(handle, ...) ─── POST /completion, stream:true │
	│      └──> accumulated text per token via callback        │
	│                                                          │
	│  Release(handle) ───────── stop the server, idempotent   │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

The orchestrator is the sole owner of the active Handle. There is no
process-wide singleton: tests construct as many Engine values as they
like without interference.

# Related Files

  - llamaserver.go: the llama-server implementation
  - internal/acquire/orchestrator.go: integration point
*/
package engine

import "context"

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// EngineErrorType categorizes engine failures for programmatic handling.
type EngineErrorType int

const (
	// EngineErrorBinaryNotFound indicates the runtime binary is not installed.
	EngineErrorBinaryNotFound EngineErrorType = iota

	// EngineErrorStartFailed indicates the runtime process could not start.
	EngineErrorStartFailed

	// EngineErrorLoadFailed indicates the runtime rejected the artifact
	// (corrupt format, insufficient memory).
	EngineErrorLoadFailed

	// EngineErrorNotLoaded indicates Generate was called without a live handle.
	EngineErrorNotLoaded

	// EngineErrorGenerateFailed indicates a fault during token generation.
	EngineErrorGenerateFailed

	// EngineErrorInvalidResponse indicates the runtime returned unparseable data.
	EngineErrorInvalidResponse

	// EngineErrorCancelled indicates the operation was cancelled.
	EngineErrorCancelled
)

// String returns the error type as a string for logging.
func (t EngineErrorType) String() string {
	switch t {
	case EngineErrorBinaryNotFound:
		return "BINARY_NOT_FOUND"
	case EngineErrorStartFailed:
		return "START_FAILED"
	case EngineErrorLoadFailed:
		return "LOAD_FAILED"
	case EngineErrorNotLoaded:
		return "NOT_LOADED"
	case EngineErrorGenerateFailed:
		return "GENERATE_FAILED"
	case EngineErrorInvalidResponse:
		return "INVALID_RESPONSE"
	case EngineErrorCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// EngineError provides structured error information for engine operations.
type EngineError struct {
	// Type categorizes the error for programmatic handling.
	Type EngineErrorType

	// ModelPath is the artifact involved, when applicable.
	ModelPath string

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
func (e *EngineError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// FullError returns a detailed error message including remediation.
func (e *EngineError) FullError() string {
	msg := e.Message
	if e.ModelPath != "" {
		msg += " (model: " + e.ModelPath + ")"
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
// Data Types
// -----------------------------------------------------------------------------

// InitOptions tunes runtime initialization.
type InitOptions struct {
	// ContextSize is the token context window (default 2048).
	ContextSize int

	// BatchSize is the prompt processing batch (default 512).
	BatchSize int

	// Threads is the CPU thread count (default 4).
	Threads int
}

// withDefaults fills zero fields with the standard values.
func (o InitOptions) withDefaults() InitOptions {
	if o.ContextSize <= 0 {
		o.ContextSize = 2048
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 512
	}
	if o.Threads <= 0 {
		o.Threads = 4
	}
	return o
}

// InitProgressFunc observes engine initialization: percent is 0-100 on
// the engine's own scale (the orchestrator remaps it into the combined
// signal).
type InitProgressFunc func(percent float64, message string)

// TokenFunc receives the accumulated generation text after each token.
type TokenFunc func(accumulated string)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Engine is the inference runtime collaborator.
//
// Implementations must be safe for concurrent use, though only one
// model may be loaded per Engine at a time; the caller releases the
// previous Handle before (or as part of) acquiring the next one to
// bound peak memory.
type Engine interface {
	// Initialize loads the artifact at path and returns a live Handle.
	// Fails with *EngineError when the artifact is malformed, unreadable,
	// or the runtime cannot allocate resources for it.
	Initialize(ctx context.Context, path string, opts InitOptions, onProgress InitProgressFunc) (*Handle, error)

	// Generate streams text for the prompt pair, emitting accumulated
	// text per token and returning when generation completes.
	Generate(ctx context.Context, h *Handle, systemPrompt, userPrompt string, onToken TokenFunc) error

	// Release frees the handle's resources. Idempotent.
	Release(h *Handle) error
}
