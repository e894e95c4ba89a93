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

import "sync"

// -----------------------------------------------------------------------------
// Phases and Bands
// -----------------------------------------------------------------------------

// Phase names the stage of an acquisition that a progress event belongs to.
type Phase int

const (
	// PhaseResolving covers path resolution and the pre-download cache check.
	PhaseResolving Phase = iota

	// PhaseDownloading covers the network transfer.
	PhaseDownloading

	// PhaseValidating covers the post-download size/digest verification.
	PhaseValidating

	// PhaseInitializing covers engine load of the validated artifact.
	PhaseInitializing

	// PhaseReady is the terminal success phase (always 100%).
	PhaseReady
)

// String returns the phase as a string for logging.
func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseDownloading:
		return "downloading"
	case PhaseValidating:
		return "validating"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Band boundaries for mapping per-phase progress onto the combined
// 0-100 scale. Each phase owns a half-open band; the bands tile the
// scale so the combined percent can never regress across a phase
// transition.
const (
	bandDownloadStart = 0.0
	bandDownloadEnd   = 70.0
	bandValidateEnd   = 85.0
	bandInitEnd       = 100.0
)

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// ProgressEvent is one emission of the unified progress signal.
//
// Percent is on the combined 0-100 scale and is monotonically
// non-decreasing within a session. Events are created per emission and
// not retained.
type ProgressEvent struct {
	// Phase is the acquisition stage this event belongs to.
	Phase Phase

	// Percent is the combined 0-100 progress value.
	Percent float64

	// Message is a short human-readable status line.
	Message string
}

// ProgressFunc consumes progress events. Callbacks are invoked
// synchronously from the acquisition flow; long-running callbacks slow
// the transfer down.
type ProgressFunc func(ProgressEvent)

// -----------------------------------------------------------------------------
// Band Mapping
// -----------------------------------------------------------------------------

// remapBand linearly rescales a sub-phase's 0-100 progress into the
// combined band [lo, hi].
//
// # Description
//
// Pure function, strict linear interpolation. Out-of-range raw values
// are clamped so a misbehaving source (a server reporting 104%) cannot
// push the combined signal outside its band.
//
// # Examples
//
//	remapBand(50, 0, 70)  // 35
//	remapBand(100, 70, 85) // 85
func remapBand(raw, lo, hi float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	return lo + raw/100*(hi-lo)
}

// -----------------------------------------------------------------------------
// Monotonic Emitter
// -----------------------------------------------------------------------------

// progressEmitter is the single owner of the combined progress signal
// for one session.
//
// It enforces the two delivery invariants: percent never decreases
// within the session, and nothing is emitted once the session stops
// being the active one (cancelled or superseded).
type progressEmitter struct {
	mu      sync.Mutex
	session *Session
	fn      ProgressFunc
	last    float64
}

func newProgressEmitter(session *Session, fn ProgressFunc) *progressEmitter {
	return &progressEmitter{session: session, fn: fn}
}

// emit delivers one event, clamped to be non-decreasing. Events for a
// session that is no longer active are dropped, even if an in-flight
// operation completes afterwards.
func (e *progressEmitter) emit(phase Phase, percent float64, message string) {
	if e.fn == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && !e.session.Active() {
		return
	}
	if percent < e.last {
		percent = e.last
	}
	e.last = percent

	e.fn(ProgressEvent{Phase: phase, Percent: percent, Message: message})
}
