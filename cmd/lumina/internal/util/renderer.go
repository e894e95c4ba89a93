// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// -----------------------------------------------------------------------------
// ProgressRenderer Interface
// -----------------------------------------------------------------------------

// ProgressRenderer displays acquisition progress to the user.
//
// # Description
//
// Abstracts progress display so the same acquisition code can drive an
// interactive terminal (carriage-return rewriting with a bar), a CI log
// (rate-limited lines), or nothing at all (--no-progress).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; progress callbacks may
// arrive from the download goroutine while Complete is called elsewhere.
type ProgressRenderer interface {
	// Render updates the display for the current operation.
	// percent is 0-100 on the combined scale; message describes the phase.
	Render(percent float64, message string)

	// Complete finalizes the display with a terminal line.
	Complete(success bool, message string)
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewProgressRenderer picks a renderer appropriate for the writer.
//
// # Description
//
// Returns a bar renderer when w is a TTY, a rate-limited line renderer
// otherwise. Pass nil to silence progress entirely.
//
// # Inputs
//
//   - w: Output destination, typically os.Stderr (nil = silent)
//
// # Outputs
//
//   - ProgressRenderer: Ready-to-use renderer
func NewProgressRenderer(w io.Writer) ProgressRenderer {
	if w == nil {
		return &silentRenderer{}
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return &barRenderer{w: w, minInterval: 100 * time.Millisecond}
	}
	return &lineRenderer{w: w, minInterval: 5 * time.Second}
}

// -----------------------------------------------------------------------------
// Bar Renderer (TTY)
// -----------------------------------------------------------------------------

// barRenderer rewrites a single line with a visual progress bar.
// Updates are rate-limited to avoid terminal flicker.
type barRenderer struct {
	mu          sync.Mutex
	w           io.Writer
	lastRender  time.Time
	minInterval time.Duration
	lastWidth   int
}

func (r *barRenderer) Render(percent float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastRender) < r.minInterval && percent < 100 {
		return
	}
	r.lastRender = now

	const barWidth = 30
	filled := int(percent / 100 * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	line := fmt.Sprintf("\r[%s] %5.1f%% %s", bar, percent, sanitize(message))
	r.writePadded(line)
}

func (r *barRenderer) Complete(success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mark := "✓"
	if !success {
		mark = "✗"
	}
	r.writePadded(fmt.Sprintf("\r%s %s", mark, sanitize(message)))
	fmt.Fprintln(r.w)
	r.lastWidth = 0
}

// writePadded clears leftovers from a longer previous line.
func (r *barRenderer) writePadded(line string) {
	pad := r.lastWidth - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprint(r.w, line+strings.Repeat(" ", pad))
	r.lastWidth = len(line)
}

// -----------------------------------------------------------------------------
// Line Renderer (non-TTY)
// -----------------------------------------------------------------------------

// lineRenderer emits one progress line at a time, rate-limited so CI logs
// are not flooded by per-chunk callbacks.
type lineRenderer struct {
	mu          sync.Mutex
	w           io.Writer
	lastRender  time.Time
	minInterval time.Duration
}

func (r *lineRenderer) Render(percent float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastRender) < r.minInterval && percent < 100 {
		return
	}
	r.lastRender = now
	fmt.Fprintf(r.w, "progress: %5.1f%% %s\n", percent, sanitize(message))
}

func (r *lineRenderer) Complete(success bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := "done"
	if !success {
		status = "failed"
	}
	fmt.Fprintf(r.w, "%s: %s\n", status, sanitize(message))
}

// -----------------------------------------------------------------------------
// Silent Renderer
// -----------------------------------------------------------------------------

type silentRenderer struct{}

func (s *silentRenderer) Render(float64, string) {}
func (s *silentRenderer) Complete(bool, string)  {}

// sanitize strips control characters so server-supplied status text cannot
// inject terminal escape sequences.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, s)
}
