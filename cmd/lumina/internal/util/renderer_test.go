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
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewProgressRenderer_PicksLineRendererForBuffer(t *testing.T) {
	var buf bytes.Buffer
	r := NewProgressRenderer(&buf)
	if _, ok := r.(*lineRenderer); !ok {
		t.Fatalf("renderer = %T, want *lineRenderer for non-TTY writer", r)
	}
}

func TestNewProgressRenderer_NilIsSilent(t *testing.T) {
	r := NewProgressRenderer(nil)
	if _, ok := r.(*silentRenderer); !ok {
		t.Fatalf("renderer = %T, want *silentRenderer", r)
	}
	r.Render(50, "no output expected")
	r.Complete(true, "still nothing")
}

func TestLineRenderer_RateLimits(t *testing.T) {
	var buf bytes.Buffer
	r := &lineRenderer{w: &buf, minInterval: time.Hour}

	r.Render(10, "first")
	r.Render(20, "suppressed")
	r.Render(30, "also suppressed")

	lines := strings.Count(buf.String(), "\n")
	if lines != 1 {
		t.Errorf("lines = %d, want 1 (rate limited)", lines)
	}
	if !strings.Contains(buf.String(), "first") {
		t.Errorf("output = %q, missing first render", buf.String())
	}
}

func TestLineRenderer_AlwaysShows100Percent(t *testing.T) {
	var buf bytes.Buffer
	r := &lineRenderer{w: &buf, minInterval: time.Hour}

	r.Render(10, "first")
	r.Render(100, "complete")

	if !strings.Contains(buf.String(), "complete") {
		t.Errorf("100%% render suppressed: %q", buf.String())
	}
}

func TestLineRenderer_Complete(t *testing.T) {
	var buf bytes.Buffer
	r := &lineRenderer{w: &buf, minInterval: time.Hour}

	r.Complete(true, "model ready")
	if !strings.Contains(buf.String(), "done: model ready") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	r.Complete(false, "download failed")
	if !strings.Contains(buf.String(), "failed: download failed") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSanitize_StripsControlCharacters(t *testing.T) {
	in := "evil\x1b[2Jmessage\rwith\ncontrols\tkept-tab"
	out := sanitize(in)
	if strings.ContainsAny(out, "\x1b\r\n") {
		t.Errorf("sanitize left control characters: %q", out)
	}
	if !strings.Contains(out, "\t") {
		t.Error("sanitize should keep tabs")
	}
}

func TestBarRenderer_DrawsBar(t *testing.T) {
	var buf bytes.Buffer
	r := &barRenderer{w: &buf, minInterval: 0}

	r.Render(50, "halfway")
	out := buf.String()
	if !strings.Contains(out, "█") || !strings.Contains(out, "░") {
		t.Errorf("bar output missing bar glyphs: %q", out)
	}
	if !strings.Contains(out, "50.0%") {
		t.Errorf("bar output missing percent: %q", out)
	}
}
