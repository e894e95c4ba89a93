// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package acquire turns a catalog entry into a validated, engine-loaded
// model artifact.
//
// # Problem Statement
//
// Model artifacts are multi-gigabyte files fetched over unreliable
// networks from sources that sometimes answer with HTML error pages
// instead of bytes. A partially written or corrupt artifact that
// reaches the inference engine produces crashes that are expensive to
// diagnose. Users also change their mind mid-download, and a stale
// acquisition must never clobber the one that replaced it.
//
// # Solution
//
// A small pipeline of single-purpose collaborators driven by one
// orchestrator:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                      Orchestrator                        │
//	│                                                          │
//	│  Resolve ──► Pre-validate ──► Download ──► Validate ──►  │
//	│  (storage     (cache hit       (retry +     (size +      │
//	│   roots)       skips net)       backoff)     sha256)     │
//	│                                                 │        │
//	│                                                 ▼        │
//	│                                            Initialize    │
//	│                                            (engine)      │
//	└──────────────────────────────────────────────────────────┘
//
// Progress from all phases is remapped onto one 0-100 scale
// (download [0,70), validation [70,85), initialization [85,100]) and
// emitted through a session-owned emitter that guarantees the percent
// never decreases and that a cancelled session goes silent.
//
// Concurrency follows a cancel-and-restart policy: starting an
// acquisition cancels the in-flight one. Sessions carry a generation
// counter, so a superseded run that limps to completion cannot touch
// shared state.
//
// # Usage
//
//	orch := acquire.NewOrchestrator(modelsDir, fallbackDir, eng)
//	art, err := orch.Acquire(ctx, desc, func(ev acquire.ProgressEvent) {
//	    fmt.Printf("%s %.0f%%\n", ev.Message, ev.Percent)
//	})
//
// # Related Files
//
//   - orchestrator.go: state machine and phase sequencing
//   - downloader.go: HTTP transfer with response sanity checks
//   - retry.go: exponential backoff around the downloader
//   - validator.go / hasher.go: size and sha256 verification
//   - resolver.go: primary/fallback storage roots
//   - session.go: cancel-and-restart session tracking
//   - progress.go: band remapping and the monotonic emitter
package acquire
