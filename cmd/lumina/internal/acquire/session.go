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
	"sync"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is the cancellation and mutual-exclusion envelope around one
// acquisition run.
//
// # Description
//
// A session carries a token (uuid) and a generation number. Every state
// mutation and progress emission during an acquisition first asks
// "am I still the active session?" via Active. This replaces a mutex
// boolean flag: a cancelled session whose in-flight network operation
// completes late observes Active() == false and discards the result
// instead of acting on it.
type Session struct {
	id      uuid.UUID
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	tracker *SessionTracker
}

// ID returns the session's unique token.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Context returns the session-scoped context. Every suspension point in
// the acquisition (network, disk, backoff sleeps) uses this context, so
// cancelling the session is observed at the next suspension point.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Active reports whether this session is still the tracker's current
// one and has not been cancelled.
func (s *Session) Active() bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.tracker.currentGen() == s.gen
}

// Finish marks the session terminal and releases its exclusivity. Safe
// to call more than once; a session that was already superseded is left
// alone.
func (s *Session) Finish() {
	s.cancel()
	s.tracker.release(s.gen)
}

// -----------------------------------------------------------------------------
// SessionTracker
// -----------------------------------------------------------------------------

// SessionTracker enforces the single-active-session invariant.
//
// # Description
//
// At most one session is non-terminal at a time. Begin adopts the
// cancel-and-restart policy: starting a new acquisition while one is in
// flight cancels the prior session, since a user-initiated "load a
// different model" supersedes the stale request.
//
// # Thread Safety
//
// Safe for concurrent use.
type SessionTracker struct {
	mu     sync.Mutex
	gen    uint64
	active *Session
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{}
}

// Begin starts a new session, cancelling any active one first.
//
// # Inputs
//
//   - parent: Context the session context derives from; cancelling the
//     parent cancels the session
//
// # Outputs
//
//   - *Session: The new active session
func (t *SessionTracker) Begin(parent context.Context) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		slog.Info("Cancelling in-flight acquisition superseded by a new request",
			"session", t.active.id)
		t.active.cancel()
	}

	t.gen++
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:      uuid.New(),
		gen:     t.gen,
		ctx:     ctx,
		cancel:  cancel,
		tracker: t,
	}
	t.active = s
	return s
}

// CancelActive cancels the active session, if any. Returns true when a
// session was cancelled. Best-effort: the acquisition observes the
// cancellation at its next suspension point.
func (t *SessionTracker) CancelActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return false
	}
	t.active.cancel()
	t.active = nil
	return true
}

// IsActive reports whether a session is currently in flight.
func (t *SessionTracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

func (t *SessionTracker) currentGen() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// release clears the active slot if it still belongs to gen.
func (t *SessionTracker) release(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil && t.active.gen == gen {
		t.active = nil
	}
}
