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
Inference server client tests.

# Testing Strategy

These tests exercise the client in attach mode against httptest
servers that speak the llama-server HTTP API: /health (503 while
loading, 200 when ready) and /completion with SSE-style streaming.
Spawn mode's success path is not covered here because it needs a real
llama-server binary; its exit-detection path is, using a stand-in
binary that quits immediately.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func attachClient(srv *httptest.Server) *LlamaServerClient {
	c := NewRemoteClient(srv.URL)
	c.StartupTimeout = 5 * time.Second
	return c
}

func engineErr(t *testing.T, err error) *EngineError {
	t.Helper()
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("error = %T (%v), want *EngineError", err, err)
	}
	return engErr
}

func TestInitialize_WaitsForHealth(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"loading model"}`)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	var lastPercent float64
	var lastMessage string
	h, err := attachClient(srv).Initialize(context.Background(), "/models/m.gguf", InitOptions{},
		func(percent float64, message string) {
			if percent < lastPercent {
				t.Errorf("init progress regressed: %f after %f", percent, lastPercent)
			}
			lastPercent = percent
			lastMessage = message
		})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if h == nil || h.ModelPath != "/models/m.gguf" {
		t.Fatalf("handle = %+v", h)
	}
	if lastPercent != 100 {
		t.Errorf("final percent = %f, want 100", lastPercent)
	}
	if lastMessage != "Engine ready" {
		t.Errorf("final message = %q", lastMessage)
	}
	if got := polls.Load(); got < 3 {
		t.Errorf("health polls = %d, want at least 3", got)
	}
}

func TestInitialize_ServerErrorIsLoadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"status":"error"}`)
	}))
	defer srv.Close()

	_, err := attachClient(srv).Initialize(context.Background(), "/models/bad.gguf", InitOptions{}, nil)
	if engineErr(t, err).Type != EngineErrorLoadFailed {
		t.Errorf("Type = %s, want load failed", engineErr(t, err).Type)
	}
}

func TestInitialize_Cancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"loading model"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := attachClient(srv).Initialize(ctx, "/models/m.gguf", InitOptions{}, nil)
	if engineErr(t, err).Type != EngineErrorCancelled {
		t.Errorf("Type = %s, want cancelled", engineErr(t, err).Type)
	}
}

func TestGenerate_StreamsAccumulatedText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"status":"ok"}`)
		case "/completion":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"content\":\"Hello\",\"stop\":false}\n\n")
			fmt.Fprint(w, "data: {\"content\":\", world\",\"stop\":false}\n\n")
			fmt.Fprint(w, "data: {\"content\":\"!\",\"stop\":true}\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := attachClient(srv)
	h, err := c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var updates []string
	err = c.Generate(context.Background(), h, "be nice", "greet me", func(accumulated string) {
		updates = append(updates, accumulated)
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3: %v", len(updates), updates)
	}
	want := []string{"Hello", "Hello, world", "Hello, world!"}
	for i := range want {
		if updates[i] != want[i] {
			t.Errorf("update %d = %q, want %q", i, updates[i], want[i])
		}
	}
}

func TestGenerate_SendsChatFormattedPrompt(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"status":"ok"}`)
		case "/completion":
			raw, _ := io.ReadAll(r.Body)
			gotBody = string(raw)
			fmt.Fprint(w, "data: {\"content\":\"ok\",\"stop\":true}\n\n")
		}
	}))
	defer srv.Close()

	c := attachClient(srv)
	h, err := c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Generate(context.Background(), h, "sys-inst", "user-q", nil); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for _, marker := range []string{"<|system|>", "sys-inst", "<|user|>", "user-q", "<|assistant|>"} {
		if !strings.Contains(gotBody, marker) {
			t.Errorf("request body missing %q: %s", marker, gotBody)
		}
	}
}

func TestGenerate_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"status":"ok"}`)
		case "/completion":
			http.Error(w, "slot unavailable", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := attachClient(srv)
	h, err := c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	genErr := c.Generate(context.Background(), h, "s", "u", nil)
	if engineErr(t, genErr).Type != EngineErrorGenerateFailed {
		t.Errorf("Type = %s, want generate failed", engineErr(t, genErr).Type)
	}
}

func TestGenerate_AfterReleaseIsNotLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	c := attachClient(srv)
	h, err := c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := c.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	genErr := c.Generate(context.Background(), h, "s", "u", nil)
	if engineErr(t, genErr).Type != EngineErrorNotLoaded {
		t.Errorf("Type = %s, want not loaded", engineErr(t, genErr).Type)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	c := NewRemoteClient("http://127.0.0.1:1")

	if err := c.Release(nil); err != nil {
		t.Errorf("Release(nil) = %v, want nil", err)
	}

	h := &Handle{ModelPath: "/models/m.gguf"}
	if err := c.Release(h); err != nil {
		t.Errorf("first Release = %v", err)
	}
	if err := c.Release(h); err != nil {
		t.Errorf("second Release = %v", err)
	}
}

func TestInitOptions_Defaults(t *testing.T) {
	opts := InitOptions{}.withDefaults()
	if opts.ContextSize != 2048 || opts.BatchSize != 512 || opts.Threads != 4 {
		t.Errorf("defaults = %+v", opts)
	}

	custom := InitOptions{ContextSize: 8192, BatchSize: 256, Threads: 8}.withDefaults()
	if custom.ContextSize != 8192 || custom.BatchSize != 256 || custom.Threads != 8 {
		t.Errorf("explicit options overridden: %+v", custom)
	}
}

func TestInitialize_BinaryNotFound(t *testing.T) {
	c := NewLlamaServerClient()
	c.BinaryPath = "definitely-not-a-real-binary-4f1a"

	_, err := c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	if engineErr(t, err).Type != EngineErrorBinaryNotFound {
		t.Errorf("Type = %s, want binary not found", engineErr(t, err).Type)
	}
}

// A server process that dies during model load must be reported as soon
// as the exit is observed, not at the startup deadline.
func TestInitialize_ServerExitIsDetectedImmediately(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no `true` binary on this system")
	}

	c := NewLlamaServerClient()
	c.BinaryPath = bin
	c.Port = 1 // nothing listens here; /health polls fail fast
	c.StartupTimeout = 10 * time.Second

	start := time.Now()
	_, err = c.Initialize(context.Background(), "/models/m.gguf", InitOptions{}, nil)
	elapsed := time.Since(start)

	engErr := engineErr(t, err)
	if engErr.Type != EngineErrorLoadFailed {
		t.Errorf("Type = %s, want load failed", engErr.Type)
	}
	if !strings.Contains(engErr.Message, "exited during model load") {
		t.Errorf("Message = %q, want exit detection, not a timeout", engErr.Message)
	}
	if elapsed >= 5*time.Second {
		t.Errorf("Initialize took %s, should fail well before the %s timeout", elapsed, c.StartupTimeout)
	}
}
