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
Orchestrator state machine tests.

# Testing Strategy

Every collaborator (resolver, validator, downloader, system checker,
engine) is replaced by a scripted mock, so each test pins down one
property of the pipeline: cache hits skip the network, invalid
downloads are deleted and never reach the engine, progress is monotonic
and terminates at exactly 100, the previous engine handle is released
before the next load, and a superseded acquisition cannot write
terminal state.
*/
package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/engine"
)

// -----------------------------------------------------------------------------
// Mocks
// -----------------------------------------------------------------------------

type stubResolver struct {
	path string
	err  error
}

func (r *stubResolver) Resolve(desc *ArtifactDescriptor) (string, error) {
	return r.path, r.err
}

// stubValidator returns scripted results in call order, repeating the
// last one when the script runs out.
type stubValidator struct {
	mu      sync.Mutex
	results []*ValidationResult
	errs    []error
	calls   int
}

func (v *stubValidator) Validate(ctx context.Context, path string, expectedSize int64, expectedDigest string, onProgress HashProgressFunc) (*ValidationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.calls
	v.calls++
	if i >= len(v.results) {
		i = len(v.results) - 1
	}
	var err error
	if i < len(v.errs) {
		err = v.errs[i]
	}
	if onProgress != nil {
		onProgress(1, 1)
	}
	return v.results[i], err
}

// stubDownloader writes the artifact file on success.
type stubDownloader struct {
	mu      sync.Mutex
	err     error
	calls   int
	onFetch func(ctx context.Context)
}

func (d *stubDownloader) Fetch(ctx context.Context, url, destPath string, expectedSize int64, onProgress DownloadProgressFunc, authToken string) (int64, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if d.onFetch != nil {
		d.onFetch(ctx)
	}
	if ctx.Err() != nil {
		return 0, &DownloadError{Retryable: true, Message: "transfer cancelled", Err: ctx.Err()}
	}
	if d.err != nil {
		return 0, d.err
	}
	if onProgress != nil {
		onProgress(50, 500)
		onProgress(100, 1000)
	}
	if err := os.WriteFile(destPath, []byte("GGUF fake artifact"), 0o644); err != nil {
		return 0, err
	}
	return 18, nil
}

func (d *stubDownloader) fetchCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubChecker struct {
	diskErr    error
	networkErr error
}

func (c *stubChecker) CheckDiskSpace(dir string, requiredBytes int64) error {
	return c.diskErr
}

func (c *stubChecker) CheckNetworkConnectivity(ctx context.Context, probeURL string) error {
	return c.networkErr
}

type stubEngine struct {
	mu        sync.Mutex
	initCalls int
	initErr   error
	released  []*engine.Handle
}

func (e *stubEngine) Initialize(ctx context.Context, path string, opts engine.InitOptions, onProgress engine.InitProgressFunc) (*engine.Handle, error) {
	e.mu.Lock()
	e.initCalls++
	e.mu.Unlock()
	if e.initErr != nil {
		return nil, e.initErr
	}
	if onProgress != nil {
		onProgress(50, "loading")
		onProgress(100, "ready")
	}
	return &engine.Handle{ID: uuid.New(), ModelPath: path}, nil
}

func (e *stubEngine) Generate(ctx context.Context, h *engine.Handle, systemPrompt, userPrompt string, onToken engine.TokenFunc) error {
	return nil
}

func (e *stubEngine) Release(h *engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, h)
	return nil
}

func (e *stubEngine) initCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initCalls
}

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

func validResult(size int64) *ValidationResult {
	return &ValidationResult{
		Exists:      true,
		SizeMatch:   true,
		DigestMatch: true,
		ActualSize:  size,
	}
}

func missingResult() *ValidationResult {
	return &ValidationResult{ErrorDetail: "model file does not exist"}
}

func corruptResult() *ValidationResult {
	return &ValidationResult{
		Exists:      true,
		SizeMatch:   false,
		ActualSize:  7,
		ErrorDetail: "size mismatch: expected 18, got 7",
	}
}

type testRig struct {
	orch       *Orchestrator
	resolver   *stubResolver
	validator  *stubValidator
	downloader *stubDownloader
	checker    *stubChecker
	engine     *stubEngine
	path       string
}

func newTestRig(t *testing.T, results ...*ValidationResult) *testRig {
	t.Helper()
	rig := &testRig{
		resolver:   &stubResolver{path: filepath.Join(t.TempDir(), "m.gguf")},
		validator:  &stubValidator{results: results},
		downloader: &stubDownloader{},
		checker:    &stubChecker{},
		engine:     &stubEngine{},
	}
	rig.path = rig.resolver.path
	rig.orch = NewOrchestratorWithDeps(
		rig.resolver, rig.validator, rig.downloader, rig.checker, rig.engine,
		RetryConfig{MaxAttempts: 1, BaseDelay: 1, MaxDelay: 1},
	)
	return rig
}

func acquireDesc() *ArtifactDescriptor {
	return &ArtifactDescriptor{
		ID:                "gemma-2b",
		DisplayName:       "Gemma 2B",
		SourceURL:         "https://host/org/repo/resolve/main/gemma-2b.gguf",
		ExpectedSizeBytes: 18,
	}
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestOrchestrator_CacheHitSkipsDownload(t *testing.T) {
	rig := newTestRig(t, validResult(18))
	if err := os.WriteFile(rig.path, []byte("GGUF fake artifact"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	art, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if rig.downloader.fetchCalls() != 0 {
		t.Error("cache hit must not touch the network")
	}
	if art.Handle == nil {
		t.Error("handle missing on successful acquire")
	}
	if rig.orch.State() != StateReady {
		t.Errorf("state = %s, want ready", rig.orch.State())
	}
}

func TestOrchestrator_FullRunProgress(t *testing.T) {
	rig := newTestRig(t, missingResult(), validResult(18))

	var events []ProgressEvent
	art, err := rig.orch.Acquire(context.Background(), acquireDesc(), func(ev ProgressEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if rig.downloader.fetchCalls() != 1 {
		t.Errorf("fetch calls = %d, want 1", rig.downloader.fetchCalls())
	}
	if rig.engine.initCount() != 1 {
		t.Errorf("engine init calls = %d, want 1", rig.engine.initCount())
	}
	if art.Path != rig.path {
		t.Errorf("art.Path = %s, want %s", art.Path, rig.path)
	}

	if len(events) == 0 {
		t.Fatal("no progress events delivered")
	}
	last := -1.0
	for i, ev := range events {
		if ev.Percent < last {
			t.Errorf("event %d regressed: %f after %f", i, ev.Percent, last)
		}
		last = ev.Percent
	}
	final := events[len(events)-1]
	if final.Percent != 100 || final.Phase != PhaseReady {
		t.Errorf("final event = %s %f, want ready 100", final.Phase, final.Percent)
	}

	// Download progress must stay inside its band and report a transfer
	// rate once bytes are moving.
	sawRate := false
	for _, ev := range events {
		if ev.Phase != PhaseDownloading {
			continue
		}
		if ev.Percent > bandDownloadEnd {
			t.Errorf("download event at %f crossed into the validation band", ev.Percent)
		}
		if strings.Contains(ev.Message, "/s") {
			sawRate = true
		}
	}
	if !sawRate {
		t.Error("no download event carried a transfer rate")
	}
}

func TestOrchestrator_InvalidDownloadIsDeletedAndNeverReachesEngine(t *testing.T) {
	rig := newTestRig(t, missingResult(), corruptResult())

	_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err == nil {
		t.Fatal("expected validation failure")
	}

	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %T, want *AcquireError", err)
	}
	if acqErr.Kind != FailureValidation {
		t.Errorf("Kind = %s, want VALIDATION", acqErr.Kind)
	}
	if rig.engine.initCount() != 0 {
		t.Error("an invalid artifact must never reach the engine")
	}
	if _, statErr := os.Stat(rig.path); !os.IsNotExist(statErr) {
		t.Error("invalid artifact must be deleted")
	}
	if rig.orch.State() != StateFailed {
		t.Errorf("state = %s, want failed", rig.orch.State())
	}
	if rig.orch.LastFailure() != FailureValidation {
		t.Errorf("LastFailure = %s, want VALIDATION", rig.orch.LastFailure())
	}
}

func TestOrchestrator_DownloadFailure(t *testing.T) {
	rig := newTestRig(t, missingResult())
	rig.downloader.err = &DownloadError{Retryable: false, StatusCode: 404, Message: "server returned HTTP 404"}

	_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %T, want *AcquireError", err)
	}
	if acqErr.Kind != FailureDownload {
		t.Errorf("Kind = %s, want DOWNLOAD", acqErr.Kind)
	}
}

func TestOrchestrator_DiskSpaceFailure(t *testing.T) {
	rig := newTestRig(t, missingResult())
	rig.checker.diskErr = errors.New("only 1GB free, need 4GB")

	_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %T, want *AcquireError", err)
	}
	if acqErr.Kind != FailureIO {
		t.Errorf("Kind = %s, want IO", acqErr.Kind)
	}
	if rig.downloader.fetchCalls() != 0 {
		t.Error("failed disk pre-flight must not start a transfer")
	}
}

func TestOrchestrator_EngineFailure(t *testing.T) {
	rig := newTestRig(t, missingResult(), validResult(18))
	rig.engine.initErr = &engine.EngineError{Type: engine.EngineErrorLoadFailed, Message: "out of memory"}

	_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %T, want *AcquireError", err)
	}
	if acqErr.Kind != FailureEngine {
		t.Errorf("Kind = %s, want ENGINE", acqErr.Kind)
	}
}

func TestOrchestrator_ReleasesPreviousHandle(t *testing.T) {
	rig := newTestRig(t, validResult(18))
	if err := os.WriteFile(rig.path, []byte("GGUF fake artifact"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	first, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	second, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if len(rig.engine.released) != 1 || rig.engine.released[0] != first.Handle {
		t.Error("previous handle must be released before the next load")
	}
	if second.Handle == first.Handle {
		t.Error("second acquire returned the released handle")
	}
}

func TestOrchestrator_DownloadOnlySkipsEngine(t *testing.T) {
	rig := newTestRig(t, missingResult(), validResult(18))

	art, err := rig.orch.Download(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if art.Handle != nil {
		t.Error("download-only must not carry an engine handle")
	}
	if rig.engine.initCount() != 0 {
		t.Error("download-only must not initialize the engine")
	}
	if rig.orch.State() != StateReady {
		t.Errorf("state = %s, want ready", rig.orch.State())
	}
}

func TestOrchestrator_SupersededRunCannotWriteTerminalState(t *testing.T) {
	rig := newTestRig(t, missingResult(), validResult(18))
	// The winning run takes the cache-hit path, so the artifact must
	// already be on disk for the engine access guard.
	if err := os.WriteFile(rig.path, []byte("GGUF fake artifact"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	rig.downloader.onFetch = func(ctx context.Context) {
		// Only the first transfer blocks; the second sails through.
		select {
		case <-firstStarted:
			return
		default:
		}
		close(firstStarted)
		select {
		case <-releaseFirst:
		case <-ctx.Done():
		}
	}

	var firstEvents []ProgressEvent
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = rig.orch.Acquire(context.Background(), acquireDesc(), func(ev ProgressEvent) {
			firstEvents = append(firstEvents, ev)
		})
	}()

	<-firstStarted

	// Second acquire supersedes the first mid-download. Give it a
	// validator script of its own shape: the stub just keeps returning
	// the last result, which is valid.
	art, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	close(releaseFirst)
	wg.Wait()

	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if art == nil || art.Handle == nil {
		t.Fatal("second Acquire should produce a live handle")
	}

	if firstErr == nil {
		t.Fatal("superseded Acquire should fail")
	}
	var acqErr *AcquireError
	if !errors.As(firstErr, &acqErr) {
		t.Fatalf("first error = %T, want *AcquireError", firstErr)
	}
	if acqErr.Kind != FailureCancelled {
		t.Errorf("first Kind = %s, want CANCELLED", acqErr.Kind)
	}

	// The winner's terminal state must stand.
	if rig.orch.State() != StateReady {
		t.Errorf("state = %s, want ready (the superseded run must not flip it)", rig.orch.State())
	}
	for _, ev := range firstEvents {
		if ev.Percent == 100 {
			t.Error("superseded run delivered a terminal progress event")
		}
	}
}

func TestOrchestrator_CancelAcquisition(t *testing.T) {
	rig := newTestRig(t, missingResult())

	started := make(chan struct{})
	rig.downloader.onFetch = func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}

	done := make(chan error, 1)
	go func() {
		_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
		done <- err
	}()

	<-started
	if !rig.orch.CancelAcquisition() {
		t.Error("CancelAcquisition should report an in-flight run")
	}

	err := <-done
	var acqErr *AcquireError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %T, want *AcquireError", err)
	}
	if acqErr.Kind != FailureCancelled {
		t.Errorf("Kind = %s, want CANCELLED", acqErr.Kind)
	}
	if got := rig.orch.State(); got != StateIdle {
		t.Errorf("State after cancel = %s, want %s", got, StateIdle)
	}
	if got := rig.orch.LastFailure(); got != FailureCancelled {
		t.Errorf("LastFailure after cancel = %s, want CANCELLED", got)
	}
}

// A cancelled run must not leave the machine stuck in Failed while a
// fresh acquisition can still succeed afterwards.
func TestOrchestrator_CancelThenReacquire(t *testing.T) {
	rig := newTestRig(t, missingResult(), missingResult(), validResult(18))

	started := make(chan struct{})
	rig.downloader.onFetch = func(ctx context.Context) {
		select {
		case <-started:
		default:
			close(started)
			<-ctx.Done()
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
		done <- err
	}()

	<-started
	rig.orch.CancelAcquisition()
	<-done

	if got := rig.orch.State(); got != StateIdle {
		t.Fatalf("State after cancel = %s, want %s", got, StateIdle)
	}

	art, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("Acquire after cancel: %v", err)
	}
	if art.Handle == nil {
		t.Error("expected a live engine handle after re-acquire")
	}
	if got := rig.orch.State(); got != StateReady {
		t.Errorf("State = %s, want %s", got, StateReady)
	}
}

func TestOrchestrator_ClearCache(t *testing.T) {
	rig := newTestRig(t, validResult(18))
	if err := os.WriteFile(rig.path, []byte("GGUF fake artifact"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	art, err := rig.orch.Acquire(context.Background(), acquireDesc(), nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := rig.orch.ClearCache(acquireDesc()); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	if _, statErr := os.Stat(rig.path); !os.IsNotExist(statErr) {
		t.Error("artifact file should be removed")
	}
	if len(rig.engine.released) != 1 || rig.engine.released[0] != art.Handle {
		t.Error("clearing the loaded artifact must release its handle")
	}

	// Removing an absent artifact is not an error.
	if err := rig.orch.ClearCache(acquireDesc()); err != nil {
		t.Errorf("ClearCache of absent artifact: %v", err)
	}
}
