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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/engine"
	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/infra"
	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/util"
)

// -----------------------------------------------------------------------------
// States
// -----------------------------------------------------------------------------

// AcquisitionState is the orchestrator's externally visible state.
type AcquisitionState int

const (
	// StateIdle means no acquisition is running and none has completed.
	StateIdle AcquisitionState = iota

	// StateDownloading means the artifact transfer is in flight.
	StateDownloading

	// StateValidating means the downloaded artifact is being verified.
	StateValidating

	// StateInitializing means the engine is loading the artifact.
	StateInitializing

	// StateReady means an artifact is validated and loaded.
	StateReady

	// StateFailed means the last acquisition ended in a terminal error;
	// LastFailure carries the kind.
	StateFailed
)

// String returns the state as a string for logging.
func (s AcquisitionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateValidating:
		return "validating"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// ReadyArtifact
// -----------------------------------------------------------------------------

// ReadyArtifact describes a successfully acquired artifact.
type ReadyArtifact struct {
	// ID is the catalog identifier.
	ID string

	// DisplayName is the human-readable name from the catalog.
	DisplayName string

	// Path is the validated local file path.
	Path string

	// SizeBytes is the on-disk size.
	SizeBytes int64

	// Digest is the verified sha256 hex digest, or empty when the
	// descriptor does not verify digests.
	Digest string

	// Handle is the live engine handle, nil for download-only runs.
	Handle *engine.Handle
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// Orchestrator drives the acquisition state machine.
//
// # Description
//
// One Orchestrator serves the whole process. At most one acquisition
// runs at a time: starting a new one cancels the in-flight one
// (SessionTracker). At most one engine handle is live at a time: the
// previous handle is released before a new Initialize starts.
//
// All collaborators are injected so tests can substitute mocks.
type Orchestrator struct {
	resolver   PathResolver
	validator  Validator
	downloader Downloader
	checker    infra.SystemChecker
	engine     engine.Engine
	tracker    *SessionTracker
	retryCfg   RetryConfig
	engineOpts engine.InitOptions
	authToken  string

	mu          sync.RWMutex
	state       AcquisitionState
	lastFailure FailureKind
	current     *ReadyArtifact
}

// NewOrchestrator creates an orchestrator with the production stack.
func NewOrchestrator(modelsDir, fallbackDir string, eng engine.Engine) *Orchestrator {
	return NewOrchestratorWithDeps(
		NewStorageResolver(modelsDir, fallbackDir),
		NewFileValidator(NewSHA256Hasher()),
		NewHTTPDownloader(),
		infra.NewDefaultSystemChecker(),
		eng,
		DefaultRetryConfig(),
	)
}

// NewOrchestratorWithDeps creates an orchestrator with explicit
// collaborators.
func NewOrchestratorWithDeps(resolver PathResolver, validator Validator, downloader Downloader, checker infra.SystemChecker, eng engine.Engine, retryCfg RetryConfig) *Orchestrator {
	return &Orchestrator{
		resolver:   resolver,
		validator:  validator,
		downloader: downloader,
		checker:    checker,
		engine:     eng,
		tracker:    NewSessionTracker(),
		retryCfg:   retryCfg,
		state:      StateIdle,
	}
}

// SetEngineOptions overrides the engine tuning used at Initialize.
func (o *Orchestrator) SetEngineOptions(opts engine.InitOptions) {
	o.engineOpts = opts
}

// SetAuthToken sets the bearer token sent to gated artifact sources.
func (o *Orchestrator) SetAuthToken(token string) {
	o.authToken = token
}

// State returns the current state machine state.
func (o *Orchestrator) State() AcquisitionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastFailure returns the failure kind of the most recent terminal
// failure. Meaningful only when State is StateFailed.
func (o *Orchestrator) LastFailure() FailureKind {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastFailure
}

// Current returns the ready artifact, or nil when none is loaded.
func (o *Orchestrator) Current() *ReadyArtifact {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// -----------------------------------------------------------------------------
// Acquire
// -----------------------------------------------------------------------------

// Acquire downloads, validates, and loads the artifact into the engine.
//
// # Description
//
// Runs the full pipeline: resolve → pre-validate (a locally valid
// artifact skips the network entirely) → disk pre-flight → download
// with retry → re-validate → engine initialize. Progress is reported on
// a unified 0-100 scale: download occupies [0,70), validation [70,85),
// initialization [85,100], with 100 emitted exactly once at Ready.
//
// A second Acquire while one is in flight cancels the first; the
// superseded run stops emitting progress and does not write terminal
// state.
//
// # Inputs
//
//   - ctx: Parent context; cancellation aborts the acquisition
//   - desc: Catalog descriptor of the artifact
//   - onProgress: Unified progress observer (nil = none)
//
// # Outputs
//
//   - *ReadyArtifact: Artifact with a live engine handle on success
//   - error: *AcquireError classifying the failure
func (o *Orchestrator) Acquire(ctx context.Context, desc *ArtifactDescriptor, onProgress ProgressFunc) (*ReadyArtifact, error) {
	return o.run(ctx, desc, onProgress, true)
}

// Download fetches and validates the artifact without loading it.
//
// Same pipeline as Acquire minus engine initialization; the validated
// artifact reaches 100% at the end of validation.
func (o *Orchestrator) Download(ctx context.Context, desc *ArtifactDescriptor, onProgress ProgressFunc) (*ReadyArtifact, error) {
	return o.run(ctx, desc, onProgress, false)
}

func (o *Orchestrator) run(ctx context.Context, desc *ArtifactDescriptor, onProgress ProgressFunc, withEngine bool) (*ReadyArtifact, error) {
	if desc == nil {
		return nil, &AcquireError{
			Kind:    FailureIO,
			Message: "no artifact descriptor",
		}
	}

	session := o.tracker.Begin(ctx)
	defer session.Finish()
	emitter := newProgressEmitter(session, onProgress)

	art, err := o.runSession(session, desc, emitter, withEngine)
	if err != nil {
		return nil, o.fail(session, desc, err)
	}

	o.setState(session, StateReady, func() {
		o.current = art
	})
	emitter.emit(PhaseReady, 100, fmt.Sprintf("%s ready", desc.DisplayName))
	return art, nil
}

// runSession executes the pipeline phases for one session.
func (o *Orchestrator) runSession(session *Session, desc *ArtifactDescriptor, emitter *progressEmitter, withEngine bool) (*ReadyArtifact, error) {
	ctx := session.Context()

	// ----- Resolve -----

	emitter.emit(PhaseResolving, 0, "Resolving storage location...")
	path, err := o.resolver.Resolve(desc)
	if err != nil {
		return nil, &AcquireError{
			Kind:        FailureIO,
			Artifact:    desc.ID,
			Message:     "no writable storage location",
			Detail:      err.Error(),
			Remediation: "Check permissions on the models directory or set --models-dir",
			Err:         err,
		}
	}
	slog.Info("Resolved artifact path", "artifact", desc.ID, "path", path)

	// ----- Pre-validate (cache check) -----

	result, err := o.validator.Validate(ctx, path, desc.ExpectedSizeBytes, desc.NormalizedDigest(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(desc, ctx.Err())
		}
		return nil, &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "could not inspect existing artifact",
			Detail:   err.Error(),
			Err:      err,
		}
	}

	if result.Exists && result.IsValid() {
		slog.Info("Artifact already valid on disk, skipping download", "artifact", desc.ID)
		cacheHitsTotal.Inc()
		emitter.emit(PhaseValidating, bandValidateEnd, "Using cached artifact")
	} else {
		if result.Exists {
			// Stale or corrupt leftover; the downloader overwrites it.
			slog.Warn("Existing artifact failed validation, re-downloading",
				"artifact", desc.ID, "detail", result.ErrorDetail)
		}
		if err := o.download(session, desc, path, emitter); err != nil {
			return nil, err
		}
		if err := o.revalidate(session, desc, path, emitter, &result); err != nil {
			return nil, err
		}
	}

	art := &ReadyArtifact{
		ID:          desc.ID,
		DisplayName: desc.DisplayName,
		Path:        path,
		SizeBytes:   result.ActualSize,
		Digest:      result.ActualDigest,
	}

	if !withEngine {
		return art, nil
	}

	// ----- Initialize -----

	handle, err := o.initialize(session, desc, path, emitter)
	if err != nil {
		return nil, err
	}
	art.Handle = handle
	return art, nil
}

// -----------------------------------------------------------------------------
// Phase: download
// -----------------------------------------------------------------------------

func (o *Orchestrator) download(session *Session, desc *ArtifactDescriptor, path string, emitter *progressEmitter) error {
	ctx := session.Context()
	start := time.Now()
	defer func() {
		acquisitionPhaseDuration.WithLabelValues(PhaseDownloading.String()).Observe(time.Since(start).Seconds())
	}()

	// Disk pre-flight. A descriptor without a known size still gets the
	// checker's slack margin applied against zero.
	if err := o.checker.CheckDiskSpace(filepath.Dir(path), desc.ExpectedSizeBytes); err != nil {
		return &AcquireError{
			Kind:        FailureIO,
			Artifact:    desc.ID,
			Message:     "not enough disk space for the artifact",
			Detail:      err.Error(),
			Remediation: "Free disk space or point --models-dir at a larger volume",
			Err:         err,
		}
	}

	o.setState(session, StateDownloading, nil)
	emitter.emit(PhaseDownloading, bandDownloadStart, fmt.Sprintf("Downloading %s...", desc.DisplayName))

	url := NormalizeSourceURL(desc.SourceURL)

	// Advisory probe. A failure here is the same class as a retryable
	// download error, so the retry loop below handles the real thing.
	if err := o.checker.CheckNetworkConnectivity(ctx, url); err != nil {
		slog.Warn("Network pre-flight failed, attempting download anyway",
			"artifact", desc.ID, "error", err)
	}
	xferStart := time.Now()
	onDownload := func(percent float64, bytesSoFar int64) {
		rate := util.FormatRate(float64(bytesSoFar) / time.Since(xferStart).Seconds())
		if percent < 0 {
			// Unknown total: hold the band floor, report bytes only.
			emitter.emit(PhaseDownloading, bandDownloadStart,
				fmt.Sprintf("Downloaded %s (%s)", util.FormatBytes(bytesSoFar), rate))
			return
		}
		emitter.emit(PhaseDownloading, remapBand(percent, bandDownloadStart, bandDownloadEnd),
			fmt.Sprintf("Downloading %s (%s)", desc.DisplayName, rate))
	}

	_, err := FetchWithRetry(ctx, o.downloader, FetchRequest{
		URL:          url,
		DestPath:     path,
		ExpectedSize: desc.ExpectedSizeBytes,
		OnProgress:   onDownload,
		AuthToken:    o.authToken,
	}, o.retryCfg)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledError(desc, ctx.Err())
		}
		return &AcquireError{
			Kind:        FailureDownload,
			Artifact:    desc.ID,
			Message:     "artifact download failed",
			Detail:      err.Error(),
			Remediation: "Check the network connection and the source URL; private sources need --token",
			Err:         err,
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Phase: validate
// -----------------------------------------------------------------------------

func (o *Orchestrator) revalidate(session *Session, desc *ArtifactDescriptor, path string, emitter *progressEmitter, out **ValidationResult) error {
	ctx := session.Context()
	start := time.Now()
	defer func() {
		acquisitionPhaseDuration.WithLabelValues(PhaseValidating.String()).Observe(time.Since(start).Seconds())
	}()

	o.setState(session, StateValidating, nil)
	emitter.emit(PhaseValidating, bandDownloadEnd, "Verifying artifact integrity...")

	onHash := func(hashed, total int64) {
		if total <= 0 {
			return
		}
		raw := float64(hashed) / float64(total) * 100
		emitter.emit(PhaseValidating, remapBand(raw, bandDownloadEnd, bandValidateEnd),
			"Verifying artifact integrity")
	}

	result, err := o.validator.Validate(ctx, path, desc.ExpectedSizeBytes, desc.NormalizedDigest(), onHash)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledError(desc, ctx.Err())
		}
		return &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "could not verify downloaded artifact",
			Detail:   err.Error(),
			Err:      err,
		}
	}

	if !result.IsValid() {
		// Never hand a bad artifact to the engine, and never leave it on
		// disk to pass the next pre-validation by accident.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("Failed to remove invalid artifact", "path", path, "error", rmErr)
		}
		return &AcquireError{
			Kind:        FailureValidation,
			Artifact:    desc.ID,
			Message:     "downloaded artifact failed verification",
			Detail:      result.ErrorDetail,
			Remediation: "The source may be corrupt or the catalog entry outdated; try again or update the catalog",
		}
	}

	*out = result
	emitter.emit(PhaseValidating, bandValidateEnd, "Artifact verified")
	return nil
}

// -----------------------------------------------------------------------------
// Phase: initialize
// -----------------------------------------------------------------------------

func (o *Orchestrator) initialize(session *Session, desc *ArtifactDescriptor, path string, emitter *progressEmitter) (*engine.Handle, error) {
	ctx := session.Context()
	start := time.Now()
	defer func() {
		acquisitionPhaseDuration.WithLabelValues(PhaseInitializing.String()).Observe(time.Since(start).Seconds())
	}()

	o.setState(session, StateInitializing, nil)
	emitter.emit(PhaseInitializing, bandValidateEnd, "Preparing engine...")

	if err := verifyEngineAccess(path); err != nil {
		return nil, &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "artifact is not readable by the engine",
			Detail:   err.Error(),
			Err:      err,
		}
	}

	// One live handle at a time: drop the previous one before loading.
	o.releaseCurrent()

	onInit := func(percent float64, message string) {
		emitter.emit(PhaseInitializing, remapBand(percent, bandValidateEnd, bandInitEnd), message)
	}

	handle, err := o.engine.Initialize(ctx, path, o.engineOpts, onInit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(desc, ctx.Err())
		}
		return nil, &AcquireError{
			Kind:        FailureEngine,
			Artifact:    desc.ID,
			Message:     "engine failed to load the artifact",
			Detail:      err.Error(),
			Remediation: "See the engine diagnostics; the artifact may need more memory than is available",
			Err:         err,
		}
	}
	return handle, nil
}

// releaseCurrent releases the live engine handle, if any.
func (o *Orchestrator) releaseCurrent() {
	o.mu.Lock()
	var handle *engine.Handle
	if o.current != nil && o.current.Handle != nil {
		handle = o.current.Handle
		o.current = nil
	}
	o.mu.Unlock()

	if handle == nil {
		return
	}
	if err := o.engine.Release(handle); err != nil {
		slog.Warn("Failed to release previous engine handle", "error", err)
	}
}

// -----------------------------------------------------------------------------
// Cache and cancellation
// -----------------------------------------------------------------------------

// ClearCache removes the artifact's local file. If the artifact is the
// one currently loaded, its engine handle is released first.
func (o *Orchestrator) ClearCache(desc *ArtifactDescriptor) error {
	path, err := o.resolver.Resolve(desc)
	if err != nil {
		return &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "could not resolve artifact path",
			Detail:   err.Error(),
			Err:      err,
		}
	}

	o.mu.Lock()
	loaded := o.current != nil && o.current.ID == desc.ID
	o.mu.Unlock()
	if loaded {
		o.releaseCurrent()
		o.setStateDirect(StateIdle)
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "could not remove artifact file",
			Detail:   err.Error(),
			Err:      err,
		}
	}
	slog.Info("Removed cached artifact", "artifact", desc.ID, "path", path)
	return nil
}

// CancelAcquisition cancels the in-flight acquisition, if any.
// Best-effort: the run observes cancellation at its next suspension
// point. Returns true when a run was cancelled.
func (o *Orchestrator) CancelAcquisition() bool {
	return o.tracker.CancelActive()
}

// Shutdown releases the live engine handle.
func (o *Orchestrator) Shutdown() {
	o.tracker.CancelActive()
	o.releaseCurrent()
}

// -----------------------------------------------------------------------------
// State bookkeeping
// -----------------------------------------------------------------------------

// setState records a state transition on behalf of a session. A session
// that has been superseded no longer owns the state machine and its
// transition is dropped.
func (o *Orchestrator) setState(session *Session, st AcquisitionState, apply func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if session.tracker.currentGen() != session.gen {
		return
	}
	o.state = st
	if apply != nil {
		apply()
	}
}

func (o *Orchestrator) setStateDirect(st AcquisitionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = st
}

// fail records the failure outcome and normalizes the error.
// Cancelled runs land in Idle, everything else in Failed.
func (o *Orchestrator) fail(session *Session, desc *ArtifactDescriptor, err error) error {
	acqErr, ok := err.(*AcquireError)
	if !ok {
		acqErr = &AcquireError{
			Kind:     FailureIO,
			Artifact: desc.ID,
			Message:  "acquisition failed",
			Detail:   err.Error(),
			Err:      err,
		}
	}

	o.mu.Lock()
	owns := session.tracker.currentGen() == session.gen
	if owns {
		// Cancellation is not a terminal failure: the caller gets the
		// error, but the published state returns to Idle.
		if acqErr.Kind == FailureCancelled {
			o.state = StateIdle
		} else {
			o.state = StateFailed
		}
		o.lastFailure = acqErr.Kind
	}
	o.mu.Unlock()

	if owns {
		acquisitionFailuresTotal.WithLabelValues(acqErr.Kind.String()).Inc()
		slog.Error("Acquisition failed",
			"artifact", desc.ID, "kind", acqErr.Kind, "error", acqErr.Message)
	} else {
		slog.Debug("Superseded acquisition discarded its failure",
			"artifact", desc.ID, "session", session.ID())
	}
	return acqErr
}

func cancelledError(desc *ArtifactDescriptor, cause error) error {
	return &AcquireError{
		Kind:     FailureCancelled,
		Artifact: desc.ID,
		Message:  "acquisition cancelled",
		Detail:   cause.Error(),
		Err:      cause,
	}
}

// -----------------------------------------------------------------------------
// Engine access guard
// -----------------------------------------------------------------------------

var ggufMagic = []byte("GGUF")

// verifyEngineAccess confirms the artifact is non-empty and readable
// before the engine process is asked to load it, turning a cryptic
// engine crash into a clear error.
func verifyEngineAccess(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("artifact %s is empty", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.Equal(header, ggufMagic) {
		slog.Warn("Artifact does not start with the GGUF magic", "path", path)
	}
	return nil
}
