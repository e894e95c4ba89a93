// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultBinaryName is the llama.cpp server binary looked up in PATH.
	DefaultBinaryName = "llama-server"

	// DefaultPort is where a spawned server listens.
	DefaultPort = 8089

	// healthPollInterval paces readiness polling during model load.
	healthPollInterval = 500 * time.Millisecond

	// defaultStartupTimeout bounds how long a model load may take. Large
	// artifacts on slow disks legitimately need minutes.
	defaultStartupTimeout = 5 * time.Minute

	// maxPredictTokens bounds one generation.
	maxPredictTokens = 1024
)

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Handle is one loaded model inside a running server.
//
// # Description
//
// A Handle owns the spawned server process when the client started one;
// a Handle attached to an externally managed server owns nothing and
// Release only forgets it. Handles are created by Initialize and must
// be released before a different model is loaded.
type Handle struct {
	// ID uniquely identifies this load for logging.
	ID uuid.UUID

	// ModelPath is the artifact the handle serves.
	ModelPath string

	baseURL string
	cmd     *exec.Cmd

	// exited closes once the reaper goroutine has collected the spawned
	// process; nil for attached handles.
	exited  chan struct{}
	waitErr error

	mu       sync.Mutex
	released bool
}

// processExited reports whether the spawned process has been reaped.
func (h *Handle) processExited() bool {
	if h.exited == nil {
		return false
	}
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// BaseURL returns the server endpoint this handle talks to.
func (h *Handle) BaseURL() string {
	return h.baseURL
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// LlamaServerClient implements Engine against a llama.cpp llama-server.
//
// # Description
//
// Two modes:
//
//   - Spawn mode (RemoteURL empty): Initialize starts `llama-server -m
//     <path>` on a local port and polls /health until the model is
//     loaded. Release stops the process.
//   - Attach mode (RemoteURL set): Initialize only waits for /health on
//     the already-running server; the server's own configuration decides
//     which model it serves. Used by the --engine-url CLI flag.
//
// Generation uses the server's /completion endpoint with stream:true
// and parses the SSE line stream, accumulating content per token.
type LlamaServerClient struct {
	// BinaryPath overrides the binary looked up in PATH (spawn mode).
	BinaryPath string

	// Port is the listen port for spawned servers.
	Port int

	// RemoteURL switches the client to attach mode.
	RemoteURL string

	// StartupTimeout bounds Initialize.
	StartupTimeout time.Duration

	httpClient *http.Client
}

// NewLlamaServerClient creates a client in spawn mode with defaults.
func NewLlamaServerClient() *LlamaServerClient {
	return &LlamaServerClient{
		BinaryPath:     DefaultBinaryName,
		Port:           DefaultPort,
		StartupTimeout: defaultStartupTimeout,
		httpClient:     &http.Client{}, // generation runs long; no client timeout
	}
}

// NewRemoteClient creates a client attached to an external server.
func NewRemoteClient(baseURL string) *LlamaServerClient {
	return &LlamaServerClient{
		RemoteURL:      strings.TrimSuffix(baseURL, "/"),
		StartupTimeout: defaultStartupTimeout,
		httpClient:     &http.Client{},
	}
}

// -----------------------------------------------------------------------------
// Initialize
// -----------------------------------------------------------------------------

// Initialize loads the artifact and returns a live Handle.
//
// # Description
//
// Spawn mode starts the server process with the artifact path and the
// init options, then polls /health. The server answers 503 while the
// model is loading and 200 once ready; the poll loop converts that into
// a coarse progress ramp for onProgress. A process that exits before
// becoming healthy is reported as LoadFailed with its captured stderr,
// which is where llama-server prints malformed-GGUF and out-of-memory
// diagnostics.
//
// # Inputs
//
//   - ctx: Cancellation; a cancelled Initialize stops the spawned process
//   - path: Validated local artifact path
//   - opts: Context/batch/thread tuning (zero fields take defaults)
//   - onProgress: Initialization progress observer (nil = none)
//
// # Outputs
//
//   - *Handle: Live handle on success
//   - error: *EngineError
func (c *LlamaServerClient) Initialize(ctx context.Context, path string, opts InitOptions, onProgress InitProgressFunc) (*Handle, error) {
	opts = opts.withDefaults()

	if c.RemoteURL != "" {
		h := &Handle{ID: uuid.New(), ModelPath: path, baseURL: c.RemoteURL}
		if err := c.waitReady(ctx, h, nil, onProgress); err != nil {
			return nil, err
		}
		return h, nil
	}

	bin, err := exec.LookPath(c.BinaryPath)
	if err != nil {
		return nil, &EngineError{
			Type:        EngineErrorBinaryNotFound,
			ModelPath:   path,
			Message:     fmt.Sprintf("%s not found", c.BinaryPath),
			Detail:      err.Error(),
			Remediation: "Install llama.cpp and ensure llama-server is in PATH",
		}
	}

	args := []string{
		"-m", path,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(c.Port),
		"--ctx-size", strconv.Itoa(opts.ContextSize),
		"--batch-size", strconv.Itoa(opts.BatchSize),
		"--threads", strconv.Itoa(opts.Threads),
	}

	// Deliberately not CommandContext: the server must outlive the
	// acquisition context once ready. Lifetime is owned by the Handle.
	cmd := exec.Command(bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Info("Starting inference server", "binary", bin, "model", path, "port", c.Port)
	if err := cmd.Start(); err != nil {
		return nil, &EngineError{
			Type:        EngineErrorStartFailed,
			ModelPath:   path,
			Message:     "inference server failed to start",
			Detail:      err.Error(),
			Remediation: "Check that the binary is executable and the port is free",
			Err:         err,
		}
	}

	h := &Handle{
		ID:        uuid.New(),
		ModelPath: path,
		baseURL:   fmt.Sprintf("http://127.0.0.1:%d", c.Port),
		cmd:       cmd,
		exited:    make(chan struct{}),
	}

	// Reap the process as soon as it exits so waitReady can fail fast on
	// a server that dies during model load instead of sitting out the
	// startup timeout.
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	if err := c.waitReady(ctx, h, &stderr, onProgress); err != nil {
		c.Release(h)
		return nil, err
	}

	slog.Info("Inference server ready", "handle", h.ID, "model", path)
	return h, nil
}

// healthResponse is llama-server's /health body.
type healthResponse struct {
	Status string `json:"status"`
}

// waitReady polls /health until the server reports ok.
//
// Progress ramps with elapsed time toward (but never reaching) 95 so
// the caller's band mapping stays monotonic whatever the real load
// duration turns out to be; 100 is emitted exactly once on success.
func (c *LlamaServerClient) waitReady(ctx context.Context, h *Handle, stderr *bytes.Buffer, onProgress InitProgressFunc) error {
	timeout := c.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	deadline := time.Now().Add(timeout)
	start := time.Now()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		if h.processExited() {
			return c.loadFailed(h, stderr, exitMessage(h))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
		if err != nil {
			return &EngineError{
				Type:      EngineErrorStartFailed,
				ModelPath: h.ModelPath,
				Message:   "invalid server URL",
				Detail:    err.Error(),
			}
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			var health healthResponse
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			_ = json.Unmarshal(body, &health)

			switch {
			case resp.StatusCode == http.StatusOK:
				if onProgress != nil {
					onProgress(100, "Engine ready")
				}
				return nil
			case resp.StatusCode == http.StatusInternalServerError || health.Status == "error":
				return c.loadFailed(h, stderr, "inference server rejected the model")
			}
			// 503 "loading model": keep waiting.
		}

		if onProgress != nil {
			// Asymptotic ramp: elapsed/(elapsed+30s) of the 0-95 range.
			elapsed := time.Since(start).Seconds()
			pct := 95 * elapsed / (elapsed + 30)
			onProgress(pct, "Loading model weights into memory...")
		}

		if time.Now().After(deadline) {
			return c.loadFailed(h, stderr, fmt.Sprintf("model load did not finish within %s", timeout))
		}

		// A nil exited channel (attach mode) never fires.
		select {
		case <-ctx.Done():
			return &EngineError{
				Type:      EngineErrorCancelled,
				ModelPath: h.ModelPath,
				Message:   "engine initialization cancelled",
				Detail:    ctx.Err().Error(),
				Err:       ctx.Err(),
			}
		case <-h.exited:
			return c.loadFailed(h, stderr, exitMessage(h))
		case <-ticker.C:
		}
	}
}

// exitMessage describes a server process that died before becoming
// healthy. Call only after the exited channel has fired.
func exitMessage(h *Handle) string {
	if h.waitErr != nil {
		return fmt.Sprintf("inference server exited during model load (%v)", h.waitErr)
	}
	return "inference server exited during model load"
}

func (c *LlamaServerClient) loadFailed(h *Handle, stderr *bytes.Buffer, msg string) error {
	detail := ""
	if stderr != nil {
		detail = tail(stderr.String(), 2048)
	}
	return &EngineError{
		Type:        EngineErrorLoadFailed,
		ModelPath:   h.ModelPath,
		Message:     msg,
		Detail:      detail,
		Remediation: "Verify the file is a GGUF artifact and that enough RAM is free; try a smaller quantization",
	}
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// -----------------------------------------------------------------------------
// Generate
// -----------------------------------------------------------------------------

// completionRequest is the /completion request body.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	Stop        []string `json:"stop"`
}

// completionChunk is one streamed /completion event.
type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Generate streams text for the prompt pair.
//
// # Description
//
// Formats the prompts in chat style, posts to /completion with
// stream:true, and parses the "data: {json}" line stream. onToken
// receives the accumulated text after every chunk; the function
// returns once the server signals stop or the stream ends.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - h: A live handle from Initialize
//   - systemPrompt: System instruction
//   - userPrompt: User request
//   - onToken: Accumulated-text observer (nil = discard)
//
// # Outputs
//
//   - error: *EngineError
func (c *LlamaServerClient) Generate(ctx context.Context, h *Handle, systemPrompt, userPrompt string, onToken TokenFunc) error {
	if h == nil || h.isReleased() {
		return &EngineError{
			Type:        EngineErrorNotLoaded,
			Message:     "no model is loaded",
			Remediation: "Load a model first: lumina model load <id>",
		}
	}

	prompt := fmt.Sprintf("<|system|>\n%s\n<|user|>\n%s\n<|assistant|>\n", systemPrompt, userPrompt)
	reqBody := completionRequest{
		Prompt:      prompt,
		Stream:      true,
		NPredict:    maxPredictTokens,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		Stop:        []string{"<|user|>", "<|system|>"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return &EngineError{
			Type:      EngineErrorGenerateFailed,
			ModelPath: h.ModelPath,
			Message:   "failed to encode generation request",
			Detail:    err.Error(),
			Err:       err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return &EngineError{
			Type:      EngineErrorGenerateFailed,
			ModelPath: h.ModelPath,
			Message:   "failed to create generation request",
			Detail:    err.Error(),
			Err:       err,
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &EngineError{
				Type:      EngineErrorCancelled,
				ModelPath: h.ModelPath,
				Message:   "generation cancelled",
				Detail:    ctx.Err().Error(),
				Err:       ctx.Err(),
			}
		}
		return &EngineError{
			Type:        EngineErrorGenerateFailed,
			ModelPath:   h.ModelPath,
			Message:     "cannot reach inference server",
			Detail:      err.Error(),
			Remediation: "The server may have crashed; reload the model",
			Err:         err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &EngineError{
			Type:      EngineErrorGenerateFailed,
			ModelPath: h.ModelPath,
			Message:   fmt.Sprintf("inference server returned HTTP %d", resp.StatusCode),
			Detail:    strings.TrimSpace(string(body)),
		}
	}

	return c.consumeStream(ctx, h, resp.Body, onToken)
}

// consumeStream parses the SSE line stream from /completion.
func (c *LlamaServerClient) consumeStream(ctx context.Context, h *Handle, body io.Reader, onToken TokenFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var accumulated strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return &EngineError{
				Type:      EngineErrorCancelled,
				ModelPath: h.ModelPath,
				Message:   "generation cancelled",
				Detail:    ctx.Err().Error(),
				Err:       ctx.Err(),
			}
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping unparseable completion chunk", "line", line, "error", err)
			continue
		}

		if chunk.Content != "" {
			accumulated.WriteString(chunk.Content)
			if onToken != nil {
				onToken(accumulated.String())
			}
		}
		if chunk.Stop {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return &EngineError{
			Type:      EngineErrorInvalidResponse,
			ModelPath: h.ModelPath,
			Message:   "generation stream ended abnormally",
			Detail:    err.Error(),
			Err:       err,
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Release
// -----------------------------------------------------------------------------

// Release frees the handle's resources. Idempotent: releasing a nil or
// already-released handle is a no-op.
func (c *LlamaServerClient) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	if h.cmd != nil && h.cmd.Process != nil {
		slog.Info("Stopping inference server", "handle", h.ID, "model", h.ModelPath)
		if err := h.cmd.Process.Kill(); err != nil && !h.processExited() {
			slog.Warn("Failed to kill inference server", "handle", h.ID, "error", err)
		}
		if h.exited != nil {
			<-h.exited
		}
	}
	return nil
}

func (h *Handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
