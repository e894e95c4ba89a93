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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// downloadUserAgent identifies the client to artifact hosts.
	downloadUserAgent = "Lumina/1.0"

	// downloadCopyChunk is the copy buffer size; cancellation and
	// progress are observed once per chunk.
	downloadCopyChunk = 256 * 1024
)

// DownloadProgressFunc receives (percent, bytesSoFar) as a transfer
// advances. percent is -1 when the expected size is unknown
// (indeterminate).
type DownloadProgressFunc func(percent float64, bytesSoFar int64)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Downloader fetches a remote artifact to a local path.
//
// Implementations are stateless services: all per-transfer state lives
// within one Fetch call. Retry policy is owned by FetchWithRetry, not by
// the Downloader itself.
type Downloader interface {
	// Fetch transfers url to destPath, reporting progress. Returns the
	// number of bytes written. Errors are *DownloadError with the
	// retryable flag set at classification time. On any failure a
	// partially written destPath has already been removed.
	Fetch(ctx context.Context, url, destPath string, expectedSize int64, onProgress DownloadProgressFunc, authToken string) (int64, error)
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// HTTPDownloader implements Downloader over a single HTTP(S) GET.
//
// # Description
//
// The transfer streams straight to the destination file in fixed-size
// chunks. Response metadata is checked before any byte is written:
//
//   - Non-200 status: 4xx is non-retryable (a bad URL or revoked token
//     will fail deterministically), except 408 and 429 which are
//     transient by definition. Everything else is retryable.
//   - text/html or application/json content types are rejected
//     non-retryably: a redirect to a login page would otherwise stream
//     an HTML document into a model file and only fail at digest time.
//
// A completed transfer that wrote zero bytes is also rejected
// non-retryably. Every failure path removes the partial file before the
// error propagates, so a later validation pass never observes a
// half-written artifact as "exists".
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
}

// NewHTTPDownloader creates a Downloader with no overall request
// timeout; the retry/backoff envelope bounds total time, and the
// caller's context can impose an outer deadline.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{
		client: &http.Client{
			// No Timeout: a multi-gigabyte transfer legitimately runs for
			// a long time. Per-connection liveness comes from the transport.
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		userAgent: downloadUserAgent,
	}
}

// Fetch transfers url to destPath.
//
// # Description
//
// Deletes any pre-existing file at destPath first; there is no silent
// append or resume; a fresh attempt always starts from byte zero.
// Progress is reported per copy chunk as (percent, bytesSoFar), with
// percent derived from expectedSize when known and -1 otherwise.
//
// # Inputs
//
//   - ctx: Cancellation is observed between chunks
//   - url: Source URL
//   - destPath: Destination file (parent directory must exist)
//   - expectedSize: Declared artifact size (0 = unknown)
//   - onProgress: Per-chunk progress callback (nil = none)
//   - authToken: Optional bearer token for gated artifacts ("" = none)
//
// # Outputs
//
//   - int64: Bytes written on success
//   - error: *DownloadError, or ctx.Err() wrapped in a retryable one
func (d *HTTPDownloader) Fetch(ctx context.Context, url, destPath string, expectedSize int64, onProgress DownloadProgressFunc, authToken string) (int64, error) {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return 0, &DownloadError{
			Retryable: false,
			Message:   "cannot remove stale file at destination",
			Detail:    err.Error(),
			Err:       err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &DownloadError{
			Retryable: false,
			Message:   "invalid download URL",
			Detail:    err.Error(),
			Err:       err,
		}
	}
	req.Header.Set("User-Agent", d.userAgent)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DownloadError{
			Retryable: true,
			Message:   "transfer failed to start",
			Detail:    err.Error(),
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if err := checkResponseMetadata(resp); err != nil {
		return 0, err
	}

	written, err := d.streamToFile(ctx, resp.Body, destPath, expectedSize, onProgress)
	if err != nil {
		removePartial(destPath)
		return 0, err
	}

	if written == 0 {
		removePartial(destPath)
		return 0, &DownloadError{
			Retryable: false,
			Message:   "download completed but wrote zero bytes",
			Detail:    fmt.Sprintf("url %s returned an empty body", url),
		}
	}

	slog.Info("Download complete", "url", url, "bytes", written, "dest", destPath)
	return written, nil
}

// checkResponseMetadata rejects responses that cannot be a model
// artifact before any byte is written to disk.
func checkResponseMetadata(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		retryable := true
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// 408/429 are transient by definition; other 4xx will fail
			// identically on every attempt.
			retryable = resp.StatusCode == http.StatusRequestTimeout ||
				resp.StatusCode == http.StatusTooManyRequests
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DownloadError{
			Retryable:  retryable,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server returned HTTP %d", resp.StatusCode),
			Detail:     strings.TrimSpace(string(body)),
		}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/json") {
		return &DownloadError{
			Retryable:  false,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("server sent %s instead of a binary artifact", contentType),
			Detail:     "this usually means the URL redirects to a login or error page",
		}
	}

	return nil
}

// streamToFile copies body to destPath chunk by chunk, checking
// cancellation and reporting progress per chunk.
func (d *HTTPDownloader) streamToFile(ctx context.Context, body io.Reader, destPath string, expectedSize int64, onProgress DownloadProgressFunc) (int64, error) {
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &DownloadError{
			Retryable: false,
			Message:   "cannot create destination file",
			Detail:    err.Error(),
			Err:       err,
		}
	}
	defer f.Close()

	buf := make([]byte, downloadCopyChunk)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, &DownloadError{
				Retryable: true,
				Message:   "transfer cancelled",
				Detail:    ctx.Err().Error(),
				Err:       ctx.Err(),
			}
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return written, &DownloadError{
					Retryable: false,
					Message:   "write to destination failed",
					Detail:    writeErr.Error(),
					Err:       writeErr,
				}
			}
			written += int64(n)
			downloadBytesTotal.Add(float64(n))

			if onProgress != nil {
				percent := -1.0
				if expectedSize > 0 {
					percent = float64(written) / float64(expectedSize) * 100
					if percent > 100 {
						percent = 100
					}
				}
				onProgress(percent, written)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, &DownloadError{
				Retryable: true,
				Message:   "transfer interrupted",
				Detail:    readErr.Error(),
				Err:       readErr,
			}
		}
	}
}

// removePartial deletes a partly written artifact, logging rather than
// propagating cleanup failures so the original error wins.
func removePartial(destPath string) {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not clean up partial download", "path", destPath, "error", err)
	}
}

// NormalizeSourceURL rewrites Hugging Face web URLs ("/blob/") to their
// direct-download form ("/resolve/"). Other URLs pass through unchanged.
func NormalizeSourceURL(url string) string {
	if strings.Contains(url, "/resolve/") || strings.Contains(url, "cdn-lfs") {
		return url
	}
	if before, after, ok := strings.Cut(url, "/blob/"); ok {
		return before + "/resolve/" + after
	}
	return url
}
