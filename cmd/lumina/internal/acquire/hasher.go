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
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// DefaultHashChunkSize is the read window for streaming digests. Peak
// memory during hashing is one chunk regardless of file size.
const DefaultHashChunkSize = 1024 * 1024 // 1 MiB

// HashProgressFunc receives (bytesHashed, totalBytes) as the digest
// advances. totalBytes is 0 when the file size could not be determined.
type HashProgressFunc func(hashed, total int64)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Hasher computes content digests of local files.
//
// Implementations must be safe for concurrent use and must process files
// in bounded-size chunks; model artifacts run to many gigabytes.
type Hasher interface {
	// Digest returns the lowercase hex SHA-256 of the file at path.
	Digest(ctx context.Context, path string) (string, error)

	// DigestWithProgress is Digest with a per-chunk progress callback
	// (nil to disable). Used when hashing feeds the combined progress
	// signal after a download.
	DigestWithProgress(ctx context.Context, path string, onProgress HashProgressFunc) (string, error)
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// SHA256Hasher implements Hasher with streaming SHA-256.
//
// # Description
//
// Reads the file in fixed-size chunks, feeding each chunk to the running
// hash, so memory stays O(chunk) for arbitrarily large artifacts.
// Concurrent digests of the same (cleaned) path are coalesced through
// singleflight: the second caller waits for and shares the first
// caller's result instead of re-reading the file.
//
// # Thread Safety
//
// Safe for concurrent use.
type SHA256Hasher struct {
	chunkSize int
	group     singleflight.Group
}

// NewSHA256Hasher creates a Hasher with the default 1 MiB chunk size.
func NewSHA256Hasher() *SHA256Hasher {
	return &SHA256Hasher{chunkSize: DefaultHashChunkSize}
}

// Digest returns the lowercase hex SHA-256 of the file at path.
//
// # Description
//
// Cancellation is checked between chunks; a cancelled context abandons
// the read and returns ctx.Err. Failures open or reading the file return
// a *HashError.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - path: File to hash
//
// # Outputs
//
//   - string: Lowercase hex digest
//   - error: *HashError or ctx.Err()
func (h *SHA256Hasher) Digest(ctx context.Context, path string) (string, error) {
	return h.DigestWithProgress(ctx, path, nil)
}

// DigestWithProgress is Digest with a per-chunk progress callback.
//
// Progress callbacks are only delivered to the caller that initiated the
// hash; callers coalesced onto an in-flight digest share its result but
// see no intermediate progress.
func (h *SHA256Hasher) DigestWithProgress(ctx context.Context, path string, onProgress HashProgressFunc) (string, error) {
	key := filepath.Clean(path)

	v, err, _ := h.group.Do(key, func() (interface{}, error) {
		return h.digestFile(ctx, path, onProgress)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *SHA256Hasher) digestFile(ctx context.Context, path string, onProgress HashProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &HashError{Path: path, Message: "cannot open file for hashing", Err: err}
	}
	defer f.Close()

	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}

	sum := sha256.New()
	buf := make([]byte, h.chunkSize)
	var hashed int64

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			// Hash.Write never returns an error.
			sum.Write(buf[:n])
			hashed += int64(n)
			if onProgress != nil {
				onProgress(hashed, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &HashError{Path: path, Message: "read failed during hashing", Err: err}
		}
	}

	return hex.EncodeToString(sum.Sum(nil)), nil
}
