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
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// PathResolver derives the local storage location for an artifact.
//
// Implementations must be deterministic: the same descriptor resolves to
// the same path for the life of the process, and across runs as long as
// the primary storage root stays usable.
type PathResolver interface {
	// Resolve returns the full local path for the descriptor's artifact,
	// creating the containing directory if needed.
	Resolve(desc *ArtifactDescriptor) (string, error)
}

// -----------------------------------------------------------------------------
// Struct Definition
// -----------------------------------------------------------------------------

// StorageResolver implements PathResolver over a primary storage root
// with a fallback.
//
// # Description
//
// The primary root is tried first; if it cannot be created or written,
// the resolver degrades to the fallback root and logs a warning, never
// a silent failure. The chosen root is memoized per artifact id so one
// run always resolves an id to the same path even if root writability
// changes mid-run.
//
// The filename is the last path segment of the source URL, so the file
// on disk matches what a user would download by hand. Descriptors whose
// URL has no usable segment fall back to "<id>.gguf".
//
// # Thread Safety
//
// Safe for concurrent use.
type StorageResolver struct {
	primary  string
	fallback string

	mu     sync.Mutex
	chosen map[string]string // artifact id -> resolved path
}

// NewStorageResolver creates a resolver over the given roots.
//
// # Inputs
//
//   - primary: Preferred storage root (e.g., ~/.lumina/models)
//   - fallback: Root used when primary is unusable (e.g., $TMPDIR/lumina-models)
func NewStorageResolver(primary, fallback string) *StorageResolver {
	return &StorageResolver{
		primary:  primary,
		fallback: fallback,
		chosen:   make(map[string]string),
	}
}

// DefaultStorageRoots returns the conventional primary and fallback
// model directories for this user.
//
// # Description
//
// Primary is $XDG_DATA_HOME/lumina/models when set, else
// ~/.lumina/models. Fallback is <os temp>/lumina-models, which survives
// a read-only home directory (container images, kiosk devices).
func DefaultStorageRoots() (primary, fallback string) {
	fallback = filepath.Join(os.TempDir(), "lumina-models")

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lumina", "models"), fallback
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// No home at all; both roots land in temp.
		return fallback, fallback
	}
	return filepath.Join(home, ".lumina", "models"), fallback
}

// Resolve returns the full local path for the descriptor's artifact.
//
// # Description
//
// Ensures the storage root exists (idempotent mkdir) and that it is
// actually writable, then joins the deterministic filename. On primary
// failure the fallback root is tried once; if that also fails the error
// carries both causes.
//
// # Inputs
//
//   - desc: Artifact descriptor (id and source URL are used)
//
// # Outputs
//
//   - string: Absolute path for the artifact file
//   - error: When neither storage root is usable
func (r *StorageResolver) Resolve(desc *ArtifactDescriptor) (string, error) {
	r.mu.Lock()
	if p, ok := r.chosen[desc.ID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	filename := artifactFilename(desc)

	root, err := ensureWritableDir(r.primary)
	if err != nil {
		slog.Warn("Primary model directory unusable, degrading to fallback",
			"primary", r.primary, "fallback", r.fallback, "error", err)

		var fallbackErr error
		root, fallbackErr = ensureWritableDir(r.fallback)
		if fallbackErr != nil {
			return "", fmt.Errorf("no usable model directory: primary %s (%w), fallback %s (%v)",
				r.primary, err, r.fallback, fallbackErr)
		}
	}

	resolved := filepath.Join(root, filename)

	r.mu.Lock()
	r.chosen[desc.ID] = resolved
	r.mu.Unlock()

	slog.Debug("Resolved artifact path", "model", desc.ID, "path", resolved)
	return resolved, nil
}

// artifactFilename derives the on-disk name from the source URL's last
// path segment, falling back to "<id>.gguf".
func artifactFilename(desc *ArtifactDescriptor) string {
	if u, err := url.Parse(desc.SourceURL); err == nil {
		if seg := path.Base(u.Path); seg != "" && seg != "." && seg != "/" {
			return seg
		}
	}
	return sanitizeID(desc.ID) + ".gguf"
}

// sanitizeID keeps the id usable as a filename.
func sanitizeID(id string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return c
	}, id)
}

// ensureWritableDir creates dir if needed and probes writability by
// creating and removing a scratch file. A bare mkdir success is not
// enough: the directory may exist on a read-only mount.
func ensureWritableDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	probe, err := os.CreateTemp(dir, ".lumina-probe-*")
	if err != nil {
		return "", err
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	return dir, nil
}
