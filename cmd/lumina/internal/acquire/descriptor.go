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
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DigestUnverified is the sentinel digest meaning "skip the digest check".
// An empty digest field means the same thing.
const DigestUnverified = "unverified"

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// ArtifactDescriptor identifies one downloadable model artifact.
//
// # Description
//
// Descriptors are supplied by the catalog file and treated as immutable
// input; the acquisition core never mutates them. ExpectedSizeBytes of 0
// means size is unknown and unchecked. ExpectedDigest of "" or
// "unverified" skips the digest check.
type ArtifactDescriptor struct {
	// ID uniquely identifies the model (e.g., "gemma-2b-q6_k").
	ID string `yaml:"id" validate:"required"`

	// DisplayName is the human-readable model name.
	DisplayName string `yaml:"display_name"`

	// SourceURL is where the artifact is fetched from.
	SourceURL string `yaml:"source_url" validate:"required,url"`

	// ExpectedSizeBytes is the exact artifact size (0 = unknown).
	ExpectedSizeBytes int64 `yaml:"expected_size_bytes" validate:"gte=0"`

	// ExpectedDigest is the lowercase hex SHA-256 of the artifact,
	// or "unverified" / empty to skip verification.
	ExpectedDigest string `yaml:"expected_digest"`
}

// VerifiesDigest reports whether this descriptor carries a real digest.
func (d *ArtifactDescriptor) VerifiesDigest() bool {
	return d.ExpectedDigest != "" && d.ExpectedDigest != DigestUnverified
}

// NormalizedDigest returns the expected digest in lowercase hex, or ""
// when verification is disabled.
func (d *ArtifactDescriptor) NormalizedDigest() string {
	if !d.VerifiesDigest() {
		return ""
	}
	return strings.ToLower(d.ExpectedDigest)
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// Catalog is the set of models a device knows how to obtain.
type Catalog struct {
	Models []ArtifactDescriptor `yaml:"models" validate:"required,min=1,dive"`
}

// Find returns the descriptor with the given id, or nil.
func (c *Catalog) Find(id string) *ArtifactDescriptor {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i]
		}
	}
	return nil
}

// LoadCatalog reads and validates a YAML model catalog.
//
// # Description
//
// Parses the file with yaml.v3 and validates every descriptor with
// struct tags: ids are required, source URLs must parse as URLs, sizes
// must be non-negative, and duplicate ids are rejected.
//
// # Inputs
//
//   - path: Catalog file location
//
// # Outputs
//
//   - *Catalog: Parsed catalog
//   - error: Read, parse, or validation failure
//
// # Examples
//
//	catalog, err := LoadCatalog("models.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	desc := catalog.Find("gemma-2b-q6_k")
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&catalog); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(catalog.Models))
	for _, m := range catalog.Models {
		if seen[m.ID] {
			return nil, fmt.Errorf("invalid catalog %s: duplicate model id %q", path, m.ID)
		}
		seen[m.ID] = true
	}

	return &catalog, nil
}
