// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/acquire"
	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/engine"
	"github.com/LuminaAI/LuminaLocal/cmd/lumina/internal/util"
)

// catalogSearchPaths are tried in order when --catalog is not given.
func catalogSearchPaths() []string {
	paths := []string{"lumina-models.yaml"}
	if cfg := os.Getenv("XDG_CONFIG_HOME"); cfg != "" {
		paths = append(paths, filepath.Join(cfg, "lumina", "models.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lumina", "models.yaml"))
		paths = append(paths, filepath.Join(home, ".lumina", "models.yaml"))
	}
	return paths
}

func loadCatalog() *acquire.Catalog {
	if catalogPath != "" {
		cat, err := acquire.LoadCatalog(catalogPath)
		if err != nil {
			log.Fatalf("Error loading catalog %s: %v", catalogPath, err)
		}
		return cat
	}
	for _, p := range catalogSearchPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cat, err := acquire.LoadCatalog(p)
		if err != nil {
			log.Fatalf("Error loading catalog %s: %v", p, err)
		}
		return cat
	}
	log.Fatalf("No model catalog found. Provide one with --catalog or create ~/.config/lumina/models.yaml")
	return nil
}

func findDescriptor(cat *acquire.Catalog, id string) *acquire.ArtifactDescriptor {
	desc := cat.Find(id)
	if desc == nil {
		log.Fatalf("Model %q is not in the catalog. Run 'lumina model list' to see available models.", id)
	}
	return desc
}

func storageRoots() (string, string) {
	primary, fallback := acquire.DefaultStorageRoots()
	if modelsDir != "" {
		primary = modelsDir
	}
	return primary, fallback
}

func newEngine() engine.Engine {
	if engineURL != "" {
		return engine.NewRemoteClient(engineURL)
	}
	return engine.NewLlamaServerClient()
}

func newOrchestrator() *acquire.Orchestrator {
	primary, fallback := storageRoots()
	return newOrchestratorWith(primary, fallback, newEngine())
}

// newOrchestratorWith shares an engine with the caller, which keeps
// using it for generation after the acquisition completes.
func newOrchestratorWith(primary, fallback string, eng engine.Engine) *acquire.Orchestrator {
	orch := acquire.NewOrchestrator(primary, fallback, eng)
	orch.SetAuthToken(authToken)
	return orch
}

// progressFunc builds the progress callback for the terminal, or nil
// when progress output is suppressed.
func progressFunc() (acquire.ProgressFunc, util.ProgressRenderer) {
	if noProgress {
		return nil, nil
	}
	renderer := util.NewProgressRenderer(os.Stderr)
	return func(ev acquire.ProgressEvent) {
		renderer.Render(ev.Percent, ev.Message)
	}, renderer
}

// signalContext returns a context cancelled by Ctrl-C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// -----------------------------------------------------------------------------
// Run functions
// -----------------------------------------------------------------------------

func runModelList(cmd *cobra.Command, args []string) {
	cat := loadCatalog()
	primary, fallback := storageRoots()
	resolver := acquire.NewStorageResolver(primary, fallback)

	fmt.Printf("%-28s %-12s %s\n", "MODEL", "SIZE", "STATUS")
	for i := range cat.Models {
		desc := &cat.Models[i]
		size := "unknown"
		if desc.ExpectedSizeBytes > 0 {
			size = util.FormatBytes(desc.ExpectedSizeBytes)
		}

		status := "not downloaded"
		if path, err := resolver.Resolve(desc); err == nil {
			if info, statErr := os.Stat(path); statErr == nil {
				status = fmt.Sprintf("downloaded (%s)", util.FormatBytes(info.Size()))
				if desc.ExpectedSizeBytes > 0 && info.Size() != desc.ExpectedSizeBytes {
					status += " [size mismatch]"
				}
			}
		}
		fmt.Printf("%-28s %-12s %s\n", desc.ID, size, status)
	}
}

func runModelDownload(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	desc := findDescriptor(loadCatalog(), args[0])
	orch := newOrchestrator()
	onProgress, renderer := progressFunc()

	art, err := orch.Download(ctx, desc, onProgress)
	if err != nil {
		if renderer != nil {
			renderer.Complete(false, "Download failed")
		}
		log.Fatalf("Error: %s", fullError(err))
	}
	if renderer != nil {
		renderer.Complete(true, fmt.Sprintf("Downloaded %s", desc.DisplayName))
	}
	fmt.Printf("Verified artifact at %s (%s)\n", art.Path, util.FormatBytes(art.SizeBytes))
}

func runModelLoad(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	desc := findDescriptor(loadCatalog(), args[0])
	orch := newOrchestrator()
	defer orch.Shutdown()
	onProgress, renderer := progressFunc()

	art, err := orch.Acquire(ctx, desc, onProgress)
	if err != nil {
		if renderer != nil {
			renderer.Complete(false, "Load failed")
		}
		log.Fatalf("Error: %s", fullError(err))
	}
	if renderer != nil {
		renderer.Complete(true, fmt.Sprintf("%s loaded", desc.DisplayName))
	}
	fmt.Printf("Model %s loaded successfully from %s\n", art.ID, art.Path)
}

func runModelValidate(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	desc := findDescriptor(loadCatalog(), args[0])
	primary, fallback := storageRoots()
	resolver := acquire.NewStorageResolver(primary, fallback)
	validator := acquire.NewFileValidator(acquire.NewSHA256Hasher())

	path, err := resolver.Resolve(desc)
	if err != nil {
		log.Fatalf("Error resolving storage: %v", err)
	}

	result, err := validator.Validate(ctx, path, desc.ExpectedSizeBytes, desc.NormalizedDigest(), nil)
	if err != nil {
		log.Fatalf("Error validating %s: %v", path, err)
	}

	if !result.Exists {
		fmt.Printf("%s: not downloaded (expected at %s)\n", desc.ID, path)
		os.Exit(1)
	}
	if result.IsValid() {
		fmt.Printf("%s: valid (%s", desc.ID, util.FormatBytes(result.ActualSize))
		if desc.VerifiesDigest() {
			fmt.Printf(", sha256 verified")
		}
		fmt.Println(")")
		return
	}
	fmt.Printf("%s: INVALID - %s\n", desc.ID, result.ErrorDetail)
	os.Exit(1)
}

func runModelRm(cmd *cobra.Command, args []string) {
	desc := findDescriptor(loadCatalog(), args[0])
	orch := newOrchestrator()

	if err := orch.ClearCache(desc); err != nil {
		log.Fatalf("Error: %s", fullError(err))
	}
	fmt.Printf("Removed local copy of %s\n", desc.ID)
}

// fullError renders the remediation-bearing form when available.
func fullError(err error) string {
	type fullErr interface{ FullError() string }
	if fe, ok := err.(fullErr); ok {
		return fe.FullError()
	}
	return err.Error()
}
