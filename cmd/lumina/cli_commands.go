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
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "lumina",
		Short: "A CLI for running language models on your own machine",
		Long: `Lumina downloads model artifacts from a catalog, verifies their
integrity, and serves them through a local llama.cpp engine.`,
	}

	// --- Persistent flags ---
	catalogPath string
	modelsDir   string
	authToken   string
	verbose     bool
	engineURL   string
	noProgress  bool

	modelCmd = &cobra.Command{
		Use:   "model",
		Short: "Manage model artifacts",
	}
	modelListCmd = &cobra.Command{
		Use:   "list",
		Short: "List catalog entries and their local status",
		Run:   runModelList,
	}
	modelDownloadCmd = &cobra.Command{
		Use:   "download [model-id]",
		Short: "Download and verify a model without loading it",
		Args:  cobra.ExactArgs(1),
		Run:   runModelDownload,
	}
	modelLoadCmd = &cobra.Command{
		Use:   "load [model-id]",
		Short: "Download, verify, and load a model into the engine",
		Args:  cobra.ExactArgs(1),
		Run:   runModelLoad,
	}
	modelValidateCmd = &cobra.Command{
		Use:   "validate [model-id]",
		Short: "Verify the local copy of a model against the catalog",
		Args:  cobra.ExactArgs(1),
		Run:   runModelValidate,
	}
	modelRmCmd = &cobra.Command{
		Use:   "rm [model-id]",
		Short: "Remove the local copy of a model",
		Args:  cobra.ExactArgs(1),
		Run:   runModelRm,
	}

	chatCmd = &cobra.Command{
		Use:   "chat [model-id] [prompt]",
		Short: "Load a model and generate a response",
		Long: `Loads the model (downloading it first if needed) and streams a
response to the prompt. With no prompt, reads one line from stdin.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runChat,
	}
	systemPrompt string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "Path to the model catalog YAML (default: built-in search paths)")
	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", "", "Directory for model artifacts (default: XDG data dir)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for gated model sources")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine-url", "", "Attach to a running llama-server instead of spawning one")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Suppress progress output")

	chatCmd.Flags().StringVar(&systemPrompt, "system", defaultSystemPrompt, "System prompt for generation")

	modelCmd.AddCommand(modelListCmd, modelDownloadCmd, modelLoadCmd, modelValidateCmd, modelRmCmd)
	rootCmd.AddCommand(modelCmd, chatCmd)
}
