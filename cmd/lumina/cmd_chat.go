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
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer concisely and accurately."

func runChat(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	desc := findDescriptor(loadCatalog(), args[0])

	prompt := strings.Join(args[1:], " ")
	if prompt == "" {
		fmt.Print("> ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("Error reading prompt: %v", err)
		}
		prompt = strings.TrimSpace(line)
	}
	if prompt == "" {
		log.Fatalf("Nothing to ask.")
	}

	eng := newEngine()
	primary, fallback := storageRoots()
	orch := newOrchestratorWith(primary, fallback, eng)
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
		renderer.Complete(true, fmt.Sprintf("%s ready", desc.DisplayName))
	}

	// The engine reports accumulated text; print only the new suffix so
	// the output streams token by token.
	printed := 0
	onToken := func(accumulated string) {
		if len(accumulated) > printed {
			fmt.Print(accumulated[printed:])
			printed = len(accumulated)
		}
	}

	if err := eng.Generate(ctx, art.Handle, systemPrompt, prompt, onToken); err != nil {
		fmt.Println()
		log.Fatalf("Error: %s", fullError(err))
	}
	fmt.Println()
}
