// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/redline/services/changeset"
)

var (
	proposeScope string
	proposeMode  string

	proposeCmd = &cobra.Command{
		Use:   "propose <prompt>",
		Short: "Ask the daemon's model for an edit and stage it as a draft",
		Long: `Sends the prompt and the document's current content to the
daemon's configured model, then stages the model's full-document
proposal as a draft ChangeSet. Requires the daemon to run with the
proposer enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: runPropose,
	}
)

func init() {
	proposeCmd.Flags().StringVar(&proposeScope, "scope", "", "Document scope (required)")
	proposeCmd.Flags().StringVar(&proposeMode, "mode", "rewrite",
		"Proposer mode: rewrite, summarize, extend")
	_ = proposeCmd.MarkFlagRequired("scope")
}

func runPropose(cmd *cobra.Command, args []string) error {
	cs, err := NewClient(serverURL).Propose(cmd.Context(), changeset.ProposeRequest{
		Scope:  proposeScope,
		Mode:   proposeMode,
		Prompt: args[0],
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cs)
	}
	fmt.Printf("%s %s\n", styleStatus(cs.Status), cs.ID)
	fmt.Println(styles.Muted.Render("preview with: redline changeset preview " + cs.ID))
	return nil
}
