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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/redline/services/changeset"
	"github.com/AleutianAI/redline/services/changeset/backend"
)

var (
	createScope      string
	createKind       string
	createPrompt     string
	createModel      string
	createBeforeFile string
	createAfterFile  string

	listStatus string
	listScope  string

	approveActor string
	rejectActor  string
	rejectReason string
	applyConfirm bool
	applyYes     bool

	changesetCmd = &cobra.Command{
		Use:     "changeset",
		Aliases: []string{"cs"},
		Short:   "Manage ChangeSets on a running daemon",
	}

	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Propose a new ChangeSet",
		Long: `Creates a draft ChangeSet from explicit before and after content.

Content files hold JSON matching the document shape: {"text": "..."} for
text and document scopes, {"cells": {"1,2": "value"}} for table scopes.
Pass "-" as the after file to read it from stdin.`,
		RunE: runCreate,
	}

	getCmd = &cobra.Command{
		Use:   "get <id>",
		Short: "Show one ChangeSet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := NewClient(serverURL).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cs)
			}
			printChangeSet(cs)
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List ChangeSets",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := NewClient(serverURL).List(cmd.Context(), listStatus, listScope)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println(styles.Muted.Render("no changesets"))
				return nil
			}
			for _, cs := range records {
				printChangeSetRow(cs)
			}
			return nil
		},
	}

	previewCmd = &cobra.Command{
		Use:   "preview <id>",
		Short: "Compute and show the diff for a draft ChangeSet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := NewClient(serverURL).Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Println(styles.Title.Render(resp.ChangeSetID))
			fmt.Println(stylePatch(resp.Patch))
			return nil
		},
	}

	approveCmd = &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a previewed ChangeSet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := NewClient(serverURL).Approve(cmd.Context(), args[0], approveActor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cs)
			}
			fmt.Printf("%s %s\n", styleStatus(cs.Status), cs.ID)
			return nil
		},
	}

	rejectCmd = &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a ChangeSet and roll back any applied content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := NewClient(serverURL).Reject(cmd.Context(), args[0], rejectActor, rejectReason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cs)
			}
			fmt.Printf("%s %s\n", styleStatus(cs.Status), cs.ID)
			return nil
		},
	}

	applyCmd = &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply an approved ChangeSet to the document",
		Args:  cobra.ExactArgs(1),
		RunE:  runApply,
	}
)

func init() {
	createCmd.Flags().StringVar(&createScope, "scope", "", "Document scope (required)")
	createCmd.Flags().StringVar(&createKind, "kind", "text", "Content kind: text, table, document")
	createCmd.Flags().StringVar(&createPrompt, "prompt", "", "Provenance: the prompt behind the proposal")
	createCmd.Flags().StringVar(&createModel, "model", "", "Provenance: the model behind the proposal")
	createCmd.Flags().StringVar(&createBeforeFile, "before-file", "", "JSON file with the expected current content (required)")
	createCmd.Flags().StringVar(&createAfterFile, "after-file", "", "JSON file with the proposed content, or - for stdin (required)")
	_ = createCmd.MarkFlagRequired("scope")
	_ = createCmd.MarkFlagRequired("before-file")
	_ = createCmd.MarkFlagRequired("after-file")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listScope, "scope", "", "Filter by scope")

	approveCmd.Flags().StringVar(&approveActor, "actor", defaultActor(), "Actor recorded in the audit trail")
	rejectCmd.Flags().StringVar(&rejectActor, "actor", defaultActor(), "Actor recorded in the audit trail")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Reason recorded in the audit trail")

	applyCmd.Flags().BoolVar(&applyConfirm, "confirm-large-table", false,
		"Confirm an apply that exceeds the table change threshold")
	applyCmd.Flags().BoolVarP(&applyYes, "yes", "y", false,
		"Answer the large-table confirmation prompt without asking")

	changesetCmd.AddCommand(createCmd, getCmd, listCmd, previewCmd, approveCmd, rejectCmd, applyCmd)
}

// defaultActor picks the audit actor from the environment.
func defaultActor() string {
	if actor := os.Getenv("REDLINE_ACTOR"); actor != "" {
		return actor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

// readContentFile parses a JSON content file; "-" reads stdin.
func readContentFile(path string) (backend.Content, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return backend.Content{}, err
	}

	var content backend.Content
	if err := json.Unmarshal(data, &content); err != nil {
		return backend.Content{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return content, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	before, err := readContentFile(createBeforeFile)
	if err != nil {
		return err
	}
	after, err := readContentFile(createAfterFile)
	if err != nil {
		return err
	}

	cs, err := NewClient(serverURL).Create(cmd.Context(), changeset.CreateRequest{
		Kind:   changeset.Kind(createKind),
		Scope:  createScope,
		Prompt: createPrompt,
		Model:  createModel,
		Before: before,
		After:  after,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cs)
	}
	fmt.Printf("%s %s\n", styleStatus(cs.Status), cs.ID)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	client := NewClient(serverURL)
	id := args[0]

	cs, err := client.Apply(cmd.Context(), id, applyConfirm)
	if IsConfirmationRequired(err) {
		if !applyYes && !promptYesNo(fmt.Sprintf("%v\nApply anyway?", err)) {
			return fmt.Errorf("apply aborted")
		}
		cs, err = client.Apply(cmd.Context(), id, true)
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cs)
	}
	fmt.Printf("%s %s\n", styleStatus(cs.Status), cs.ID)
	return nil
}

// promptYesNo asks an interactive yes/no question. Non-interactive
// sessions always answer no.
func promptYesNo(question string) bool {
	if !isTerminal() {
		return false
	}
	confirmed := false
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Apply").
		Negative("Abort").
		Value(&confirmed).
		Run()
	if err != nil {
		return false
	}
	return confirmed
}
