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

	"github.com/AleutianAI/redline/services/changeset/journal"
)

var (
	replayJournalPath string
	replaySkipBad     bool

	auditCmd = &cobra.Command{
		Use:   "audit [id]",
		Short: "Inspect the audit journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return showTrail(cmd, args[0])
		},
	}

	auditTrailCmd = &cobra.Command{
		Use:   "trail <id>",
		Short: "Show the audit trail of one ChangeSet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTrail(cmd, args[0])
		},
	}

	auditReplayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay a journal directory offline",
		Long: `Opens the Badger journal directly and prints every recorded
transition in sequence order. The daemon must not be running against
the same directory.`,
		RunE: runReplay,
	}
)

func init() {
	auditReplayCmd.Flags().StringVar(&replayJournalPath, "journal", "./redline-journal",
		"Journal directory to replay")
	auditReplayCmd.Flags().BoolVar(&replaySkipBad, "skip-corrupted", false,
		"Skip corrupted entries instead of failing")

	auditCmd.AddCommand(auditTrailCmd, auditReplayCmd)
}

// showTrail fetches and prints the audit trail of one ChangeSet from
// the daemon.
func showTrail(cmd *cobra.Command, id string) error {
	entries, err := NewClient(serverURL).Audit(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}
	for _, entry := range entries {
		printAuditEntry(entry)
	}
	return nil
}

// printAuditEntry renders one journal entry as a single line.
func printAuditEntry(entry journal.Entry) {
	line := fmt.Sprintf("%6d  %s  %-12s %-10s -> %-10s",
		entry.Seq,
		entry.Timestamp.Format("2006-01-02 15:04:05"),
		entry.Actor,
		entry.FromStatus,
		entry.ToStatus)
	if entry.Reason != "" {
		line += "  " + styles.Muted.Render(entry.Reason)
	}
	if entry.Error != "" {
		line += "  " + styles.Error.Render(entry.Error)
	}
	fmt.Println(line)
}

func runReplay(cmd *cobra.Command, args []string) error {
	config := journal.DefaultConfig()
	config.Path = replayJournalPath
	config.SkipCorrupted = replaySkipBad

	j, err := journal.Open(config)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	entries, err := j.Replay(cmd.Context())
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if jsonOutput {
		return printJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println(styles.Muted.Render("empty journal"))
		return nil
	}

	for _, entry := range entries {
		fmt.Printf("%s  ", styles.Muted.Render(entry.ChangeSetID))
		printAuditEntry(entry)
	}
	return nil
}
