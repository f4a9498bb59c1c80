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
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/redline/services/changeset"
)

// Redline palette - ink and margin reds.
var (
	colorAccent  = lipgloss.Color("#E4503A") // margin red - brand, emphasis
	colorSuccess = lipgloss.Color("#3AC569") // applied, approvals
	colorWarning = lipgloss.Color("#F4D03F") // pending review
	colorError   = lipgloss.Color("#E74C3C") // failed, rejected
	colorMuted   = lipgloss.Color("#6B7280") // metadata
)

var styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Added   lipgloss.Style
	Removed lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Added:   lipgloss.NewStyle().Foreground(colorSuccess),
	Removed: lipgloss.NewStyle().Foreground(colorError),
}

// isTerminal reports whether stdout is an interactive terminal. Piped
// output gets plain text regardless of flags.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// styleStatus colors a lifecycle status for terminal output.
func styleStatus(status changeset.Status) string {
	s := string(status)
	if !isTerminal() {
		return s
	}
	switch status {
	case changeset.StatusApplied, changeset.StatusApproved:
		return styles.Success.Render(s)
	case changeset.StatusPreviewed, changeset.StatusDraft:
		return styles.Warning.Render(s)
	case changeset.StatusRejected, changeset.StatusFailed:
		return styles.Error.Render(s)
	default:
		return s
	}
}

// stylePatch colors unified-diff lines when writing to a terminal.
func stylePatch(patch string) string {
	if !isTerminal() {
		return patch
	}
	lines := strings.Split(patch, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			lines[i] = styles.Added.Render(line)
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			lines[i] = styles.Removed.Render(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = styles.Muted.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// printChangeSet writes a one-record summary.
func printChangeSet(cs *changeset.ChangeSet) {
	fmt.Printf("%s  %s\n", styleStatus(cs.Status), cs.ID)
	fmt.Printf("  kind:    %s\n", cs.Kind)
	fmt.Printf("  scope:   %s\n", cs.Scope)
	if cs.Prompt != "" {
		fmt.Printf("  prompt:  %s\n", cs.Prompt)
	}
	if cs.Model != "" {
		fmt.Printf("  model:   %s\n", cs.Model)
	}
	fmt.Printf("  created: %s\n", cs.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  updated: %s\n", cs.UpdatedAt.Format("2006-01-02 15:04:05"))
	if cs.Diff != nil {
		fmt.Printf("  diff:    %s\n", cs.Diff.Summary())
	}
}

// printChangeSetRow writes a compact list line.
func printChangeSetRow(cs *changeset.ChangeSet) {
	fmt.Printf("%-10s  %-36s  %-6s  %s\n",
		styleStatus(cs.Status), cs.ID, cs.Kind, cs.Scope)
}
