// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command redline runs the ChangeSet mediation daemon and its CLI.
//
// Usage:
//
//	redline serve --config redline.yaml
//	redline changeset list --status previewed
//	redline changeset preview <id>
//	redline review
//	redline audit <id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

var (
	serverURL  string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "redline",
		Short: "Mediate AI-proposed document edits through review and audit",
		Long: `Redline sits between an AI proposer and your documents: every
proposed edit becomes a ChangeSet that must be previewed, approved,
and applied explicitly, with a durable audit trail and rollback.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the redline version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("redline", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("REDLINE_SERVER", "http://localhost:8440"),
		"Base URL of the redline daemon")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit raw JSON instead of formatted output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(changesetCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(proposeCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
