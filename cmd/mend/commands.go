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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/MendFOSS/pkg/ux"
	"github.com/AleutianAI/MendFOSS/services/healer/config"
)

// --- Global Command Variables ---
var (
	configPath   string
	plainOutput  bool
	traceStdout  bool
	patchFile    string
	testCommand  string
	commitFix    bool
	serverAddr   string
	rejectReason string

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "mend",
		Short: "A self-healing code repair daemon and CLI",
		Long: `mend watches a repository, patches broken files behind
backups, and gates every fix behind an approval ticket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if plainOutput {
				ux.SetPlain(true)
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return initTracing(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return shutdownTracing()
		},
	}

	healCmd = &cobra.Command{
		Use:   "heal <file>",
		Short: "Run one repair pass over a file using a supplied patch",
		Args:  cobra.ExactArgs(1),
		RunE:  runHeal, // defined in cmd_heal.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Watch directories and open approval tickets for fixes",
		RunE:  runWatch, // defined in cmd_serve.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the watcher together with the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // defined in cmd_serve.go
	}

	approvalsCmd = &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and resolve approval tickets on a running server",
	}

	approvalsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pending approval tickets",
		Args:  cobra.NoArgs,
		RunE:  runApprovalsList, // defined in cmd_approvals.go
	}

	approvalsApproveCmd = &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve a ticket: commit the fix and drop its backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalsApprove,
	}

	approvalsRejectCmd = &cobra.Command{
		Use:   "reject <ticket-id>",
		Short: "Reject a ticket: restore the original file",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalsReject,
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recent healing runs on a running server",
		Args:  cobra.NoArgs,
		RunE:  runRunsList, // defined in cmd_approvals.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mend.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "disable styled output")
	rootCmd.PersistentFlags().BoolVar(&traceStdout, "trace", false, "emit spans to stdout")

	healCmd.Flags().StringVar(&patchFile, "patch", "", "unified diff file ('-' for stdin)")
	healCmd.Flags().StringVar(&testCommand, "test-cmd", "", "shell command that validates the fix")
	healCmd.Flags().BoolVar(&commitFix, "commit", false, "commit the fix on success")
	_ = healCmd.MarkFlagRequired("patch")

	approvalsCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8844", "mend serve address")
	runsCmd.Flags().StringVar(&serverAddr, "server", "http://127.0.0.1:8844", "mend serve address")
	approvalsRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
	rootCmd.AddCommand(healCmd, watchCmd, serveCmd, approvalsCmd, runsCmd)
}
