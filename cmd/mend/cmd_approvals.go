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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/MendFOSS/pkg/ux"
	"github.com/AleutianAI/MendFOSS/services/healer/approval"
	"github.com/AleutianAI/MendFOSS/services/healer/engine"
)

// apiClient talks to a running `mend serve` over its v1 API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// get decodes a JSON GET response into out.
func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("reaching %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// post sends a JSON body and decodes the response into out.
func (c *apiClient) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("reaching %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse surfaces the server's error message on non-2xx.
func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// resolveActor is who approvals are attributed to.
func resolveActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "operator"
}

func printTicket(t *approval.Ticket) {
	ux.KV("ticket", t.ID)
	ux.KV("run", t.RunID)
	ux.KV("target", t.TargetPath)
	ux.KV("risk", fmt.Sprintf("%s (%d changed lines)", t.Risk, t.ChangedLines))
	ux.KV("resolution", string(t.Resolution))
	if !t.Deadline.IsZero() && t.Resolution == approval.ResolutionPending {
		ux.KV("auto-approves", t.Deadline.Local().Format(time.RFC3339))
	}
	if t.RevisionID != "" {
		ux.KV("revision", t.RevisionID)
	}
	if t.CommitError != "" {
		ux.Warning("commit failed: " + t.CommitError)
	}
	if t.PushError != "" {
		ux.Warning("push failed: " + t.PushError)
	}
	if t.RestoreError != "" {
		ux.Warning("restore failed: " + t.RestoreError)
	}
}

func runApprovalsList(_ *cobra.Command, _ []string) error {
	client := newAPIClient(serverAddr)

	var payload struct {
		Tickets []*approval.Ticket `json:"tickets"`
	}
	if err := client.get("/v1/tickets?pending=true", &payload); err != nil {
		return err
	}

	ux.Title("pending approvals")
	if len(payload.Tickets) == 0 {
		ux.Muted("nothing waiting")
		return nil
	}
	for _, t := range payload.Tickets {
		printTicket(t)
		fmt.Println()
	}
	return nil
}

func runApprovalsApprove(_ *cobra.Command, args []string) error {
	client := newAPIClient(serverAddr)

	var ticket approval.Ticket
	body := map[string]string{"actor": resolveActor()}
	if err := client.post("/v1/tickets/"+args[0]+"/approve", body, &ticket); err != nil {
		return err
	}

	ux.Success("approved " + ticket.ID)
	printTicket(&ticket)
	return nil
}

func runApprovalsReject(_ *cobra.Command, args []string) error {
	client := newAPIClient(serverAddr)

	var ticket approval.Ticket
	body := map[string]string{"actor": resolveActor(), "reason": rejectReason}
	if err := client.post("/v1/tickets/"+args[0]+"/reject", body, &ticket); err != nil {
		return err
	}

	ux.Success("rejected " + ticket.ID + ", original restored")
	printTicket(&ticket)
	return nil
}

func runRunsList(_ *cobra.Command, _ []string) error {
	client := newAPIClient(serverAddr)

	var payload struct {
		Runs []*engine.Run `json:"runs"`
	}
	if err := client.get("/v1/runs", &payload); err != nil {
		return err
	}

	ux.Title("recent runs")
	if len(payload.Runs) == 0 {
		ux.Muted("no runs recorded")
		return nil
	}
	for _, run := range payload.Runs {
		ux.KV("run", run.ID)
		ux.KV("target", run.Target)
		ux.KV("status", fmt.Sprintf("%s (%d attempts)", run.Status, len(run.Attempts)))
		ux.KV("started", run.StartedAt.Local().Format(time.RFC3339))
		fmt.Println()
	}
	return nil
}
