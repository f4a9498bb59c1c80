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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/redline/services/changeset"
	"github.com/AleutianAI/redline/services/changeset/journal"
)

// Client talks to a running redline daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is the decoded daemon error body plus HTTP status.
type apiError struct {
	HTTPStatus int
	Body       changeset.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Error != "" {
		if e.Body.Status != "" {
			return fmt.Sprintf("%s (record status: %s)", e.Body.Error, e.Body.Status)
		}
		return e.Body.Error
	}
	return fmt.Sprintf("daemon returned HTTP %d", e.HTTPStatus)
}

// IsConfirmationRequired reports whether the daemon asked for a
// large-table confirmation.
func IsConfirmationRequired(err error) bool {
	api, ok := err.(*apiError)
	return ok && api.HTTPStatus == http.StatusPreconditionRequired
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		api := &apiError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(data, &api.Body)
		return api
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Create registers a draft ChangeSet.
func (c *Client) Create(ctx context.Context, req changeset.CreateRequest) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	if err := c.do(ctx, http.MethodPost, "/v1/changesets", req, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Get fetches one ChangeSet.
func (c *Client) Get(ctx context.Context, id string) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	if err := c.do(ctx, http.MethodGet, "/v1/changesets/"+url.PathEscape(id), nil, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// List fetches ChangeSets, optionally filtered.
func (c *Client) List(ctx context.Context, status, scope string) ([]*changeset.ChangeSet, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if scope != "" {
		query.Set("scope", scope)
	}
	path := "/v1/changesets"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		ChangeSets []*changeset.ChangeSet `json:"changesets"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ChangeSets, nil
}

// Preview computes the diff for a draft.
func (c *Client) Preview(ctx context.Context, id string) (*changeset.PreviewResponse, error) {
	var resp changeset.PreviewResponse
	if err := c.do(ctx, http.MethodPost, "/v1/changesets/"+url.PathEscape(id)+"/preview", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve records reviewer acceptance.
func (c *Client) Approve(ctx context.Context, id, actor string) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	err := c.do(ctx, http.MethodPost, "/v1/changesets/"+url.PathEscape(id)+"/approve",
		changeset.ApproveRequest{Actor: actor}, &cs)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// Reject declines a proposal.
func (c *Client) Reject(ctx context.Context, id, actor, reason string) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	err := c.do(ctx, http.MethodPost, "/v1/changesets/"+url.PathEscape(id)+"/reject",
		changeset.RejectRequest{Actor: actor, Reason: reason}, &cs)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// Apply writes an approved change to the document.
func (c *Client) Apply(ctx context.Context, id string, confirmLargeTable bool) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	err := c.do(ctx, http.MethodPost, "/v1/changesets/"+url.PathEscape(id)+"/apply",
		changeset.ApplyRequest{ConfirmLargeTable: confirmLargeTable}, &cs)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// Audit fetches the ordered transition history of one ChangeSet.
func (c *Client) Audit(ctx context.Context, id string) ([]journal.Entry, error) {
	var resp struct {
		Entries []journal.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/changesets/"+url.PathEscape(id)+"/audit", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Propose asks the daemon's proposer to draft a change for a scope.
func (c *Client) Propose(ctx context.Context, req changeset.ProposeRequest) (*changeset.ChangeSet, error) {
	var cs changeset.ChangeSet
	if err := c.do(ctx, http.MethodPost, "/v1/propose", req, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}
