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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/redline/services/changeset"
	"github.com/AleutianAI/redline/services/changeset/diff"
)

var (
	reviewActor string

	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Interactively review previewed ChangeSets",
		Long: `Opens a terminal UI over every ChangeSet waiting for a decision.
Approve with y, reject with n; approvals are applied immediately.`,
		RunE: runReview,
	}
)

func init() {
	reviewCmd.Flags().StringVar(&reviewActor, "actor", defaultActor(),
		"Actor recorded in the audit trail")
}

func runReview(cmd *cobra.Command, args []string) error {
	client := NewClient(serverURL)
	records, err := client.List(cmd.Context(), changeset.StatusPreviewed.String(), "")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println(styles.Muted.Render("nothing to review"))
		return nil
	}

	model := newReviewModel(client, records, reviewActor)
	program := tea.NewProgram(model, tea.WithAltScreen())
	final, err := program.Run()
	if err != nil {
		return err
	}

	if m, ok := final.(reviewModel); ok {
		fmt.Printf("reviewed %d changesets: %d applied, %d rejected\n",
			m.applied+m.rejected+m.skipped, m.applied, m.rejected)
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

// decisionDoneMsg reports the outcome of an approve+apply or reject
// round trip for one ChangeSet.
type decisionDoneMsg struct {
	id      string
	status  changeset.Status
	err     error
	applied bool
}

// =============================================================================
// Model
// =============================================================================

// reviewModel is the bubbletea model for the review session. One
// ChangeSet is shown at a time; decisions fire daemon calls as
// commands and the model advances when their results come back.
type reviewModel struct {
	client *Client
	actor  string

	records []*changeset.ChangeSet
	current int

	viewport viewport.Model
	width    int
	height   int

	ready    bool
	deciding bool
	lastErr  error
	quitting bool

	applied  int
	rejected int
	skipped  int
}

func newReviewModel(client *Client, records []*changeset.ChangeSet, actor string) reviewModel {
	return reviewModel{
		client:  client,
		actor:   actor,
		records: records,
	}
}

// Init implements tea.Model.
func (m reviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 2
		viewportHeight := m.height - headerHeight - footerHeight

		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}
		m.updateViewportContent()

	case tea.KeyMsg:
		if m.deciding {
			// A decision is in flight; only allow quitting.
			if msg.String() == "ctrl+c" {
				m.quitting = true
				return m, tea.Quit
			}
			return m, nil
		}

		switch msg.String() {
		case "y", "Y":
			m.deciding = true
			m.lastErr = nil
			return m, m.approveAndApply(m.records[m.current].ID)

		case "n", "N":
			m.deciding = true
			m.lastErr = nil
			return m, m.reject(m.records[m.current].ID)

		case "s", "S":
			m.skipped++
			return m.advance()

		case "left", "h":
			if m.current > 0 {
				m.current--
				m.updateViewportContent()
			}

		case "right", "l":
			if m.current < len(m.records)-1 {
				m.current++
				m.updateViewportContent()
			}

		case "j", "down":
			m.viewport.LineDown(1)

		case "k", "up":
			m.viewport.LineUp(1)

		case "ctrl+d":
			m.viewport.HalfViewDown()

		case "ctrl+u":
			m.viewport.HalfViewUp()

		case "g", "home":
			m.viewport.GotoTop()

		case "G", "end":
			m.viewport.GotoBottom()

		case "q", "Q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case decisionDoneMsg:
		m.deciding = false
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		if msg.applied {
			m.applied++
		} else {
			m.rejected++
		}
		return m.advance()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m reviewModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready || len(m.records) == 0 {
		return "Loading...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

// =============================================================================
// Decisions
// =============================================================================

// approveAndApply approves the ChangeSet and, on success, applies it.
// Large-table confirmation is answered yes: the reviewer is looking at
// the full cell list when they press y.
func (m reviewModel) approveAndApply(id string) tea.Cmd {
	client, actor := m.client, m.actor
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if _, err := client.Approve(ctx, id, actor); err != nil {
			return decisionDoneMsg{id: id, err: err}
		}
		cs, err := client.Apply(ctx, id, true)
		if err != nil {
			return decisionDoneMsg{id: id, err: err}
		}
		return decisionDoneMsg{id: id, status: cs.Status, applied: true}
	}
}

func (m reviewModel) reject(id string) tea.Cmd {
	client, actor := m.client, m.actor
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cs, err := client.Reject(ctx, id, actor, "rejected in review")
		if err != nil {
			return decisionDoneMsg{id: id, err: err}
		}
		return decisionDoneMsg{id: id, status: cs.Status}
	}
}

// advance moves to the next undecided record, or quits when none are
// left.
func (m reviewModel) advance() (reviewModel, tea.Cmd) {
	if m.current < len(m.records)-1 {
		m.current++
		m.viewport.GotoTop()
		m.updateViewportContent()
		return m, nil
	}
	m.quitting = true
	return m, tea.Quit
}

// =============================================================================
// Rendering
// =============================================================================

var (
	reviewTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorAccent)

	reviewMetaStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	reviewKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	reviewErrStyle = lipgloss.NewStyle().
			Foreground(colorError)
)

func (m *reviewModel) updateViewportContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderReviewPatch(m.records[m.current]))
}

// renderReviewPatch renders the diff for one record from its embedded
// content, without another daemon round trip.
func renderReviewPatch(cs *changeset.ChangeSet) string {
	if cs.Kind.IsTabular() {
		if cs.Diff == nil || len(cs.Diff.Cells) == 0 {
			return "no cell changes"
		}
		return stylePatch(diff.RenderCells(cs.Diff.Cells))
	}

	patch, err := diff.RenderUnified(cs.Scope, cs.Before.Text, cs.After.Text)
	if err != nil {
		return "failed to render diff: " + err.Error()
	}
	if patch == "" {
		return "no changes"
	}
	return stylePatch(patch)
}

func (m reviewModel) renderHeader() string {
	cs := m.records[m.current]
	title := fmt.Sprintf("redline review  %d/%d", m.current+1, len(m.records))
	meta := fmt.Sprintf("%s  %s  scope=%s", cs.ID, cs.Kind, cs.Scope)
	if cs.Prompt != "" {
		meta += "  prompt=" + cs.Prompt
	}
	return reviewTitleStyle.Render(title) + "\n" + reviewMetaStyle.Render(meta) + "\n"
}

func (m reviewModel) renderFooter() string {
	if m.deciding {
		return reviewMetaStyle.Render("applying decision...")
	}

	keys := strings.Join([]string{
		reviewKeyStyle.Render("y") + " approve+apply",
		reviewKeyStyle.Render("n") + " reject",
		reviewKeyStyle.Render("s") + " skip",
		reviewKeyStyle.Render("←/→") + " navigate",
		reviewKeyStyle.Render("q") + " quit",
	}, "  ")

	if m.lastErr != nil {
		return reviewErrStyle.Render("error: "+m.lastErr.Error()) + "\n" + keys
	}
	return keys
}
