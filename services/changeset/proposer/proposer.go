// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proposer generates replacement document text through an
// OpenAI-compatible chat completion endpoint.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Modes the proposer understands.
const (
	ModeRewrite   = "rewrite"
	ModeSummarize = "summarize"
	ModeExtend    = "extend"
)

var (
	// ErrUnknownMode indicates a mode outside the supported set.
	ErrUnknownMode = errors.New("unknown proposer mode")

	// ErrEmptyProposal indicates the model returned no usable text.
	ErrEmptyProposal = errors.New("model returned an empty proposal")
)

const systemPrompt = "You are a careful document editor. You will be given a " +
	"document and an instruction. Return ONLY the full edited document text, " +
	"with no preamble, commentary, or code fences."

// Config configures the proposer.
type Config struct {
	// APIKey authenticates against the endpoint. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint, for local OpenAI-compatible
	// servers. Empty uses the OpenAI default.
	BaseURL string `yaml:"base_url"`

	// Model is the chat model name. Default: gpt-4o-mini.
	Model string `yaml:"model"`

	// RequestsPerMinute throttles outbound calls. Default: 20.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Logger for proposer operations. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns sensible defaults, reading the API key from the
// environment.
func DefaultConfig() Config {
	return Config{
		APIKey:            os.Getenv("OPENAI_API_KEY"),
		Model:             "gpt-4o-mini",
		RequestsPerMinute: 20,
	}
}

// Proposer calls the model and shapes its output into a full-document
// replacement.
//
// Thread Safety: Proposer is safe for concurrent use.
type Proposer struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a proposer.
//
// Outputs:
//
//	*Proposer - Ready-to-use proposer.
//	error - Non-nil if no API key is available.
func New(config Config) (*Proposer, error) {
	if config.APIKey == "" {
		return nil, errors.New("proposer requires an API key")
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 20
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Proposer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   config.Model,
		limiter: rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), 1),
		logger:  config.Logger.With(slog.String("component", "proposer")),
	}, nil
}

// Model returns the configured model name.
func (p *Proposer) Model() string {
	return p.model
}

// Propose returns the proposed replacement for current, guided by mode
// and prompt.
//
// Description:
//
//	Waits for the rate limiter, sends the document and instruction to
//	the model, and returns the cleaned response text. The document is
//	never mutated here; the caller registers the result as a draft.
//
// Outputs:
//
//	string - The full replacement text.
//	error - ErrUnknownMode, ErrEmptyProposal, a context error from the
//	limiter wait, or the wrapped API error.
func (p *Proposer) Propose(ctx context.Context, mode, prompt, current string) (string, error) {
	instruction, err := buildInstruction(mode, prompt)
	if err != nil {
		return "", err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	p.logger.Debug("requesting proposal",
		slog.String("mode", mode),
		slog.Int("document_len", len(current)))

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: instruction + "\n\n---\n\n" + current},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyProposal
	}

	proposed := cleanResponse(resp.Choices[0].Message.Content)
	if proposed == "" {
		return "", ErrEmptyProposal
	}

	p.logger.Debug("received proposal",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("proposal_len", len(proposed)))
	return proposed, nil
}

func buildInstruction(mode, prompt string) (string, error) {
	switch mode {
	case ModeRewrite:
		return "Rewrite the document below according to this instruction: " + prompt, nil
	case ModeSummarize:
		return "Replace the document below with a concise summary. " + prompt, nil
	case ModeExtend:
		return "Extend the document below according to this instruction, keeping the existing text intact: " + prompt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// cleanResponse strips the code fences models add despite instructions.
func cleanResponse(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimRight(s, "\n")
	}
	return s
}
