// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package claude implements the llm.Provider interface on the official
// Anthropic SDK.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memweave/memweave/pkg/llm"
)

const (
	// DefaultModel is the default Claude model for memory agents.
	DefaultModel = "claude-haiku-4-5"
	// DefaultMaxTokens caps one completion.
	DefaultMaxTokens = 4096
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 120 * time.Second
)

// Client calls the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// Config holds configuration for the Claude client.
type Config struct {
	APIKey    string
	Model     string        // Default: claude-haiku-4-5
	MaxTokens int           // Default: 4096
	Timeout   time.Duration // Default: 120s
	BaseURL   string        // Override for tests
}

// NewClient creates a new Claude client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithRequestTimeout(config.Timeout),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     config.Model,
		maxTokens: int64(config.MaxTokens),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "claude"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete sends the conversation and returns the assistant text. The
// response SessionID is the Anthropic message id, which the scheduler uses
// as the memory session identity.
func (c *Client) Complete(ctx context.Context, system string, messages []llm.Message) (*llm.Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, llm.Classify(c.Name(), apierr.StatusCode, err)
		}
		return nil, llm.Classify(c.Name(), 0, err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content:   sb.String(),
		SessionID: message.ID,
		Usage: llm.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}

func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}
