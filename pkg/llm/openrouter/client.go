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

// Package openrouter implements the llm.Provider interface for OpenRouter's
// OpenAI-compatible chat completions API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memweave/memweave/pkg/llm"
)

const (
	// DefaultModel is the default OpenRouter model for memory agents.
	DefaultModel = "openai/gpt-4o-mini"
	// DefaultEndpoint is the OpenRouter chat completions URL.
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultMaxTokens caps one completion.
	DefaultMaxTokens = 4096
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 120 * time.Second
)

// Client calls OpenRouter's chat completions endpoint.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the OpenRouter client.
type Config struct {
	APIKey    string
	Model     string // Default: openai/gpt-4o-mini
	Endpoint  string // Override for tests
	MaxTokens int
	Timeout   time.Duration
}

// NewClient creates a new OpenRouter client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		apiKey:     config.APIKey,
		model:      config.Model,
		endpoint:   config.Endpoint,
		maxTokens:  config.MaxTokens,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openrouter"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation and returns the assistant text. Like
// Gemini, OpenRouter keeps no server-side thread, so SessionID is empty.
func (c *Client) Complete(ctx context.Context, system string, messages []llm.Message) (*llm.Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	req := chatRequest{Model: c.model, MaxTokens: c.maxTokens}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.Classify(c.Name(), 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, llm.Classify(c.Name(), 0, fmt.Errorf("failed to read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.Classify(c.Name(), httpResp.StatusCode,
			fmt.Errorf("API error: %s", truncateBody(respBody)))
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, llm.Classify(c.Name(), 0, fmt.Errorf("API error: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Classify(c.Name(), 0, fmt.Errorf("no choices in response"))
	}

	return &llm.Response{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
