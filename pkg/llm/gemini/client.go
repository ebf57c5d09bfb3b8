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

// Package gemini implements the llm.Provider interface for Google Gemini
// over the generateContent REST API.
package gemini

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
	// DefaultModel is the default Gemini model for memory agents.
	DefaultModel = "gemini-2.5-flash"
	// DefaultEndpoint is the Gemini REST base URL.
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultMaxTokens caps one completion.
	DefaultMaxTokens = 8192
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 120 * time.Second
)

// Client calls Gemini's generateContent endpoint.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the Gemini client.
type Config struct {
	APIKey    string
	Model     string // Default: gemini-2.5-flash
	Endpoint  string // Override for tests
	MaxTokens int
	Timeout   time.Duration
}

// NewClient creates a new Gemini client.
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
		endpoint:   strings.TrimSuffix(config.Endpoint, "/"),
		maxTokens:  config.MaxTokens,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "gemini"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// generateContentRequest is the Gemini wire request.
type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

// generateContentResponse is the Gemini wire response.
type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Complete sends the conversation and returns the assistant text. Gemini
// has no server-side thread, so Response.SessionID is empty.
func (c *Client) Complete(ctx context.Context, system string, messages []llm.Message) (*llm.Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	req := generateContentRequest{
		GenerationConfig: &generationConfig{MaxOutputTokens: c.maxTokens},
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	for _, m := range messages {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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

	var resp generateContentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, llm.Classify(c.Name(), resp.Error.Code,
			fmt.Errorf("API error %s: %s", resp.Error.Status, resp.Error.Message))
	}
	if len(resp.Candidates) == 0 {
		return nil, llm.Classify(c.Name(), 0, fmt.Errorf("no candidates in response"))
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}

	return &llm.Response{
		Content: sb.String(),
		Usage: llm.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
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
