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

// Package llm defines the provider abstraction for the memory agents and
// the error taxonomy the scheduler uses to decide between retry, fallback
// and give-up.
package llm

import "context"

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a memory agent conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is a provider completion.
type Response struct {
	// Content is the assistant's text.
	Content string

	// SessionID is the provider's conversation identifier, when the
	// provider has one. Empty for providers without server-side threads.
	SessionID string

	Usage Usage
}

// Provider is a chat completion backend.
type Provider interface {
	// Complete sends the system prompt plus conversation and returns the
	// assistant's reply. Errors are *ProviderError where classifiable.
	Complete(ctx context.Context, system string, messages []Message) (*Response, error)

	// Name returns the provider name ("claude", "gemini", "openrouter").
	Name() string

	// Model returns the model identifier in use.
	Model() string
}
