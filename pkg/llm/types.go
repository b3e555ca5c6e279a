// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm provides the rate-limited, key-rotating client used for all
// model calls: generation, streaming, and batch submission.
package llm

import (
	"context"
	"time"
)

// Message roles. Providers map these to their own wire vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Name is the tool name for RoleTool messages.
	Name string `json:"name,omitempty"`

	// ToolCalls holds calls the assistant requested in this turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition declares a callable function. Parameters is a JSON Schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Settings are per-call generation parameters. The model itself is chosen
// by the client's credential rotation, not per call.
type Settings struct {
	Temperature      float64
	MaxOutputTokens  int
	Timeout          time.Duration // per-call deadline; zero means no extra deadline
	ResponseMIMEType string        // e.g. "application/json" for structured output
	Tools            []ToolDefinition
}

// Response is the provider-independent result of a generation call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	TokensUsed   int
	Model        string
	FinishReason string
}

// StreamChunk is one unit of a streaming response.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// BatchRequest is one element of a batch submission. Index ties results back
// to submission order.
type BatchRequest struct {
	Index    int
	Messages []Message
	Settings Settings
}

// BatchHandle identifies a submitted batch at the provider.
type BatchHandle string

// BatchState is the lifecycle of a submitted batch.
type BatchState string

const (
	BatchPending BatchState = "pending"
	BatchDone    BatchState = "done"
	BatchFailed  BatchState = "failed"
)

// BatchResult is the outcome for one request in a finished batch.
type BatchResult struct {
	Index    int
	Response *Response
	Err      string // per-item failure; empty on success
}

// BatchStatus is a poll snapshot. Results is populated only when State is
// BatchDone, ordered by request index.
type BatchStatus struct {
	State   BatchState
	Results []BatchResult
	Reason  string // failure detail when State is BatchFailed
}

// Provider is a single-credential model backend. The Client layers rate
// limiting, key rotation, and retries on top; providers stay dumb pipes.
type Provider interface {
	Generate(ctx context.Context, messages []Message, settings Settings) (*Response, error)
	GenerateStream(ctx context.Context, messages []Message, settings Settings) (<-chan StreamChunk, error)
	SubmitBatch(ctx context.Context, requests []BatchRequest) (BatchHandle, error)
	PollBatch(ctx context.Context, handle BatchHandle) (*BatchStatus, error)
	ModelName() string
	Close() error
}

// ProviderFactory builds a Provider bound to one (model, key) credential.
// Injected so tests can substitute fakes and deployments can pick backends.
type ProviderFactory func(model, apiKey string) (Provider, error)
