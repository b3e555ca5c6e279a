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

package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage per model. Estimates feed the limiter's
// token bucket and the prompt-size pre-checks; they do not need to match the
// provider's accounting exactly, only to be stable and conservative.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache per encoding name.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// NewTokenCounter creates a counter for a specific model. Unknown models
// fall back to the cl100k_base encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	name := encodingNameForModel(model)

	encodingMu.Lock()
	defer encodingMu.Unlock()

	encoding, ok := encodingCache[name]
	if !ok {
		var err error
		encoding, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding %s: %w", name, err)
		}
		encodingCache[name] = encoding
	}

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		// Rough estimation: 4 characters per token
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list, including per-message role
// overhead and the reply priming.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	const tokensPerMessage = 3 // <|start|>role|message<|end|>

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += tc.Count(msg.Role)
		total += tc.Count(msg.Content)
	}

	// Every reply is primed with <|start|>assistant<|message|>
	total += 3

	return total
}

// FitWithinLimit returns the suffix of messages that fits the token budget,
// selecting from most recent backwards.
func (tc *TokenCounter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := []Message{}
	current := 3 // reply priming

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessages(messages[i : i+1])
		if current+msgTokens > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		current += msgTokens
	}

	return fitted
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// encodingNameForModel maps model names to tiktoken encodings. Gemini has no
// public tokenizer; cl100k_base is a close, stable approximation. Longest
// prefix wins.
func encodingNameForModel(model string) string {
	prefixes := []struct {
		prefix   string
		encoding string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"gemini", "cl100k_base"},
		{"text-embedding", "cl100k_base"},
	}

	for _, p := range prefixes {
		if len(model) >= len(p.prefix) && model[:len(p.prefix)] == p.prefix {
			return p.encoding
		}
	}
	return "cl100k_base"
}
