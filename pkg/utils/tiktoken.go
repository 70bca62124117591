// Package utils provides tiktoken-based token estimation for queued request payloads.
package utils

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for outbound request bodies.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for a provider type. Every provider is
// approximated with the GPT-4 encoding.
func NewTokenCounter(providerType string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for provider %s: %w", providerType, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimatePayload counts the tokens of the prompt text inside a JSON request
// body: string values under "prompt", "input", "system", "content" and
// "text", at any depth, in key order. Bodies that are not JSON are counted as plain text.
func (tc *TokenCounter) EstimatePayload(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return int64(tc.CountTokens(string(payload)))
	}

	var sb strings.Builder
	collectPromptText(doc, false, &sb)
	return int64(tc.CountTokens(sb.String()))
}

var promptKeys = map[string]bool{ //nolint:gochecknoglobals
	"prompt":  true,
	"input":   true,
	"system":  true,
	"content": true,
	"text":    true,
}

func collectPromptText(v any, inPrompt bool, sb *strings.Builder) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectPromptText(t[k], inPrompt || promptKeys[k], sb)
		}
	case []any:
		for _, child := range t {
			collectPromptText(child, inPrompt, sb)
		}
	case string:
		if inPrompt {
			sb.WriteString(t)
			sb.WriteByte('\n')
		}
	}
}

// CountTokensSimple counts with a fresh GPT-4 codec.
func CountTokensSimple(text string) int {
	counter, err := NewTokenCounter("default")
	if err != nil {
		return len(text) / 4
	}
	return counter.CountTokens(text)
}
