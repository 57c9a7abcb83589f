// Package backend abstracts the reasoning backend consumed by the
// authenticator, personalizer and fulfillment agents. Latency and
// availability are the backend's concern; callers only see a structured
// completion or an error.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is a structured prompt for the reasoning backend.
type Request struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Response is the backend's completion plus usage accounting.
type Response struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
}

// Client is an opaque reasoning backend call.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// DecodeJSON extracts a JSON object of type T from a completion. Backends
// frequently wrap JSON in prose or code fences; we take the outermost braces.
func DecodeJSON[T any](content string, out *T) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in backend output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return fmt.Errorf("decode backend output: %w", err)
	}
	return nil
}
