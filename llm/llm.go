// Package llm defines the provider-agnostic chat client contract used by
// the dispatcher. Provider clients live under providers/ and are expected
// to retry transient failures internally before reporting an error.
package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnavailable reports that the provider could not be reached or refused
// the request after the provider's own retries were exhausted.
var ErrUnavailable = errors.New("llm provider unavailable")

// ErrTimeout reports that the request exceeded its deadline.
var ErrTimeout = errors.New("llm request timed out")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
	Messages    []Message
}

type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type Client interface {
	Chat(ctx context.Context, req Request) (Response, error)
}
