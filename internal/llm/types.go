package llm

import (
	"context"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the ordered chat transcript sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one chat completion call.
type Request struct {
	SessionID   string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Reply is the assistant text produced by a provider.
type Reply struct {
	Content          string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Provider is one interchangeable language model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Reply, error)
}
