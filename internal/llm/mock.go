package llm

import (
	"context"
	"strings"
	"time"
)

type mockProvider struct {
	name string
}

func NewMockProvider(name string) Provider { return &mockProvider{name: name} }

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Complete(ctx context.Context, req Request) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return Reply{
		Content: "[mock completion for " + strings.TrimSpace(last) + "]",
		Latency: 20 * time.Millisecond,
	}, nil
}
