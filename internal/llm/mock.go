package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return Reply{Text: "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"}, nil
}
