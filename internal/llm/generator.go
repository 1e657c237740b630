package llm

import (
	"context"
	"errors"
	"fmt"
)

// Exchange is one prior user/assistant message supplied as context.
type Exchange struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request describes a single reply generation.
type Request struct {
	SessionID string
	Prompt    string
	History   []Exchange
	System    string
}

// Reply is the model's answer. A Reply returned without error is never empty.
type Reply struct {
	Text string
}

// Generator defines a pluggable language model backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// ErrRefused reports a provider-side safety or policy block. Never retried.
var ErrRefused = errors.New("generation refused")

// ServiceError is any other transport, auth or provider failure, including an
// empty completion.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("generation service error: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
