// Package llm provides chat completion providers for the query pipeline.
// The router, SQL generator, and answer composer all speak through the
// Provider interface; concrete implementations call OpenAI or Ollama
// over plain HTTP.
package llm

import (
	"context"
	"errors"
	"time"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Request holds one completion call. Model may be empty, in which case
// the provider's default model is used.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int // 0 means provider default
}

// Provider executes chat completions and returns the raw text content.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Name identifies the provider for health reporting and logs.
	Name() string
}

// ErrNoProvider is returned by NoopProvider. Callers that can degrade
// (the router, the composer polish step) treat it as "skip the LLM";
// callers that cannot (the SQL generator) surface it as a typed failure.
var ErrNoProvider = errors.New("llm: no completion provider configured")

// perCallTimeout is the maximum time for a single completion call.
// Separate from the pipeline's overall context so one slow call doesn't
// consume the whole request budget.
const perCallTimeout = 30 * time.Second

// NoopProvider is used when no LLM is configured.
type NoopProvider struct{}

func (NoopProvider) Complete(_ context.Context, _ Request) (string, error) {
	return "", ErrNoProvider
}

func (NoopProvider) Name() string { return "noop" }
