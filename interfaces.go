package toikake

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) to avoid
// forcing the pgvector dependency on external consumers; New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// CompletionProvider executes chat completions and returns the raw text
// content. When provided via WithCompletionProvider, replaces the
// auto-detected Ollama/OpenAI/noop provider for the router, SQL generator,
// and answer composer.
type CompletionProvider interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
	// Name identifies the provider for health reporting and logs.
	Name() string
}
