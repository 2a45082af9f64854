package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/curupira/ai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Embedder implements ai.Embedder against an Ollama server.
type Embedder struct {
	embedder embeddings.Embedder
	model    string
	logger   *slog.Logger
}

func newEmbedder(config *ai.Config) (*Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	llm, err := ollama.New(
		ollama.WithModel(config.EmbeddingModel),
		ollama.WithServerURL(config.EmbeddingHost),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}

	return &Embedder{
		embedder: embedder,
		model:    config.EmbeddingModel,
		logger:   slog.Default().With("component", "ollama-embedder", "model", config.EmbeddingModel),
	}, nil
}

// NewEmbedder creates an Ollama embedder.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	return newEmbedder(config)
}

// EmbedText generates a vector embedding for a single text string.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Warn("embedding failed", "text_len", len(text), "duration_ms", time.Since(start).Milliseconds(), "err", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("no embedding returned")
	}

	e.logger.Debug("embedding complete", "text_len", len(text), "duration_ms", time.Since(start).Milliseconds())
	return vectors[0], nil
}

// EmbedTexts generates embeddings for multiple texts.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	return vectors, nil
}
