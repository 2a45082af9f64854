// Package mock provides test double implementations of AI service interfaces.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	embedder := mock.NewMockEmbedder().WithDimension(3)
//	vector, err := embedder.EmbedText(ctx, "test")
//
//	// Custom behavior injection
//	embedder.WithEmbedTextFunc(func(ctx context.Context, text string) ([]float32, error) {
//	    return nil, errors.New("model unavailable")
//	})
//
//	// Check call counts
//	count := embedder.CallCount()
//
// The default MockEmbedder returns deterministic unit vectors derived from
// an FNV hash of the text.
package mock
