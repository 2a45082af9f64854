// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/curupira/ai"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/metrics"
)

const (
	DefaultDimension      = 768
	DefaultMaxInputLength = 8000
	DefaultBatchSize      = 10
	DefaultBatchDelay     = 100 * time.Millisecond
	DefaultCacheSize      = 1000
)

var (
	// ErrEmbedderRequired is returned when no embedder is provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("text must not be empty")
)

// Result is one generated embedding.
type Result struct {
	Vector         []float32
	Model          string
	Dimensions     int
	ProcessingTime time.Duration
	// Text is what was actually embedded, after truncation.
	Text      string
	Truncated bool
	Cached    bool
}

// ItemResult is a successful batch item.
type ItemResult struct {
	Index int
	*Result
}

// ItemError is a failed batch item.
type ItemError struct {
	Index int
	Err   error
}

// BatchResult summarizes an EmbedBatch call. Results and Errors are ordered
// by input index.
type BatchResult struct {
	Results      []ItemResult
	Errors       []ItemError
	SuccessCount int
	ErrorCount   int
	Timing       time.Duration
}

// Generator produces embeddings through an ai.Embedder.
type Generator struct {
	embedder   ai.Embedder
	model      string
	dimension  int
	maxInput   int
	batchDelay time.Duration
	cache      *lru.Cache[string, []float32]
	cacheSize  int
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator) error

// WithModel sets the model name recorded on results.
func WithModel(model string) Option {
	return func(g *Generator) error {
		g.model = model
		return nil
	}
}

// WithDimension sets the required vector length.
func WithDimension(dim int) Option {
	return func(g *Generator) error {
		if dim <= 0 {
			return fmt.Errorf("dimension must be positive, got %d", dim)
		}
		g.dimension = dim
		return nil
	}
}

// WithMaxInputLength sets the longest input, in characters, passed to the model.
func WithMaxInputLength(n int) Option {
	return func(g *Generator) error {
		if n <= 0 {
			return fmt.Errorf("max input length must be positive, got %d", n)
		}
		g.maxInput = n
		return nil
	}
}

// WithBatchDelay sets the pause between batches.
func WithBatchDelay(d time.Duration) Option {
	return func(g *Generator) error {
		if d < 0 {
			d = 0
		}
		g.batchDelay = d
		return nil
	}
}

// WithCacheSize sets the number of cached embeddings. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(g *Generator) error {
		if n < 0 {
			n = 0
		}
		g.cacheSize = n
		return nil
	}
}

// WithMetrics records model call and batch timings on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Generator) error {
		g.metrics = c
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) error {
		if logger != nil {
			g.logger = logger
		}
		return nil
	}
}

// NewGenerator creates a Generator over embedder.
func NewGenerator(embedder ai.Embedder, opts ...Option) (*Generator, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	g := &Generator{
		embedder:   embedder,
		model:      "unknown",
		dimension:  DefaultDimension,
		maxInput:   DefaultMaxInputLength,
		batchDelay: DefaultBatchDelay,
		cacheSize:  DefaultCacheSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}

	if g.cacheSize > 0 {
		cache, err := lru.New[string, []float32](g.cacheSize)
		if err != nil {
			return nil, err
		}
		g.cache = cache
	}
	g.logger = g.logger.With("component", "embedding-generator", "model", g.model)
	return g, nil
}

// Model returns the model name recorded on results.
func (g *Generator) Model() string { return g.model }

// Dimension returns the required vector length.
func (g *Generator) Dimension() int { return g.dimension }

// Embed generates a vector for text. Blank text fails with a RAGError.
// Text longer than the maximum input length is truncated with a warning.
// meta is optional and only used to annotate log lines.
func (g *Generator) Embed(ctx context.Context, text string, meta *core.DocumentMetadata) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(text) == "" {
		return nil, &core.RAGError{Message: "cannot embed blank text", Err: ErrEmptyText, Invalid: true}
	}

	input, truncated := g.truncate(text)
	if truncated {
		g.logger.Warn("truncating embedding input",
			append(metaAttrs(meta), "original_length", utf8.RuneCountInString(text), "max_length", g.maxInput)...)
	}

	key := g.cacheKey(input)
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			return g.result(v, input, truncated, true, start), nil
		}
	}

	callStart := time.Now()
	vector, err := g.embedder.EmbedText(ctx, input)
	g.metrics.Observe(metrics.OpEmbedding, callStart, err)
	if err != nil {
		g.logger.Error("embedding failed", append(metaAttrs(meta), "err", err)...)
		return nil, &core.RAGError{Message: "embedding generation failed", Err: err}
	}
	if err := core.ValidateVector(vector, g.dimension); err != nil {
		return nil, &core.RAGError{Message: "model returned an invalid vector", Err: err}
	}

	if g.cache != nil {
		g.cache.Add(key, vector)
	}
	return g.result(vector, input, truncated, false, start), nil
}

// EmbedBatch embeds texts in batches of batchSize. Items within a batch run
// concurrently; a failed item is recorded in Errors and does not affect the
// others. Cancelling ctx stops before the next batch and returns the partial
// result together with the context error.
func (g *Generator) EmbedBatch(ctx context.Context, texts []string, batchSize int, meta *core.DocumentMetadata) (*BatchResult, error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := &BatchResult{}
	if len(texts) == 0 {
		return out, nil
	}

	pool, err := ants.NewPool(batchSize)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]*Result, len(texts))
	errs := make([]error, len(texts))

	for batchStart := 0; batchStart < len(texts); batchStart += batchSize {
		if batchStart > 0 && g.batchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(g.batchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			g.collect(out, results, errs)
			out.Timing = time.Since(start)
			return out, err
		}

		batchEnd := min(batchStart+batchSize, len(texts))
		var wg sync.WaitGroup
		for i := batchStart; i < batchEnd; i++ {
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				results[i], errs[i] = g.Embed(ctx, texts[i], meta)
			})
			if submitErr != nil {
				wg.Done()
				errs[i] = submitErr
			}
		}
		wg.Wait()

		g.logger.Debug("embedded batch", "from", batchStart, "to", batchEnd, "total", len(texts))
	}

	g.collect(out, results, errs)
	out.Timing = time.Since(start)
	g.metrics.RecordTiming(metrics.OpEmbeddingBatch, out.Timing, out.ErrorCount > 0)
	return out, nil
}

func (g *Generator) collect(out *BatchResult, results []*Result, errs []error) {
	for i := range results {
		switch {
		case errs[i] != nil:
			out.Errors = append(out.Errors, ItemError{Index: i, Err: errs[i]})
		case results[i] != nil:
			out.Results = append(out.Results, ItemResult{Index: i, Result: results[i]})
		}
	}
	out.SuccessCount = len(out.Results)
	out.ErrorCount = len(out.Errors)
}

// Similarity returns the cosine similarity of a and b. Vectors of different
// lengths fail with a ValidationError; a zero-magnitude vector yields 0.
func (g *Generator) Similarity(a, b []float32) (float64, error) {
	return Similarity(a, b)
}

// Similarity returns the cosine similarity of two equal-length vectors.
func Similarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &core.ValidationError{
			Field:   "vector",
			Message: fmt.Sprintf("length %d does not match %d", len(a), len(b)),
			Err:     core.ErrDimensionMismatch,
		}
	}
	return core.CosineSimilarity(a, b), nil
}

// Validate reports whether v has the configured dimension and only finite values.
func (g *Generator) Validate(v []float32) bool {
	return core.ValidateVector(v, g.dimension) == nil
}

func (g *Generator) truncate(text string) (string, bool) {
	if utf8.RuneCountInString(text) <= g.maxInput {
		return text, false
	}
	return string([]rune(text)[:g.maxInput]), true
}

func (g *Generator) cacheKey(text string) string {
	return fmt.Sprintf("%s:%016x", g.model, uint64(core.IDFromContent(text)))
}

func (g *Generator) result(v []float32, text string, truncated, cached bool, start time.Time) *Result {
	return &Result{
		Vector:         v,
		Model:          g.model,
		Dimensions:     len(v),
		ProcessingTime: time.Since(start),
		Text:           text,
		Truncated:      truncated,
		Cached:         cached,
	}
}

func metaAttrs(meta *core.DocumentMetadata) []any {
	if meta == nil {
		return nil
	}
	return []any{"source", meta.Source, "original_id", meta.OriginalID, "chunk", meta.ChunkIndex}
}
