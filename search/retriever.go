package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxResults is used when a request does not set MaxResults.
	DefaultMaxResults = 10

	// DefaultThreshold is used when a request does not set Threshold.
	DefaultThreshold float32 = 0.7

	// MaxResultsCeiling is the largest MaxResults a request may ask for.
	MaxResultsCeiling = 100
)

// QueryRequest is a natural language retrieval request.
// A nil Threshold uses the retriever default; an empty Sources list searches
// every source.
type QueryRequest struct {
	Query      string
	MaxResults int
	Threshold  *float32
	Sources    []core.Source
	Filters    core.SearchFilters
}

// VectorRequest searches with a caller supplied vector.
type VectorRequest struct {
	Embedding  []float32
	MaxResults int
	Threshold  *float32
	Filters    core.SearchFilters
}

// Hit is one retrieved text with its provenance.
type Hit struct {
	EmbeddingID  core.ID
	DocumentID   core.ID
	Content      string
	Source       core.Source
	Score        float32
	Metadata     core.DocumentMetadata
	MatchedTerms []string
}

// QueryResponse is the answer to a QueryRequest.
type QueryResponse struct {
	Query          string
	Results        []Hit
	TotalResults   int
	ProcessingTime time.Duration
}

// SearchResponse is the answer to a VectorRequest.
type SearchResponse struct {
	Results        []Hit
	TotalResults   int
	ProcessingTime time.Duration
}

// Stats describes the searchable corpus.
type Stats struct {
	TotalDocuments  int
	TotalEmbeddings int
	Sources         map[core.Source]int
	Types           map[core.DocumentType]int
	Model           string
	Dimension       int
}

// Retriever embeds queries and searches the vector store.
type Retriever struct {
	store      storage.VectorStore
	generator  *embedding.Generator
	maxResults int
	threshold  float32
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever) error

// WithDefaultMaxResults sets the result count used when a request leaves it unset.
func WithDefaultMaxResults(n int) Option {
	return func(r *Retriever) error {
		if n <= 0 || n > MaxResultsCeiling {
			return fmt.Errorf("default max results must be between 1 and %d, got %d", MaxResultsCeiling, n)
		}
		r.maxResults = n
		return nil
	}
}

// WithDefaultThreshold sets the similarity threshold used when a request leaves it unset.
func WithDefaultThreshold(t float32) Option {
	return func(r *Retriever) error {
		if t < -1 || t > 1 {
			return fmt.Errorf("default threshold must be within [-1, 1], got %v", t)
		}
		r.threshold = t
		return nil
	}
}

// WithMetrics records query and vector search timings on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Retriever) error {
		r.metrics = c
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// NewRetriever creates a new retriever.
func NewRetriever(store storage.VectorStore, generator *embedding.Generator, opts ...Option) (*Retriever, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if generator == nil {
		return nil, ErrGeneratorRequired
	}

	r := &Retriever{
		store:      store,
		generator:  generator,
		maxResults: DefaultMaxResults,
		threshold:  DefaultThreshold,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "retriever")
	return r, nil
}

// Query embeds req.Query and returns the most similar stored texts.
func (r *Retriever) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	return r.QueryWithMonitor(ctx, req, nil)
}

// QueryWithMonitor is Query with callbacks at each stage of the search.
func (r *Retriever) QueryWithMonitor(ctx context.Context, req QueryRequest, monitor SearchMonitor) (resp *QueryResponse, err error) {
	start := time.Now()
	defer func() { r.metrics.Observe(metrics.OpRAGQuery, start, err) }()
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	query := strings.TrimSpace(req.Query)
	opts, err := r.searchOptions(req.MaxResults, req.Threshold, req.Filters)
	if err != nil {
		return nil, err
	}
	monitor.Start(query)

	embedded, err := r.generator.Embed(ctx, query, nil)
	if err != nil {
		r.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}
	monitor.AfterEmbedding(embedded)

	results, err := r.searchSources(ctx, embedded.Vector, opts, req.Sources, monitor)
	if err != nil {
		return nil, err
	}

	hits := toHits(results, query)
	monitor.Finish(hits)

	return &QueryResponse{
		Query:          query,
		Results:        hits,
		TotalResults:   len(hits),
		ProcessingTime: time.Since(start),
	}, nil
}

// SearchVector searches with a caller supplied vector.
// A vector of the wrong dimension fails with a ValidationError.
func (r *Retriever) SearchVector(ctx context.Context, req VectorRequest) (*SearchResponse, error) {
	start := time.Now()

	if dim := r.store.Dimension(); len(req.Embedding) != dim {
		return nil, &core.ValidationError{
			Field:   "embedding",
			Message: fmt.Sprintf("expected %d dimensions, got %d", dim, len(req.Embedding)),
			Err:     core.ErrDimensionMismatch,
		}
	}
	opts, err := r.searchOptions(req.MaxResults, req.Threshold, req.Filters)
	if err != nil {
		return nil, err
	}

	results, err := r.search(ctx, req.Embedding, opts)
	if err != nil {
		return nil, err
	}

	hits := toHits(results, "")
	return &SearchResponse{
		Results:        hits,
		TotalResults:   len(hits),
		ProcessingTime: time.Since(start),
	}, nil
}

// Embed returns the embedding of text.
func (r *Retriever) Embed(ctx context.Context, text string) (*embedding.Result, error) {
	return r.generator.Embed(ctx, text, nil)
}

// Stats describes the searchable corpus.
func (r *Retriever) Stats(ctx context.Context) (*Stats, error) {
	st, err := r.store.Statistics(ctx)
	if err != nil {
		return nil, &core.DatabaseError{Op: "statistics", Err: err}
	}
	return &Stats{
		TotalDocuments:  st.TotalDocuments,
		TotalEmbeddings: st.TotalEmbeddings,
		Sources:         st.CountsBySource,
		Types:           st.CountsByType,
		Model:           r.generator.Model(),
		Dimension:       r.store.Dimension(),
	}, nil
}

// searchOptions applies defaults and validates the request bounds.
func (r *Retriever) searchOptions(maxResults int, threshold *float32, filters core.SearchFilters) (storage.SearchOptions, error) {
	opts := storage.SearchOptions{Limit: r.maxResults, Threshold: r.threshold, Filters: filters}
	if maxResults != 0 {
		if maxResults < 0 || maxResults > MaxResultsCeiling {
			return opts, &core.ValidationError{
				Field:   "maxResults",
				Message: fmt.Sprintf("must be between 1 and %d", MaxResultsCeiling),
				Err:     core.ErrInvalidParameters,
			}
		}
		opts.Limit = maxResults
	}
	if threshold != nil {
		if *threshold < -1 || *threshold > 1 {
			return opts, &core.ValidationError{
				Field:   "threshold",
				Message: "must be within [-1, 1]",
				Err:     core.ErrInvalidParameters,
			}
		}
		opts.Threshold = *threshold
	}
	return opts, nil
}

// searchSources runs one search per requested source concurrently and merges
// the results. Sources are merged in request order before a stable sort, so
// ties keep a deterministic order.
func (r *Retriever) searchSources(ctx context.Context, vector []float32, opts storage.SearchOptions, sources []core.Source, monitor SearchMonitor) ([]*core.SearchResult, error) {
	if len(sources) == 0 {
		results, err := r.search(ctx, vector, opts)
		if err != nil {
			return nil, err
		}
		monitor.AfterVectorSearch(opts.Filters.Source, results)
		return results, nil
	}

	sources, err := distinctSources(sources)
	if err != nil {
		return nil, err
	}
	perSource := make([][]*core.SearchResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		g.Go(func() error {
			o := opts
			o.Filters.Source = source
			results, err := r.search(gctx, vector, o)
			if err != nil {
				return err
			}
			perSource[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []*core.SearchResult
	for i, results := range perSource {
		monitor.AfterVectorSearch(sources[i], results)
		merged = append(merged, results...)
	}
	slices.SortStableFunc(merged, func(a, b *core.SearchResult) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged, nil
}

// distinctSources drops repeated sources and rejects unknown ones.
func distinctSources(sources []core.Source) ([]core.Source, error) {
	out := make([]core.Source, 0, len(sources))
	for _, source := range sources {
		if !source.Valid() {
			return nil, &core.ValidationError{
				Field:   "sources",
				Message: fmt.Sprintf("unsupported source %q", source),
				Err:     core.ErrUnsupportedSource,
			}
		}
		if !slices.Contains(out, source) {
			out = append(out, source)
		}
	}
	return out, nil
}

func (r *Retriever) search(ctx context.Context, vector []float32, opts storage.SearchOptions) ([]*core.SearchResult, error) {
	start := time.Now()
	results, err := r.store.Search(ctx, vector, opts)
	r.metrics.Observe(metrics.OpVectorSearch, start, err)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		r.logger.Error("error querying for similar embeddings", "err", err)
		return nil, &core.RAGError{Message: "similarity search failed", Err: err}
	}
	return results, nil
}

func toHits(results []*core.SearchResult, query string) []Hit {
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		emb := res.Embedding
		hit := Hit{
			EmbeddingID: emb.ID,
			DocumentID:  emb.DocumentID,
			Content:     emb.Text,
			Source:      emb.Metadata.Source,
			Score:       res.Score,
			Metadata:    emb.Metadata,
		}
		if query != "" {
			hit.MatchedTerms = matchedTerms(emb.Text, query)
		}
		hits = append(hits, hit)
	}
	return hits
}
