package storage

import (
	"context"

	"github.com/poiesic/curupira/core"
)

// DocumentRepository persists processed documents.
// Implementations must be thread-safe and support concurrent access.
type DocumentRepository interface {
	// StoreDocument persists content with its metadata and returns the new document ID.
	// CreatedAt is set by the repository.
	StoreDocument(ctx context.Context, content string, metadata core.DocumentMetadata) (core.ID, error)

	// GetDocument retrieves a single document by ID.
	// Returns ErrNotFound if the document doesn't exist.
	GetDocument(ctx context.Context, id core.ID) (*core.Document, error)
}

// SearchOptions bound the cost of a similarity search.
type SearchOptions struct {
	// Limit is the maximum number of results returned.
	Limit int

	// Threshold drops candidates whose similarity is strictly below it.
	Threshold float32

	// Filters are exact-match constraints applied before scoring.
	Filters core.SearchFilters
}

// EmbeddingRepository persists embeddings and answers similarity queries.
// Implementations must be thread-safe and support concurrent access.
type EmbeddingRepository interface {
	// StoreEmbedding persists a vector for a document and returns the new embedding ID.
	// Returns a core.ValidationError if the vector has the wrong dimension or
	// contains non-finite values.
	StoreEmbedding(ctx context.Context, documentID core.ID, vector []float32, text string, metadata core.DocumentMetadata, model string) (core.ID, error)

	// GetEmbedding retrieves a single embedding by ID.
	// Returns ErrNotFound if the embedding doesn't exist.
	GetEmbedding(ctx context.Context, id core.ID) (*core.StoredEmbedding, error)

	// Search returns embeddings similar to vector, ordered by similarity descending.
	// Ties keep storage order.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]*core.SearchResult, error)

	// Statistics counts documents and embeddings, broken down by source and type.
	Statistics(ctx context.Context) (*core.StoreStatistics, error)

	// ForEachEmbedding walks every embedding in storage order, calling fn with
	// batches of at most batchSize. Iteration stops on the first error from fn.
	ForEachEmbedding(ctx context.Context, batchSize int, fn func([]*core.StoredEmbedding) error) error

	// UpdateEmbeddings replaces the vector, text and model of existing embeddings.
	// Returns ErrNotFound if any embedding doesn't exist.
	UpdateEmbeddings(ctx context.Context, embeddings ...*core.StoredEmbedding) error

	// Dimension is the vector length every stored embedding must have.
	Dimension() int
}

// VectorStore combines document and embedding persistence.
type VectorStore interface {
	DocumentRepository
	EmbeddingRepository

	// Close releases sequences and other resources held by the store.
	Close() error
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Source core.Source
	Status core.JobStatus
	Limit  int
	Offset int
}

// JobRepository persists ingestion job records.
// Implementations must be thread-safe and support concurrent access.
type JobRepository interface {
	// CreateJob persists a new job. Returns ErrDuplicateKey if the ID is taken.
	CreateJob(ctx context.Context, job *core.IngestionJob) error

	// GetJob retrieves a job by ID.
	// Returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, id string) (*core.IngestionJob, error)

	// UpdateJob applies fn to the current record and persists the result atomically.
	// fn sees the latest stored state, so concurrent updates merge instead of
	// overwriting each other. Returning an error from fn aborts the update.
	// Returns ErrNotFound if the job doesn't exist.
	UpdateJob(ctx context.Context, id string, fn func(job *core.IngestionJob) error) (*core.IngestionJob, error)

	// ListJobs returns jobs matching filter, newest first, and the total number
	// of matching jobs before Limit and Offset are applied.
	ListJobs(ctx context.Context, filter JobFilter) ([]*core.IngestionJob, int, error)
}
