package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
)

const (
	// DefaultCandidateMultiplier caps search candidates at this multiple of the limit.
	DefaultCandidateMultiplier = 10

	// DefaultMaxCandidates is the hard ceiling on search candidates.
	DefaultMaxCandidates = 1000
)

// Store implements storage.VectorStore for BadgerDB.
type Store struct {
	backend             *Backend
	docSeq              *badger.Sequence
	embSeq              *badger.Sequence
	dimension           int
	candidateMultiplier int
	maxCandidates       int
	logger              *slog.Logger
}

var _ storage.VectorStore = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCandidateMultiplier sets how many candidates per requested result a
// search may score. Zero or less removes the multiplier bound.
func WithCandidateMultiplier(m int) StoreOption {
	return func(s *Store) {
		s.candidateMultiplier = m
	}
}

// WithMaxCandidates sets the hard ceiling on scored candidates.
// Zero or less removes the ceiling.
func WithMaxCandidates(n int) StoreOption {
	return func(s *Store) {
		s.maxCandidates = n
	}
}

// WithStoreLogger sets a custom logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a vector store holding vectors of the given dimension.
func NewStore(backend *Backend, dimension int, opts ...StoreOption) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidQuery, dimension)
	}

	docSeq, err := backend.GetSequence(documentIDSeq)
	if err != nil {
		return nil, err
	}
	embSeq, err := backend.GetSequence(embeddingIDSeq)
	if err != nil {
		docSeq.Release()
		return nil, err
	}

	s := &Store{
		backend:             backend,
		docSeq:              docSeq,
		embSeq:              embSeq,
		dimension:           dimension,
		candidateMultiplier: DefaultCandidateMultiplier,
		maxCandidates:       DefaultMaxCandidates,
		logger:              slog.Default().With("component", "vector-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the ID sequences.
func (s *Store) Close() error {
	return errors.Join(s.embSeq.Release(), s.docSeq.Release())
}

// Dimension is the vector length every stored embedding must have.
func (s *Store) Dimension() int {
	return s.dimension
}

// StoreDocument persists content with its metadata and returns the new document ID.
func (s *Store) StoreDocument(ctx context.Context, content string, metadata core.DocumentMetadata) (core.ID, error) {
	if s.backend.IsClosed() {
		return 0, storage.ErrStorageClosed
	}

	var id core.ID
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		next, err := nextID(s.docSeq)
		if err != nil {
			return err
		}
		id = core.ID(next)

		doc := &core.Document{
			ID:        id,
			Content:   content,
			Metadata:  metadata,
			CreatedAt: core.Timestamp(time.Now()),
		}
		if err := tx.Set(makeDocumentKey(id), storage.MarshalDocument(doc)); err != nil {
			return err
		}
		for _, key := range documentIndexEntries(id, &doc.Metadata) {
			if err := tx.Set(key, nil); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetDocument retrieves a single document by ID.
func (s *Store) GetDocument(ctx context.Context, id core.ID) (*core.Document, error) {
	var doc *core.Document
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeDocumentKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			doc, err = storage.UnmarshalDocument(val)
			return err
		})
	}, false)
	return doc, err
}

// Statistics counts documents and embeddings, broken down by source and type.
// The breakdowns count documents; chunk embeddings do not inflate them.
func (s *Store) Statistics(ctx context.Context) (*core.StoreStatistics, error) {
	stats := &core.StoreStatistics{
		CountsBySource: make(map[core.Source]int),
		CountsByType:   make(map[core.DocumentType]int),
	}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		stats.TotalDocuments = countPrefix(tx, []byte(documentPrefix))
		stats.TotalEmbeddings = countPrefix(tx, []byte(embeddingPrefix))
		for label, n := range countByLabel(tx, []byte(documentSourcePrefix)) {
			stats.CountsBySource[core.Source(label)] = n
		}
		for label, n := range countByLabel(tx, []byte(documentTypePrefix)) {
			stats.CountsByType[core.DocumentType(label)] = n
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
