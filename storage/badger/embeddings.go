package badger

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
)

// StoreEmbedding persists a vector for a document and returns the new embedding ID.
func (s *Store) StoreEmbedding(ctx context.Context, documentID core.ID, vector []float32, text string, metadata core.DocumentMetadata, model string) (core.ID, error) {
	if err := core.ValidateVector(vector, s.dimension); err != nil {
		return 0, &core.ValidationError{Field: "vector", Message: err.Error(), Err: err}
	}
	if s.backend.IsClosed() {
		return 0, storage.ErrStorageClosed
	}

	var id core.ID
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		next, err := nextID(s.embSeq)
		if err != nil {
			return err
		}
		id = core.ID(next)

		emb := &core.StoredEmbedding{
			ID:         id,
			DocumentID: documentID,
			Vector:     vector,
			Text:       text,
			Metadata:   metadata,
			Model:      model,
			CreatedAt:  core.Timestamp(time.Now()),
		}
		if err := tx.Set(makeEmbeddingKey(id), storage.MarshalEmbedding(emb)); err != nil {
			return err
		}

		// Update filter indexes
		for _, key := range embeddingIndexEntries(id, &emb.Metadata) {
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

// GetEmbedding retrieves a single embedding by ID.
func (s *Store) GetEmbedding(ctx context.Context, id core.ID) (*core.StoredEmbedding, error) {
	var emb *core.StoredEmbedding
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		emb, err = readEmbedding(tx, id)
		if err != nil {
			return err
		}
		if emb == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return emb, err
}

// readEmbedding returns nil, nil when the key is absent.
func readEmbedding(tx *badger.Txn, id core.ID) (*core.StoredEmbedding, error) {
	item, err := tx.Get(makeEmbeddingKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var emb *core.StoredEmbedding
	err = item.Value(func(val []byte) error {
		var err error
		emb, err = storage.UnmarshalEmbedding(val)
		return err
	})
	return emb, err
}

// candidateCap returns how many candidates a search for limit results may score.
// Zero means unbounded.
func (s *Store) candidateCap(limit int) int {
	n := 0
	if s.candidateMultiplier > 0 {
		n = limit * s.candidateMultiplier
	}
	if s.maxCandidates > 0 && (n == 0 || n > s.maxCandidates) {
		n = s.maxCandidates
	}
	return n
}

// Search scans the filtered candidate set linearly, keeps candidates whose
// cosine similarity is at least the threshold and returns the best opts.Limit
// of them. Candidates are visited in storage order and the sort is stable, so
// equal scores keep storage order.
func (s *Store) Search(ctx context.Context, vector []float32, opts storage.SearchOptions) ([]*core.SearchResult, error) {
	if opts.Limit <= 0 {
		return nil, storage.ErrInvalidQuery
	}
	if err := core.ValidateVector(vector, s.dimension); err != nil {
		return nil, &core.ValidationError{Field: "embedding", Message: err.Error(), Err: err}
	}

	maxCandidates := s.candidateCap(opts.Limit)
	var results []*core.SearchResult
	scanned := 0

	err := s.backend.WithTx(func(tx *badger.Txn) error {
		return s.scanCandidates(ctx, tx, opts.Filters, maxCandidates, func(emb *core.StoredEmbedding) {
			scanned++
			score := float32(core.CosineSimilarity(vector, emb.Vector))
			if score >= opts.Threshold {
				results = append(results, &core.SearchResult{Embedding: emb, Score: score})
			}
		})
	}, false)
	if err != nil {
		return nil, err
	}

	// Sort by similarity descending
	slices.SortStableFunc(results, func(a, b *core.SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	s.logger.Debug("similarity search", "candidates", scanned, "cap", maxCandidates, "results", len(results))
	return results, nil
}

// scanCandidates calls fn for every embedding that matches filters, in storage
// order, until maxCandidates have been visited (zero means no cap).
// The most selective populated filter picks the index to walk; the
// remaining filters are checked against each record.
func (s *Store) scanCandidates(ctx context.Context, tx *badger.Txn, filters core.SearchFilters, maxCandidates int, fn func(*core.StoredEmbedding)) error {
	visited := 0
	done := func() bool { return maxCandidates > 0 && visited >= maxCandidates }

	indexPrefix := filterIndexPrefix(filters)
	if indexPrefix == nil {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(embeddingPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid() && !done(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var emb *core.StoredEmbedding
			err := iter.Item().Value(func(val []byte) error {
				var err error
				emb, err = storage.UnmarshalEmbedding(val)
				return err
			})
			if err != nil {
				return err
			}
			visited++
			fn(emb)
		}
		return nil
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = indexPrefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid() && !done(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		emb, err := readEmbedding(tx, idFromKey(iter.Item().Key()))
		if err != nil {
			return err
		}
		if emb == nil || !filters.Matches(&emb.Metadata) {
			continue
		}
		visited++
		fn(emb)
	}
	return nil
}

// filterIndexPrefix picks the index for the most selective populated filter.
// Returns nil when no filter is set.
func filterIndexPrefix(f core.SearchFilters) []byte {
	switch {
	case f.ScientificName != "":
		return makePartialIndexKey(embeddingNamePrefix, f.ScientificName)
	case f.Country != "":
		return makePartialIndexKey(embeddingCountryPrefix, f.Country)
	case f.Type != "":
		return makePartialIndexKey(embeddingTypePrefix, string(f.Type))
	case f.Source != "":
		return makePartialIndexKey(embeddingSourcePrefix, string(f.Source))
	}
	return nil
}

// UpdateEmbeddings replaces the vector, text and model of existing embeddings.
// Metadata, and therefore the filter indexes, are left untouched.
func (s *Store) UpdateEmbeddings(ctx context.Context, embeddings ...*core.StoredEmbedding) error {
	for _, emb := range embeddings {
		if err := core.ValidateVector(emb.Vector, s.dimension); err != nil {
			return &core.ValidationError{Field: "vector", Message: err.Error(), Err: err}
		}
	}

	return s.backend.WithTx(func(tx *badger.Txn) error {
		for _, emb := range embeddings {
			old, err := readEmbedding(tx, emb.ID)
			if err != nil {
				return err
			}
			if old == nil {
				return storage.ErrNotFound
			}

			old.Vector = emb.Vector
			old.Text = emb.Text
			old.Model = emb.Model
			if err := tx.Set(makeEmbeddingKey(old.ID), storage.MarshalEmbedding(old)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// ForEachEmbedding walks every embedding in storage order in batches.
// Each batch is read in its own transaction and fn runs outside it, so fn may
// write to the store.
func (s *Store) ForEachEmbedding(ctx context.Context, batchSize int, fn func([]*core.StoredEmbedding) error) error {
	if batchSize <= 0 {
		return storage.ErrInvalidQuery
	}

	seek := []byte(embeddingPrefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := make([]*core.StoredEmbedding, 0, batchSize)
		err := s.backend.WithTx(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(embeddingPrefix)
			iter := tx.NewIterator(opts)
			defer iter.Close()

			for iter.Seek(seek); iter.Valid() && len(batch) < batchSize; iter.Next() {
				var emb *core.StoredEmbedding
				err := iter.Item().Value(func(val []byte) error {
					var err error
					emb, err = storage.UnmarshalEmbedding(val)
					return err
				})
				if err != nil {
					return err
				}
				batch = append(batch, emb)
			}
			return nil
		}, false)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		seek = makeEmbeddingKey(batch[len(batch)-1].ID + 1)
	}
}
