package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	store, _, backend, err := NewMemoryStore(3, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		backend.Close()
	})
	return store
}

func occurrence(name, country string) core.DocumentMetadata {
	return core.DocumentMetadata{
		Source:         core.SourceGBIF,
		Type:           core.DocumentTypeOccurrence,
		ScientificName: name,
		Location:       &core.Location{Country: country},
		ChunkIndex:     -1,
	}
}

func addEmbedding(t *testing.T, store *Store, text string, vector []float32, meta core.DocumentMetadata) core.ID {
	t.Helper()
	ctx := context.Background()
	docID, err := store.StoreDocument(ctx, text, meta)
	require.NoError(t, err)
	id, err := store.StoreEmbedding(ctx, docID, vector, text, meta, "test-model")
	require.NoError(t, err)
	return id
}

func TestNewStore_InvalidDimension(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	_, err = NewStore(backend, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestStoreDocument_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := occurrence("Panthera onca", "BR")
	id, err := store.StoreDocument(ctx, "Scientific Name: Panthera onca", meta)
	require.NoError(t, err)
	assert.NotZero(t, id)

	doc, err := store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "Scientific Name: Panthera onca", doc.Content)
	assert.Equal(t, meta, doc.Metadata)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestGetDocument_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDocument(context.Background(), 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreEmbedding_DimensionMismatch(t *testing.T) {
	store := newTestStore(t)

	_, err := store.StoreEmbedding(context.Background(), 1, []float32{1, 0}, "x", occurrence("a", "BR"), "m")
	require.Error(t, err)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEmbeddings)
}

func TestGetEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := addEmbedding(t, store, "jaguar", []float32{1, 0, 0}, occurrence("Panthera onca", "BR"))

	emb, err := store.GetEmbedding(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, emb.Vector)
	assert.Equal(t, "test-model", emb.Model)
	assert.NotZero(t, emb.DocumentID)

	_, err = store.GetEmbedding(ctx, id+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearch_NoRecords(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, storage.SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_OrderedByScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addEmbedding(t, store, "orthogonal", []float32{0, 0, 1}, occurrence("c", "BR"))
	addEmbedding(t, store, "close", []float32{0.9, 0.1, 0}, occurrence("b", "BR"))
	addEmbedding(t, store, "exact", []float32{1, 0, 0}, occurrence("a", "BR"))

	results, err := store.Search(ctx, []float32{1, 0, 0}, storage.SearchOptions{Limit: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "exact", results[0].Embedding.Text)
	assert.Equal(t, "close", results[1].Embedding.Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	for i := 0; i < len(results)-1; i++ {
		assert.GreaterOrEqual(t, results[i].Score, results[i+1].Score)
	}
}

func TestSearch_ThresholdFiltering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addEmbedding(t, store, "high", []float32{1, 0, 0}, occurrence("a", "BR"))
	addEmbedding(t, store, "medium", []float32{0.7, 0.3, 0}, occurrence("b", "BR"))
	addEmbedding(t, store, "low", []float32{0.3, 0.7, 0}, occurrence("c", "BR"))

	query := []float32{1, 0, 0}

	t.Run("high threshold", func(t *testing.T) {
		results, err := store.Search(ctx, query, storage.SearchOptions{Limit: 10, Threshold: 0.95})
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("medium threshold", func(t *testing.T) {
		results, err := store.Search(ctx, query, storage.SearchOptions{Limit: 10, Threshold: 0.6})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("no threshold", func(t *testing.T) {
		results, err := store.Search(ctx, query, storage.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, results, 3)
	})
}

func TestSearch_LimitResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		addEmbedding(t, store, fmt.Sprintf("record %d", i), []float32{1, float32(i) * 0.1, 0}, occurrence("a", "BR"))
	}

	results, err := store.Search(ctx, []float32{1, 0, 0}, storage.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "record 0", results[0].Embedding.Text)
	assert.Equal(t, "record 1", results[1].Embedding.Text)
}

func TestSearch_TiesKeepStorageOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := addEmbedding(t, store, "first", []float32{0, 1, 0}, occurrence("a", "BR"))
	second := addEmbedding(t, store, "second", []float32{0, 2, 0}, occurrence("a", "BR"))

	results, err := store.Search(ctx, []float32{0, 1, 0}, storage.SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, first, results[0].Embedding.ID)
	assert.Equal(t, second, results[1].Embedding.ID)
}

func TestSearch_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addEmbedding(t, store, "jaguar br", []float32{1, 0, 0}, occurrence("Panthera onca", "BR"))
	addEmbedding(t, store, "jaguar mx", []float32{1, 0, 0}, occurrence("Panthera onca", "MX"))
	addEmbedding(t, store, "prefix trap", []float32{1, 0, 0}, occurrence("Panthera", "BR"))
	addEmbedding(t, store, "turtle", []float32{1, 0, 0}, core.DocumentMetadata{
		Source:         core.SourceOBIS,
		Type:           core.DocumentTypeOccurrence,
		ScientificName: "Chelonia mydas",
		ChunkIndex:     -1,
	})

	tests := []struct {
		name    string
		filters core.SearchFilters
		want    []string
	}{
		{"scientific name", core.SearchFilters{ScientificName: "Panthera onca"}, []string{"jaguar br", "jaguar mx"}},
		{"name is exact", core.SearchFilters{ScientificName: "Panthera"}, []string{"prefix trap"}},
		{"name and country", core.SearchFilters{ScientificName: "Panthera onca", Country: "MX"}, []string{"jaguar mx"}},
		{"source", core.SearchFilters{Source: core.SourceOBIS}, []string{"turtle"}},
		{"type and source", core.SearchFilters{Type: core.DocumentTypeOccurrence, Source: core.SourceGBIF}, []string{"jaguar br", "jaguar mx", "prefix trap"}},
		{"no match", core.SearchFilters{Country: "AR"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Search(ctx, []float32{1, 0, 0}, storage.SearchOptions{Limit: 10, Filters: tt.filters})
			require.NoError(t, err)

			var got []string
			for _, r := range results {
				got = append(got, r.Embedding.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_CandidateCap(t *testing.T) {
	store := newTestStore(t, WithCandidateMultiplier(1), WithMaxCandidates(3))
	ctx := context.Background()

	// The best match is stored last, beyond the candidate cap.
	addEmbedding(t, store, "a", []float32{0, 1, 0}, occurrence("x", "BR"))
	addEmbedding(t, store, "b", []float32{0, 1, 0}, occurrence("x", "BR"))
	addEmbedding(t, store, "c", []float32{0, 1, 0}, occurrence("x", "BR"))
	addEmbedding(t, store, "best", []float32{1, 0, 0}, occurrence("x", "BR"))

	results, err := store.Search(ctx, []float32{1, 0, 0}, storage.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Embedding.Text)

	assert.Equal(t, 2, store.candidateCap(2))
	assert.Equal(t, 3, store.candidateCap(50))
}

func TestSearch_InvalidQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Search(ctx, []float32{1, 0, 0}, storage.SearchOptions{Limit: 0})
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)

	_, err = store.Search(ctx, []float32{1, 0}, storage.SearchOptions{Limit: 1})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestUpdateEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := occurrence("Panthera onca", "BR")
	id := addEmbedding(t, store, "jaguar", []float32{1, 0, 0}, meta)

	err := store.UpdateEmbeddings(ctx, &core.StoredEmbedding{ID: id, Vector: []float32{0, 1, 0}, Text: "jaguar", Model: "new-model"})
	require.NoError(t, err)

	emb, err := store.GetEmbedding(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, emb.Vector)
	assert.Equal(t, "new-model", emb.Model)
	assert.Equal(t, meta, emb.Metadata)

	err = store.UpdateEmbeddings(ctx, &core.StoredEmbedding{ID: id + 50, Vector: []float32{0, 1, 0}})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.UpdateEmbeddings(ctx, &core.StoredEmbedding{ID: id, Vector: []float32{0, 1}})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestForEachEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []core.ID
	for i := 0; i < 7; i++ {
		ids = append(ids, addEmbedding(t, store, fmt.Sprintf("r%d", i), []float32{1, 0, 0}, occurrence("a", "BR")))
	}

	var seen []core.ID
	var batches []int
	err := store.ForEachEmbedding(ctx, 3, func(batch []*core.StoredEmbedding) error {
		batches = append(batches, len(batch))
		for _, emb := range batch {
			seen = append(seen, emb.ID)
		}
		// Writing from inside the callback must not deadlock
		return store.UpdateEmbeddings(ctx, batch...)
	})
	require.NoError(t, err)
	assert.Equal(t, ids, seen)
	assert.Equal(t, []int{3, 3, 1}, batches)

	err = store.ForEachEmbedding(ctx, 0, func([]*core.StoredEmbedding) error { return nil })
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addEmbedding(t, store, "jaguar", []float32{1, 0, 0}, occurrence("Panthera onca", "BR"))
	addEmbedding(t, store, "puma", []float32{1, 0, 0}, occurrence("Puma concolor", "AR"))

	assessment := core.DocumentMetadata{Source: core.SourceIUCN, Type: core.DocumentTypeAssessment, ChunkIndex: -1}
	docID, err := store.StoreDocument(ctx, "long assessment", assessment)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		chunk := assessment
		chunk.ChunkIndex, chunk.TotalChunks = i, 2
		_, err := store.StoreEmbedding(ctx, docID, []float32{0, 1, 0}, "chunk", chunk, "m")
		require.NoError(t, err)
	}

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 4, stats.TotalEmbeddings)
	assert.Equal(t, map[core.Source]int{core.SourceGBIF: 2, core.SourceIUCN: 1}, stats.CountsBySource)
	assert.Equal(t, map[core.DocumentType]int{core.DocumentTypeOccurrence: 2, core.DocumentTypeAssessment: 1}, stats.CountsByType)
}
