package reembed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/poiesic/curupira/ai/mock"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

// setupStore opens an in-memory store holding n embeddings created with model "old".
func setupStore(t *testing.T, n int) *badger.Store {
	t.Helper()

	store, _, backend, err := badger.NewMemoryStore(testDim)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		backend.Close()
	})

	ctx := context.Background()
	for i := range n {
		text := fmt.Sprintf("Puma concolor observation %d", i)
		meta := core.DocumentMetadata{
			Source:         core.SourceGBIF,
			Type:           core.DocumentTypeOccurrence,
			ScientificName: "Puma concolor",
			OriginalID:     fmt.Sprintf("occ-%d", i),
			ChunkIndex:     -1,
		}
		docID, err := store.StoreDocument(ctx, text, meta)
		require.NoError(t, err)
		_, err = store.StoreEmbedding(ctx, docID, mock.Vector("old "+text, testDim), text, meta, "old")
		require.NoError(t, err)
	}
	return store
}

func allEmbeddings(t *testing.T, store *badger.Store) []*core.StoredEmbedding {
	t.Helper()
	var out []*core.StoredEmbedding
	err := store.ForEachEmbedding(context.Background(), 100, func(batch []*core.StoredEmbedding) error {
		out = append(out, batch...)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBatchProcessor_Process(t *testing.T) {
	store := setupStore(t, 3)
	embedder := mock.NewMockEmbedder().WithDimension(testDim)
	bp := NewBatchProcessor(store, embedder, "new", false, 3, time.Millisecond)

	before := allEmbeddings(t, store)
	require.Len(t, before, 3)
	require.NoError(t, bp.Process(context.Background(), before))

	after := allEmbeddings(t, store)
	require.Len(t, after, 3)
	for i, emb := range after {
		assert.Equal(t, before[i].ID, emb.ID)
		assert.Equal(t, "new", emb.Model)
		assert.Equal(t, before[i].Text, emb.Text)
		assert.Equal(t, before[i].Metadata.OriginalID, emb.Metadata.OriginalID)
		assert.Equal(t, mock.Vector(emb.Text, testDim), emb.Vector)
	}
	assert.Equal(t, 1, embedder.CallCount())
}

func TestBatchProcessor_EmptyBatch(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	bp := NewBatchProcessor(nil, embedder, "new", false, 3, time.Millisecond)

	require.NoError(t, bp.Process(context.Background(), nil))
	assert.Zero(t, embedder.CallCount())
}

func TestBatchProcessor_Normalize(t *testing.T) {
	store := setupStore(t, 2)
	embedder := mock.NewMockEmbedder().WithDimension(testDim)
	embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			v := make([]float32, testDim)
			v[0], v[1] = 3, 4
			out[i] = v
		}
		return out, nil
	}
	bp := NewBatchProcessor(store, embedder, "new", true, 1, time.Millisecond)

	require.NoError(t, bp.Process(context.Background(), allEmbeddings(t, store)))
	for _, emb := range allEmbeddings(t, store) {
		assert.InDelta(t, 0.6, emb.Vector[0], 1e-6)
		assert.InDelta(t, 0.8, emb.Vector[1], 1e-6)
	}
}

func TestBatchProcessor_RetriesTransientFailures(t *testing.T) {
	store := setupStore(t, 2)
	embedder := mock.NewMockEmbedder().WithDimension(testDim)
	attempts := 0
	embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("temporary failure")
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, testDim)
		}
		return out, nil
	}
	bp := NewBatchProcessor(store, embedder, "new", false, 3, time.Millisecond)

	require.NoError(t, bp.Process(context.Background(), allEmbeddings(t, store)))
	assert.Equal(t, 3, attempts)
}

func TestBatchProcessor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		embed   func(ctx context.Context, texts []string) ([][]float32, error)
		wantErr string
	}{
		{
			name: "embedder keeps failing",
			embed: func(context.Context, []string) ([][]float32, error) {
				return nil, errors.New("service down")
			},
			wantErr: "after 2 attempts",
		},
		{
			name: "count mismatch",
			embed: func(context.Context, []string) ([][]float32, error) {
				return [][]float32{make([]float32, testDim)}, nil
			},
			wantErr: "count mismatch",
		},
		{
			name: "wrong dimension",
			embed: func(_ context.Context, texts []string) ([][]float32, error) {
				out := make([][]float32, len(texts))
				for i := range texts {
					out[i] = []float32{1, 2, 3}
				}
				return out, nil
			},
			wantErr: "dimension",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t, 2)
			embedder := mock.NewMockEmbedder().WithDimension(testDim)
			embedder.EmbedTextsFunc = tt.embed
			bp := NewBatchProcessor(store, embedder, "new", false, 2, time.Millisecond)

			err := bp.Process(context.Background(), allEmbeddings(t, store))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			for _, emb := range allEmbeddings(t, store) {
				assert.Equal(t, "old", emb.Model, "nothing is written when a batch fails")
			}
		})
	}
}
