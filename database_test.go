package curupira

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/curupira/ai/mock"
	"github.com/poiesic/curupira/config"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/provider"
	"github.com/poiesic/curupira/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 32

type stubClient struct {
	source  core.Source
	records []core.RawRecord
}

func (s *stubClient) Name() core.Source { return s.source }

func (s *stubClient) Search(_ context.Context, q provider.Query) (*provider.SearchResponse, error) {
	return &provider.SearchResponse{Records: s.records, Total: len(s.records), Limit: q.Limit, EndOfRecords: true}, nil
}

func (s *stubClient) HealthCheck(context.Context) provider.Health {
	return provider.Health{Provider: s.source, Status: provider.StatusHealthy, CheckedAt: time.Now()}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.VectorDimension = testDim
	cfg.BatchDelay = 0
	cfg.ChunkSize = 300
	cfg.ChunkOverlap = 30
	cfg.SimilarityThreshold = -1
	return cfg
}

func openTestDatabase(t *testing.T, cfg config.Config, clients ...provider.Client) *Database {
	t.Helper()
	embedder := mock.NewMockEmbedder().WithDimension(testDim)
	db, err := NewDatabase(cfg,
		WithAIProvider(mock.NewMockProviderWithEmbedder(embedder)),
		WithProviderClients(clients...))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDatabase(t *testing.T) {
	t.Run("opens on disk", func(t *testing.T) {
		cfg := testConfig(t)
		db := openTestDatabase(t, cfg)

		assert.True(t, db.Healthy())
		assert.NotNil(t, db.Store())
		assert.NotNil(t, db.Jobs())
		assert.NotNil(t, db.Orchestrator())
		assert.NotNil(t, db.Retriever())
		assert.Equal(t, testDim, db.Generator().Dimension())
		assert.DirExists(t, cfg.DataDir)
	})

	t.Run("in memory", func(t *testing.T) {
		cfg := testConfig(t)
		db, err := NewDatabase(cfg, WithInMemory(), WithAIProvider(mock.NewMockProvider()), WithProviderClients())
		require.NoError(t, err)
		defer db.Close()
		assert.NoDirExists(t, cfg.DataDir)
	})

	t.Run("error with file path", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DataDir = filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(cfg.DataDir, []byte("test"), 0644))

		db, err := NewDatabase(cfg, WithAIProvider(mock.NewMockProvider()))
		var dberr *core.DatabaseError
		assert.ErrorAs(t, err, &dberr)
		assert.Nil(t, db)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.ChunkOverlap = cfg.ChunkSize

		_, err := NewDatabase(cfg)
		var cerr *core.ConfigurationError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestDatabase_Close(t *testing.T) {
	cfg := testConfig(t)
	db, err := NewDatabase(cfg, WithAIProvider(mock.NewMockProvider()), WithProviderClients())
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.False(t, db.Healthy())
}

func TestNewProviderClients(t *testing.T) {
	clients, err := NewProviderClients(config.Default(), nil)
	require.NoError(t, err)

	registry := provider.NewRegistry(clients...)
	assert.Equal(t, core.Sources, registry.Sources())
}

func TestNewAIProvider(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{name: "ollama", backend: "ollama"},
		{name: "openai", backend: "openai"},
		{name: "unknown", backend: "bedrock", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.EmbeddingProvider = tt.backend
			cfg.EmbeddingAPIKey = "test-key"

			p, err := NewAIProvider(cfg)
			if tt.wantErr {
				var cerr *core.ConfigurationError
				assert.ErrorAs(t, err, &cerr)
				return
			}
			require.NoError(t, err)
			defer p.Close()
			assert.Equal(t, cfg.EmbeddingModel, p.Model())
		})
	}
}

func TestDatabase_IngestThenQuery(t *testing.T) {
	lat, lon := -3.46, -62.21
	records := []core.RawRecord{
		{Source: core.SourceGBIF, ID: "1", ScientificName: "Inia geoffrensis", CommonName: "Amazon river dolphin",
			Country: "BR", Locality: "Rio Negro", Latitude: &lat, Longitude: &lon},
		{Source: core.SourceGBIF, ID: "2", ScientificName: "Panthera onca", CommonName: "Jaguar", Country: "BR"},
	}
	db := openTestDatabase(t, testConfig(t), &stubClient{source: core.SourceGBIF, records: records})
	ctx := context.Background()

	job, err := db.Orchestrator().Start(ctx, ingestion.StartRequest{
		Source:     "gbif",
		Parameters: core.JobParameters{Limit: 2},
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := db.Orchestrator().Wait(waitCtx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Results.DocumentsIngested)

	resp, err := db.Retriever().Query(ctx, search.QueryRequest{Query: "Inia geoffrensis", MaxResults: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}

	stats, err := db.Retriever().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.Equal(t, mock.MockModel, stats.Model)

	health := db.ProviderHealth(ctx)
	assert.Equal(t, provider.StatusHealthy, health[core.SourceGBIF].Status)
}

func TestDatabase_Reembed(t *testing.T) {
	records := []core.RawRecord{{Source: core.SourceOBIS, ID: "9", ScientificName: "Chelonia mydas"}}
	db := openTestDatabase(t, testConfig(t), &stubClient{source: core.SourceOBIS, records: records})
	ctx := context.Background()

	job, err := db.Orchestrator().Start(ctx, ingestion.StartRequest{Source: "obis"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = db.Orchestrator().Wait(waitCtx, job.ID)
	require.NoError(t, err)

	n, err := db.NewReembedder(nil, nil).Run(ctx)
	require.NoError(t, err)
	stats, err := db.Store().Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.TotalEmbeddings, n)
}
