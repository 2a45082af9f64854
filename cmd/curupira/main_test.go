package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/ai/mock"
	"github.com/poiesic/curupira/config"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type stubClient struct {
	records []core.RawRecord
}

func (s *stubClient) Name() core.Source { return core.SourceGBIF }

func (s *stubClient) Search(_ context.Context, q provider.Query) (*provider.SearchResponse, error) {
	recs := s.records
	if q.Limit > 0 && q.Limit < len(recs) {
		recs = recs[:q.Limit]
	}
	return &provider.SearchResponse{Records: recs, Total: len(s.records), Limit: q.Limit, EndOfRecords: true}, nil
}

func (s *stubClient) HealthCheck(context.Context) provider.Health {
	return provider.Health{Provider: core.SourceGBIF, Status: provider.StatusHealthy, CheckedAt: time.Now()}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BATCH_DELAY", "0s")
	t.Setenv("LOG_LEVEL", "error")
}

// useTestDatabase makes every command share one in-memory database backed
// by a mock embedder and a stub GBIF client.
func useTestDatabase(t *testing.T) func() *curupira.Database {
	t.Helper()
	records := make([]core.RawRecord, 5)
	names := []string{"Panthera onca", "Inia geoffrensis", "Harpia harpyja", "Pteronura brasiliensis", "Arapaima gigas"}
	for i := range records {
		records[i] = core.RawRecord{
			Source:         core.SourceGBIF,
			ID:             fmt.Sprintf("occ-%d", i),
			ScientificName: names[i],
			Country:        "BR",
		}
	}

	var db *curupira.Database
	orig := openDatabase
	openDatabase = func(cfg config.Config) (*curupira.Database, func() error, error) {
		if db == nil {
			var err error
			db, err = curupira.NewDatabase(cfg,
				curupira.WithInMemory(),
				curupira.WithAIProvider(mock.NewMockProvider()),
				curupira.WithProviderClients(&stubClient{records: records}))
			if err != nil {
				return nil, nil, err
			}
		}
		return db, func() error { return nil }, nil
	}
	t.Cleanup(func() {
		openDatabase = orig
		if db != nil {
			db.Close()
		}
	})
	return func() *curupira.Database { return db }
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"curupira"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestInvalidLogLevel(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	_, _, err := runApp(t, "--log-level", "loud", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestInvalidConfigFile(t *testing.T) {
	isolateEnv(t)

	_, _, err := runApp(t, "--config", "/nonexistent/curupira.yaml", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestQueryRequiresText(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	_, _, err := runApp(t, "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query text is required")

	_, _, err = runApp(t, "query", "--source", "flickr", "jaguar")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnsupportedSource)
}

func TestIngestFlags(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	t.Run("source is required", func(t *testing.T) {
		_, _, err := runApp(t, "ingest")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source")
	})

	t.Run("lat needs lon", func(t *testing.T) {
		_, _, err := runApp(t, "ingest", "--source", "gbif", "--lat", "-3.1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--lat and --lon")
	})

	t.Run("unsupported source", func(t *testing.T) {
		_, _, err := runApp(t, "ingest", "--source", "inaturalist")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrUnsupportedSource)
	})
}

func TestIngestQueryStatsReembed(t *testing.T) {
	isolateEnv(t)
	database := useTestDatabase(t)

	stdout, stderr, err := runApp(t, "ingest", "--source", "gbif", "--limit", "4", "--country", "br", "--poll-interval", "5ms")
	require.NoError(t, err, stderr)
	assert.Contains(t, stderr, "Started job")
	assert.Contains(t, stdout, "Status:     completed")
	assert.Contains(t, stdout, "Documents:  4")

	stdout, stderr, err = runApp(t, "query", "--threshold=-1", "-n", "2", "-v", "Panthera", "onca")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "Found 2 hits")
	assert.Contains(t, stdout, "(gbif:")
	assert.Contains(t, stderr, `query: "Panthera onca"`)
	assert.Contains(t, stderr, "vector search over all sources")

	stdout, _, err = runApp(t, "query", "--threshold=-1", "--source", "gbif", "--source", "obis", "Harpia")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Found 4 hits")

	stdout, _, err = runApp(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, stdout, "documents:  4")
	assert.Contains(t, stdout, "1 completed")
	assert.Contains(t, stdout, mock.MockModel)

	st, err := database().Store().Statistics(context.Background())
	require.NoError(t, err)

	stdout, stderr, err = runApp(t, "reembed", "--batch-size", "2", "--report-interval", "1", "--normalize")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, fmt.Sprintf("Reembedded %d embeddings", st.TotalEmbeddings))
	assert.Contains(t, stderr, "Reembedding complete")
	assert.Contains(t, stderr, "Embedding model: "+mock.MockModel)
}

func TestReembedCommandValidation(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	tests := []struct {
		flag string
		want string
	}{
		{"--batch-size=0", "batch-size must be greater than 0"},
		{"--report-interval=0", "report-interval must be greater than 0"},
		{"--max-retries=0", "max-retries must be greater than 0"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			_, _, err := runApp(t, "reembed", tt.flag)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func findCommand(t *testing.T, name string) *cli.Command {
	t.Helper()
	for _, cmd := range newApp().Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %q not registered", name)
	return nil
}

func TestReembedCommandFlags(t *testing.T) {
	cmd := findCommand(t, "reembed")

	intFlag := func(name string) *cli.IntFlag {
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.IntFlag); ok && f.Name == name {
				return f
			}
		}
		return nil
	}
	stringFlag := func(name string) *cli.StringFlag {
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == name {
				return f
			}
		}
		return nil
	}

	t.Run("batch-size has default value of 100", func(t *testing.T) {
		f := intFlag("batch-size")
		require.NotNil(t, f)
		assert.Equal(t, 100, f.Value)
	})

	t.Run("report-interval has default value of 100", func(t *testing.T) {
		f := intFlag("report-interval")
		require.NotNil(t, f)
		assert.Equal(t, 100, f.Value)
	})

	t.Run("max-retries has default value of 3", func(t *testing.T) {
		f := intFlag("max-retries")
		require.NotNil(t, f)
		assert.Equal(t, 3, f.Value)
	})

	t.Run("embedding overrides default to the configuration", func(t *testing.T) {
		for _, name := range []string{"embedding-host", "embedding-model"} {
			f := stringFlag(name)
			require.NotNil(t, f, name)
			assert.Empty(t, f.Value, name)
			assert.False(t, f.Required, name)
			assert.Empty(t, f.EnvVars, name)
		}
	})
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "ingest", "query", "stats", "reembed", "mcp"} {
		t.Run(name, func(t *testing.T) {
			cmd := findCommand(t, name)
			assert.NotEmpty(t, cmd.Usage)
			assert.NotNil(t, cmd.Action)
		})
	}
}
