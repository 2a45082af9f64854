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


package curupira

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/poiesic/curupira/ai"
	"github.com/poiesic/curupira/ai/ollama"
	"github.com/poiesic/curupira/ai/openai"
	"github.com/poiesic/curupira/config"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/processor"
	"github.com/poiesic/curupira/provider"
	"github.com/poiesic/curupira/reembed"
	"github.com/poiesic/curupira/search"
	"github.com/poiesic/curupira/storage"
	"github.com/poiesic/curupira/storage/badger"
)

// Database owns the storage backend and every service built on it.
type Database struct {
	cfg          config.Config
	backend      *badger.Backend
	store        *badger.Store
	jobs         *badger.JobRepository
	provider     ai.AIProvider
	generator    *embedding.Generator
	registry     *provider.Registry
	orchestrator *ingestion.Orchestrator
	retriever    *search.Retriever
	metrics      *metrics.Collector
	logger       *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiProvider ai.AIProvider
	clients    []provider.Client
	inMemory   bool
	logger     *slog.Logger
}

// WithAIProvider uses p instead of building one from the configuration.
// The Database takes ownership and closes it.
func WithAIProvider(p ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiProvider = p
	}
}

// WithProviderClients registers these clients instead of the configured ones.
func WithProviderClients(clients ...provider.Client) DatabaseOption {
	return func(o *databaseOptions) {
		o.clients = clients
	}
}

// WithInMemory keeps all data in memory; DataDir is ignored.
func WithInMemory() DatabaseOption {
	return func(o *databaseOptions) {
		o.inMemory = true
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// NewDatabase opens storage under cfg.DataDir and wires the embedding
// model, providers, ingestion orchestrator and retriever.
func NewDatabase(cfg config.Config, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &Database{
		cfg:     cfg,
		metrics: metrics.NewCollector(),
		logger:  options.logger.With("component", "database"),
	}
	if err := db.open(options); err != nil {
		if cerr := db.Close(); cerr != nil {
			db.logger.Error("error cleaning up after failed open", "err", cerr)
		}
		return nil, err
	}
	return db, nil
}

func (db *Database) open(options *databaseOptions) error {
	cfg := db.cfg
	logger := options.logger

	backend, err := badger.OpenBackend(cfg.DataDir, options.inMemory)
	if err != nil {
		return &core.DatabaseError{Op: "open", Err: err}
	}
	db.backend = backend

	db.store, err = badger.NewStore(backend, cfg.VectorDimension,
		badger.WithCandidateMultiplier(cfg.CandidateMultiplier),
		badger.WithMaxCandidates(cfg.MaxCandidates),
		badger.WithStoreLogger(logger))
	if err != nil {
		return &core.DatabaseError{Op: "open store", Err: err}
	}
	db.jobs = badger.NewJobRepository(backend)

	db.provider = options.aiProvider
	if db.provider == nil {
		db.provider, err = NewAIProvider(cfg)
		if err != nil {
			return err
		}
	}

	db.generator, err = embedding.NewGenerator(db.provider.Embedder(),
		embedding.WithModel(db.provider.Model()),
		embedding.WithDimension(cfg.VectorDimension),
		embedding.WithMaxInputLength(cfg.EmbeddingMaxInput),
		embedding.WithBatchDelay(cfg.BatchDelay),
		embedding.WithCacheSize(cfg.EmbeddingCacheSize),
		embedding.WithMetrics(db.metrics),
		embedding.WithLogger(logger))
	if err != nil {
		return err
	}

	clients := options.clients
	if clients == nil {
		clients, err = NewProviderClients(cfg, logger)
		if err != nil {
			return err
		}
	}
	db.registry = provider.NewRegistry(clients...)

	proc, err := processor.New(
		processor.WithChunkSize(cfg.ChunkSize),
		processor.WithOverlap(cfg.ChunkOverlap),
		processor.WithLogger(logger))
	if err != nil {
		return err
	}

	db.orchestrator, err = ingestion.NewOrchestrator(db.store, db.jobs, db.registry, proc, db.generator,
		ingestion.WithPoolSize(cfg.JobPoolSize),
		ingestion.WithBatchSize(cfg.BatchSize),
		ingestion.WithDefaultLimit(cfg.DefaultJobLimit),
		ingestion.WithRetries(cfg.ProviderMaxRetries, cfg.ProviderRetryDelay),
		ingestion.WithMetrics(db.metrics),
		ingestion.WithLogger(logger))
	if err != nil {
		return err
	}

	db.retriever, err = search.NewRetriever(db.store, db.generator,
		search.WithDefaultMaxResults(cfg.MaxRetrievalResults),
		search.WithDefaultThreshold(cfg.SimilarityThreshold),
		search.WithMetrics(db.metrics),
		search.WithLogger(logger))
	return err
}

// NewAIProvider builds the embedding backend named by cfg.EmbeddingProvider.
func NewAIProvider(cfg config.Config) (ai.AIProvider, error) {
	aiCfg := ai.NewConfig(
		ai.WithBackend(cfg.EmbeddingProvider),
		ai.WithEmbeddingHost(cfg.EmbeddingHost),
		ai.WithEmbeddingModel(cfg.EmbeddingModel),
		ai.WithAPIKey(cfg.EmbeddingAPIKey),
		ai.WithDimension(cfg.VectorDimension),
	)
	if err := aiCfg.Validate(); err != nil {
		return nil, &core.ConfigurationError{Key: "EMBEDDING_PROVIDER", Message: err.Error()}
	}

	switch aiCfg.Backend {
	case ai.BackendOpenAI:
		return openai.NewProvider(aiCfg)
	default:
		return ollama.NewProvider(aiCfg)
	}
}

// NewProviderClients builds a client for every supported source.
// eBird and IUCN are always registered; their searches fail until a
// credential is configured.
func NewProviderClients(cfg config.Config, logger *slog.Logger) ([]provider.Client, error) {
	common := []provider.Option{
		provider.WithTimeout(cfg.ProviderTimeout),
		provider.WithLogger(logger),
	}
	with := func(extra ...provider.Option) []provider.Option {
		return append(append([]provider.Option(nil), common...), extra...)
	}

	gbif, err := provider.NewGBIF(with(provider.WithBaseURL(cfg.GBIFBaseURL))...)
	if err != nil {
		return nil, fmt.Errorf("gbif: %w", err)
	}
	obis, err := provider.NewOBIS(with(provider.WithBaseURL(cfg.OBISBaseURL))...)
	if err != nil {
		return nil, fmt.Errorf("obis: %w", err)
	}
	ebird, err := provider.NewEBird(with(provider.WithBaseURL(cfg.EBirdBaseURL), provider.WithAPIKey(cfg.EBirdAPIToken))...)
	if err != nil {
		return nil, fmt.Errorf("ebird: %w", err)
	}
	iucn, err := provider.NewIUCN(with(provider.WithBaseURL(cfg.IUCNBaseURL), provider.WithAPIKey(cfg.IUCNAPIKey))...)
	if err != nil {
		return nil, fmt.Errorf("iucn: %w", err)
	}
	return []provider.Client{gbif, obis, ebird, iucn}, nil
}

// Close stops running ingestion jobs, then releases the model and storage.
func (db *Database) Close() error {
	var errs []error

	if db.orchestrator != nil {
		if err := db.orchestrator.Close(); err != nil {
			db.logger.Error("error stopping ingestion jobs", "err", err)
			errs = append(errs, err)
		}
	}
	if db.provider != nil {
		if err := db.provider.Close(); err != nil {
			db.logger.Error("error closing AI provider", "err", err)
		}
	}
	if db.store != nil {
		if err := db.store.Close(); err != nil {
			db.logger.Error("error closing vector store", "err", err)
			errs = append(errs, err)
		}
	}
	if db.backend != nil {
		if err := db.backend.Close(); err != nil {
			db.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Healthy reports whether storage is open.
func (db *Database) Healthy() bool {
	return db.backend != nil && !db.backend.IsClosed()
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() config.Config {
	return db.cfg
}

// Metrics returns the collector shared by the embedding, ingestion and
// retrieval services.
func (db *Database) Metrics() *metrics.Collector {
	return db.metrics
}

// Store returns the vector store.
func (db *Database) Store() storage.VectorStore {
	return db.store
}

// Jobs returns the job repository.
func (db *Database) Jobs() storage.JobRepository {
	return db.jobs
}

// Providers returns the provider registry.
func (db *Database) Providers() *provider.Registry {
	return db.registry
}

// Orchestrator returns the ingestion orchestrator.
func (db *Database) Orchestrator() *ingestion.Orchestrator {
	return db.orchestrator
}

// Retriever returns the retrieval service.
func (db *Database) Retriever() *search.Retriever {
	return db.retriever
}

// Generator returns the embedding generator.
func (db *Database) Generator() *embedding.Generator {
	return db.generator
}

// NewReembedder creates a reembedder over the stored embeddings using the
// configured embedding model.
func (db *Database) NewReembedder(cfg *reembed.Config, progress io.Writer) *reembed.Reembedder {
	return reembed.NewReembedder(db.store, db.provider.Embedder(), db.provider.Model(), cfg, progress)
}

// ProviderHealth checks every provider, each bounded by the provider timeout.
func (db *Database) ProviderHealth(ctx context.Context) map[core.Source]provider.Health {
	ctx, cancel := context.WithTimeout(ctx, db.cfg.ProviderTimeout)
	defer cancel()
	return db.registry.HealthCheckAll(ctx)
}
