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


package reembed

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/poiesic/curupira/ai"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of embeddings to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of embeddings)
	ReportInterval int

	// MaxRetries is the maximum number of attempts for each embedding call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Normalize scales every new vector to unit length before storing it
	Normalize bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Reembedder regenerates every stored embedding with a new model.
type Reembedder struct {
	repo      storage.EmbeddingRepository
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
}

// NewReembedder creates a new reembedder.
// model: identifier recorded on every rewritten embedding
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(repo storage.EmbeddingRepository, embedder ai.Embedder, model string, config *Config, progress io.Writer) *Reembedder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		repo:      repo,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(repo, embedder, model, config.Normalize, config.MaxRetries, config.RetryDelay),
	}
}

// Run re-embeds every stored embedding and returns how many were rewritten.
// A failed batch stops the run; batches already written keep their new vectors.
func (r *Reembedder) Run(ctx context.Context) (int, error) {
	stats, err := r.repo.Statistics(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}

	total := stats.TotalEmbeddings
	if total == 0 {
		fmt.Fprintf(r.progress, "No embeddings found in database (0 embeddings)\n")
		return 0, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d embeddings (batch size: %d)\n",
		total, r.config.BatchSize)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	processed := 0
	err = r.repo.ForEachEmbedding(ctx, r.config.BatchSize, func(batch []*core.StoredEmbedding) error {
		if err := r.processor.Process(ctx, batch); err != nil {
			return fmt.Errorf("failed to process batch at %d: %w", processed, err)
		}
		processed += len(batch)
		tracker.Update(processed)
		return nil
	})
	if err != nil {
		return processed, err
	}

	tracker.Finish()

	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d embeddings in %v (%.1f embeddings/sec)\n",
		processed, elapsed.Round(time.Second), float64(processed)/elapsed.Seconds())

	return processed, nil
}
