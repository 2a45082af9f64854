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
	"time"

	"github.com/poiesic/curupira/ai"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/storage"
)

// BatchProcessor re-embeds batches of stored embeddings.
type BatchProcessor struct {
	repo           storage.EmbeddingRepository
	embedder       ai.Embedder
	model          string
	normalize      bool
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of attempts for each embedding API call
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(repo storage.EmbeddingRepository, embedder ai.Embedder, model string, normalize bool, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		repo:           repo,
		embedder:       embedder,
		model:          model,
		normalize:      normalize,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds the stored text of every embedding in the batch and writes
// the new vectors back. A vector of the wrong dimension fails the whole batch
// before anything is written.
func (bp *BatchProcessor) Process(ctx context.Context, embeddings []*core.StoredEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	texts := make([]string, len(embeddings))
	for i, emb := range embeddings {
		texts[i] = emb.Text
	}

	var vectors [][]float32
	err := ingestion.RetryWithBackoff(ctx, func() error {
		var err error
		vectors, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(vectors) != len(embeddings) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(embeddings), len(vectors))
	}

	dim := bp.repo.Dimension()
	updated := make([]*core.StoredEmbedding, len(embeddings))
	for i, emb := range embeddings {
		v := vectors[i]
		if bp.normalize {
			v = core.NormalizeVector(v)
		}
		if err := core.ValidateVector(v, dim); err != nil {
			return fmt.Errorf("embedding %d: %w", emb.ID, err)
		}
		next := *emb
		next.Vector = v
		next.Model = bp.model
		updated[i] = &next
	}

	if err := bp.repo.UpdateEmbeddings(ctx, updated...); err != nil {
		return fmt.Errorf("failed to update embeddings: %w", err)
	}
	return nil
}
