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

// Package storage provides the storage abstraction layer for curupira.
//
// This package defines the repository interfaces that decouple persistence from
// the ingestion and retrieval logic:
//
//   - DocumentRepository: processed documents
//   - EmbeddingRepository: embeddings, similarity search and statistics
//   - VectorStore: documents and embeddings behind a single handle
//   - JobRepository: ingestion job records with merge-style updates
//
// The badger sub-package is the only implementation. Components receive a store
// handle explicitly so tests can substitute an in-memory one:
//
//	store, jobs, backend, err := badger.NewMemoryStore(768)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	defer store.Close()
//
// # Similarity Search
//
// Search is a linear scan over a candidate set bounded by exact-match filters and
// a candidate cap. It is the place to substitute a nearest-neighbor index without
// changing the contract.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
