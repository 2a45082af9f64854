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


// Package ai provides abstractions for the embedding model used by Curupira.
//
// The core pipeline depends on the Embedder interface rather than on a
// particular model server, so the backend can be swapped or replaced by a
// test double.
//
// # Implementation Packages
//
//   - ai/openai: any OpenAI-compatible embeddings API (OpenAI, vLLM, LocalAI, Ollama's /v1)
//   - ai/ollama: the native Ollama API
//   - ai/mock: deterministic test doubles
//
// Public constructors (openai.NewProvider, ollama.NewProvider) return the
// AIProvider interface. mock.NewMockEmbedder returns the concrete type so
// tests can inject behavior and inspect call counts.
//
// # Usage Example
//
//	cfg := ai.NewConfig(ai.WithEmbeddingModel("nomic-embed-text"))
//	provider, err := ollama.NewProvider(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vector, err := provider.Embedder().EmbedText(ctx, "Panthera onca")
package ai
