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


// Package openai provides an embedding backend for OpenAI-compatible APIs.
//
// The backend uses the langchaingo library to talk to OpenAI or to any
// compatible server (vLLM, LocalAI, Ollama's /v1 endpoint).
//
// # Usage
//
//	config := ai.NewConfig(
//	    ai.WithBackend(ai.BackendOpenAI),
//	    ai.WithEmbeddingHost("https://api.openai.com"), // /v1 added automatically
//	    ai.WithEmbeddingModel("text-embedding-3-small"),
//	    ai.WithAPIKey(os.Getenv("EMBEDDING_API_KEY")),
//	    ai.WithDimension(1536),
//	)
//
//	provider, err := openai.NewProvider(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vector, err := provider.Embedder().EmbedText(ctx, "sample text")
package openai
