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


package ollama

import (
	"log/slog"

	"github.com/poiesic/curupira/ai"
)

// Provider implements ai.AIProvider for Ollama.
type Provider struct {
	config   *ai.Config
	embedder *Embedder
	logger   *slog.Logger
}

// NewProvider creates an Ollama-backed AI provider.
func NewProvider(config *ai.Config) (ai.AIProvider, error) {
	embedder, err := newEmbedder(config)
	if err != nil {
		return nil, err
	}
	return &Provider{
		config:   config,
		embedder: embedder,
		logger:   slog.Default().With("component", "ollama-provider"),
	}, nil
}

// Embedder returns the text embedding service.
func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

// Model returns the configured embedding model.
func (p *Provider) Model() string {
	return p.config.EmbeddingModel
}

// Close is a no-op; the HTTP client holds no resources.
func (p *Provider) Close() error {
	p.logger.Debug("closing Ollama provider")
	return nil
}
