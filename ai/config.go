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


package ai

import (
	"errors"
	"strings"
)

// Supported embedding backends.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Config holds configuration for the embedding model backend.
type Config struct {
	// Backend selects the client implementation: "openai" for any
	// OpenAI-compatible server, "ollama" for the native Ollama API.
	Backend string

	// EmbeddingHost is the base URL for the embedding service API.
	// Example: "http://localhost:11434" for a local Ollama server
	EmbeddingHost string

	// EmbeddingModel is the model identifier to use for text embeddings.
	// Example: "nomic-embed-text", "text-embedding-3-small"
	EmbeddingModel string

	// APIKey authenticates against hosted OpenAI-compatible services.
	// Local servers that don't check it may leave it empty.
	APIKey string

	// Dimension is the length of the vectors the model produces.
	// Default: 768
	Dimension int
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithBackend sets the embedding backend.
func WithBackend(backend string) ConfigOption {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithEmbeddingHost sets the embedding service host URL.
func WithEmbeddingHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
	}
}

// WithEmbeddingModel sets the embedding model identifier.
func WithEmbeddingModel(model string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingModel = model
	}
}

// WithAPIKey sets the API key for hosted services.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithDimension sets the expected vector length.
func WithDimension(dim int) ConfigOption {
	return func(c *Config) {
		c.Dimension = dim
	}
}

// DefaultConfig returns a Config for a local Ollama server running a
// 768-dimension embedding model.
func DefaultConfig() *Config {
	return &Config{
		Backend:        BackendOllama,
		EmbeddingHost:  "http://localhost:11434",
		EmbeddingModel: "nomic-embed-text",
		Dimension:      768,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
//
// Example:
//   cfg := NewConfig(
//       WithBackend(BackendOpenAI),
//       WithEmbeddingHost("https://api.openai.com"),
//       WithEmbeddingModel("text-embedding-3-small"),
//       WithDimension(1536),
//   )
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Normalize ensures the configuration is in a canonical form.
// OpenAI-compatible APIs need the /v1 suffix on the host; the native Ollama
// client adds its own paths and must not have it.
func (c *Config) Normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.EmbeddingHost == "" {
		return
	}
	host := strings.TrimSuffix(c.EmbeddingHost, "/")
	switch c.Backend {
	case BackendOpenAI:
		if !strings.HasSuffix(host, "/v1") {
			host += "/v1"
		}
	case BackendOllama:
		host = strings.TrimSuffix(host, "/v1")
	}
	c.EmbeddingHost = host
}

// Validate checks that the configuration is valid and complete.
// It automatically normalizes the configuration before validation.
func (c *Config) Validate() error {
	c.Normalize()

	if c.Backend != BackendOpenAI && c.Backend != BackendOllama {
		return errors.New("ai config: Backend must be openai or ollama")
	}
	if c.EmbeddingHost == "" {
		return errors.New("ai config: EmbeddingHost is required")
	}
	if c.EmbeddingModel == "" {
		return errors.New("ai config: EmbeddingModel is required")
	}
	if c.Dimension <= 0 {
		return errors.New("ai config: Dimension must be positive")
	}
	return nil
}
