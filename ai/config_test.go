package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, BackendOllama, cfg.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.EmbeddingHost)
	assert.Equal(t, "nomic-embed-text", cfg.EmbeddingModel)
	assert.Equal(t, 768, cfg.Dimension)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfig(t *testing.T) {
	t.Run("with no options", func(t *testing.T) {
		cfg := NewConfig()
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("with multiple options", func(t *testing.T) {
		cfg := NewConfig(
			WithBackend(BackendOpenAI),
			WithEmbeddingHost("http://custom:8080/v1"),
			WithEmbeddingModel("text-embedding-3-small"),
			WithAPIKey("sk-test"),
			WithDimension(1536),
		)

		assert.Equal(t, BackendOpenAI, cfg.Backend)
		assert.Equal(t, "http://custom:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
		assert.Equal(t, "sk-test", cfg.APIKey)
		assert.Equal(t, 1536, cfg.Dimension)
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		host     string
		expected string
	}{
		{"openai adds v1", BackendOpenAI, "http://localhost:11434", "http://localhost:11434/v1"},
		{"openai trailing slash", BackendOpenAI, "http://localhost:11434/", "http://localhost:11434/v1"},
		{"openai keeps v1", BackendOpenAI, "http://localhost:11434/v1", "http://localhost:11434/v1"},
		{"ollama strips v1", BackendOllama, "http://localhost:11434/v1", "http://localhost:11434"},
		{"ollama trailing slash", BackendOllama, "http://localhost:11434/", "http://localhost:11434"},
		{"empty host", BackendOpenAI, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Backend: tt.backend, EmbeddingHost: tt.host}
			cfg.Normalize()
			assert.Equal(t, tt.expected, cfg.EmbeddingHost)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"backend case insensitive", func(c *Config) { c.Backend = " OpenAI " }, ""},
		{"unknown backend", func(c *Config) { c.Backend = "bedrock" }, "Backend"},
		{"missing host", func(c *Config) { c.EmbeddingHost = "" }, "EmbeddingHost"},
		{"missing model", func(c *Config) { c.EmbeddingModel = "" }, "EmbeddingModel"},
		{"zero dimension", func(c *Config) { c.Dimension = 0 }, "Dimension"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
