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


// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/curupira/core"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable holding the YAML file path.
const EnvConfigFile = "CURUPIRA_CONFIG"

// Config holds all configuration values.
type Config struct {
	// Service
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Embedding model
	EmbeddingProvider  string        `yaml:"embedding_provider"`
	EmbeddingHost      string        `yaml:"embedding_host"`
	EmbeddingModel     string        `yaml:"embedding_model"`
	EmbeddingAPIKey    string        `yaml:"embedding_api_key"`
	VectorDimension    int           `yaml:"vector_dimension"`
	EmbeddingMaxInput  int           `yaml:"embedding_max_input"`
	EmbeddingCacheSize int           `yaml:"embedding_cache_size"`
	BatchSize          int           `yaml:"batch_size"`
	BatchDelay         time.Duration `yaml:"batch_delay"`

	// Retrieval
	SimilarityThreshold float32 `yaml:"similarity_threshold"`
	MaxRetrievalResults int     `yaml:"max_retrieval_results"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
	MaxCandidates       int     `yaml:"max_candidates"`

	// Document processing
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Ingestion jobs
	JobPoolSize     int `yaml:"job_pool_size"`
	DefaultJobLimit int `yaml:"default_job_limit"`

	// HTTP rate limiting, per client
	RateLimitRequests   int           `yaml:"rate_limit_requests"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
	RateLimitTrustProxy bool          `yaml:"rate_limit_trust_proxy"`

	// Providers
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
	ProviderMaxRetries int           `yaml:"provider_max_retries"`
	ProviderRetryDelay time.Duration `yaml:"provider_retry_delay"`
	GBIFBaseURL        string        `yaml:"gbif_base_url"`
	OBISBaseURL        string        `yaml:"obis_base_url"`
	EBirdBaseURL       string        `yaml:"ebird_base_url"`
	EBirdAPIToken      string        `yaml:"ebird_api_token"`
	IUCNBaseURL        string        `yaml:"iucn_base_url"`
	IUCNAPIKey         string        `yaml:"iucn_api_key"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8000",
		DataDir:  "./data",

		LogLevel: "info",

		EmbeddingProvider:  "ollama",
		EmbeddingHost:      "http://localhost:11434",
		EmbeddingModel:     "nomic-embed-text",
		VectorDimension:    768,
		EmbeddingMaxInput:  8000,
		EmbeddingCacheSize: 1000,
		BatchSize:          10,
		BatchDelay:         100 * time.Millisecond,

		SimilarityThreshold: 0.7,
		MaxRetrievalResults: 10,
		CandidateMultiplier: 10,
		MaxCandidates:       1000,

		ChunkSize:    1000,
		ChunkOverlap: 200,

		JobPoolSize:     4,
		DefaultJobLimit: 20,

		RateLimitRequests: 100,
		RateLimitWindow:   15 * time.Minute,

		ProviderTimeout:    30 * time.Second,
		ProviderMaxRetries: 3,
		ProviderRetryDelay: time.Second,
		GBIFBaseURL:        "https://api.gbif.org/v1",
		OBISBaseURL:        "https://api.obis.org/v3",
		EBirdBaseURL:       "https://api.ebird.org/v2",
		IUCNBaseURL:        "https://apiv3.iucnredlist.org/api/v3",
	}
}

// Load builds the configuration. Defaults are overlaid with the YAML file at
// path (or $CURUPIRA_CONFIG when path is empty), then with environment
// variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &core.ConfigurationError{Key: "file", Message: err.Error()}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &core.ConfigurationError{Key: "file", Message: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return nil
}

// applyEnv overlays every variable that is set. Malformed numbers and
// durations are reported together.
func (c *Config) applyEnv(lookup func(string) string) error {
	e := &envReader{lookup: lookup}

	e.str("HTTP_ADDR", &c.HTTPAddr)
	e.str("DATA_DIR", &c.DataDir)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FILE", &c.LogFile)

	e.str("EMBEDDING_PROVIDER", &c.EmbeddingProvider)
	e.str("EMBEDDING_HOST", &c.EmbeddingHost)
	e.str("EMBEDDING_MODEL", &c.EmbeddingModel)
	e.str("EMBEDDING_API_KEY", &c.EmbeddingAPIKey)
	e.int("VECTOR_DIMENSION", &c.VectorDimension)
	e.int("EMBEDDING_MAX_INPUT", &c.EmbeddingMaxInput)
	e.int("EMBEDDING_CACHE_SIZE", &c.EmbeddingCacheSize)
	e.int("BATCH_SIZE", &c.BatchSize)
	e.duration("BATCH_DELAY", &c.BatchDelay)

	e.float("SIMILARITY_THRESHOLD", &c.SimilarityThreshold)
	e.int("MAX_RETRIEVAL_RESULTS", &c.MaxRetrievalResults)
	e.int("CANDIDATE_MULTIPLIER", &c.CandidateMultiplier)
	e.int("MAX_CANDIDATES", &c.MaxCandidates)

	e.int("CHUNK_SIZE", &c.ChunkSize)
	e.int("CHUNK_OVERLAP", &c.ChunkOverlap)

	e.int("JOB_POOL_SIZE", &c.JobPoolSize)
	e.int("DEFAULT_JOB_LIMIT", &c.DefaultJobLimit)

	e.int("RATE_LIMIT_REQUESTS", &c.RateLimitRequests)
	e.duration("RATE_LIMIT_WINDOW", &c.RateLimitWindow)
	e.bool("RATE_LIMIT_TRUST_PROXY", &c.RateLimitTrustProxy)

	e.duration("PROVIDER_TIMEOUT", &c.ProviderTimeout)
	e.int("PROVIDER_MAX_RETRIES", &c.ProviderMaxRetries)
	e.duration("PROVIDER_RETRY_DELAY", &c.ProviderRetryDelay)
	e.str("GBIF_BASE_URL", &c.GBIFBaseURL)
	e.str("OBIS_BASE_URL", &c.OBISBaseURL)
	e.str("EBIRD_BASE_URL", &c.EBirdBaseURL)
	e.str("EBIRD_API_TOKEN", &c.EBirdAPIToken)
	e.str("IUCN_BASE_URL", &c.IUCNBaseURL)
	e.str("IUCN_API_KEY", &c.IUCNAPIKey)

	return errors.Join(e.errs...)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, key, msg string) {
		if !ok {
			errs = append(errs, &core.ConfigurationError{Key: key, Message: msg})
		}
	}

	check(c.DataDir != "", "DATA_DIR", "must not be empty")
	check(c.EmbeddingProvider == "openai" || c.EmbeddingProvider == "ollama",
		"EMBEDDING_PROVIDER", fmt.Sprintf("must be openai or ollama, got %q", c.EmbeddingProvider))
	check(c.EmbeddingModel != "", "EMBEDDING_MODEL", "must not be empty")
	check(c.VectorDimension > 0, "VECTOR_DIMENSION", "must be positive")
	check(c.EmbeddingMaxInput > 0, "EMBEDDING_MAX_INPUT", "must be positive")
	check(c.EmbeddingCacheSize >= 0, "EMBEDDING_CACHE_SIZE", "must not be negative")
	check(c.BatchSize > 0, "BATCH_SIZE", "must be positive")
	check(c.BatchDelay >= 0, "BATCH_DELAY", "must not be negative")
	check(c.SimilarityThreshold >= -1 && c.SimilarityThreshold <= 1, "SIMILARITY_THRESHOLD", "must be within [-1, 1]")
	check(c.MaxRetrievalResults > 0 && c.MaxRetrievalResults <= 100, "MAX_RETRIEVAL_RESULTS", "must be between 1 and 100")
	check(c.CandidateMultiplier > 0, "CANDIDATE_MULTIPLIER", "must be positive")
	check(c.MaxCandidates > 0, "MAX_CANDIDATES", "must be positive")
	check(c.ChunkSize > 0, "CHUNK_SIZE", "must be positive")
	check(c.ChunkOverlap >= 0 && c.ChunkOverlap < c.ChunkSize, "CHUNK_OVERLAP", "must be at least 0 and smaller than CHUNK_SIZE")
	check(c.JobPoolSize >= 0, "JOB_POOL_SIZE", "must not be negative")
	check(c.DefaultJobLimit > 0 && c.DefaultJobLimit <= core.MaxJobLimit, "DEFAULT_JOB_LIMIT",
		fmt.Sprintf("must be between 1 and %d", core.MaxJobLimit))
	check(c.RateLimitRequests >= 0, "RATE_LIMIT_REQUESTS", "must not be negative, 0 disables limiting")
	check(c.RateLimitWindow > 0, "RATE_LIMIT_WINDOW", "must be positive")
	check(c.ProviderTimeout > 0, "PROVIDER_TIMEOUT", "must be positive")
	check(c.ProviderMaxRetries > 0, "PROVIDER_MAX_RETRIES", "must be positive")
	check(c.ProviderRetryDelay >= 0, "PROVIDER_RETRY_DELAY", "must not be negative")
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, &core.ConfigurationError{Key: "LOG_LEVEL", Message: err.Error()})
	}

	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := parseLogLevel(c.LogLevel)
	return level
}

type envReader struct {
	lookup func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.lookup(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := e.lookup(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, "an integer")
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float32) {
	v := e.lookup(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
	if err != nil {
		e.fail(key, v, "a number")
		return
	}
	*dst = float32(f)
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := e.lookup(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, "a duration such as 500ms or 30s")
		return
	}
	*dst = d
}

func (e *envReader) bool(key string, dst *bool) {
	v := e.lookup(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, "a boolean")
		return
	}
	*dst = b
}

func (e *envReader) fail(key, value, want string) {
	e.errs = append(e.errs, &core.ConfigurationError{Key: key, Message: fmt.Sprintf("%q is not %s", value, want)})
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
