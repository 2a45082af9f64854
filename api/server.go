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

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/provider"
	"github.com/poiesic/curupira/search"
	"github.com/poiesic/curupira/storage"
)

// Ingestion is the job surface served under /ingestion.
type Ingestion interface {
	Start(ctx context.Context, req ingestion.StartRequest) (*core.IngestionJob, error)
	Status(ctx context.Context, id string) (*core.IngestionJob, error)
	List(ctx context.Context, filter storage.JobFilter) ([]*core.IngestionJob, int, error)
	Cancel(ctx context.Context, id string) (*core.IngestionJob, error)
	Stats(ctx context.Context) (*ingestion.Stats, error)
}

// Retrieval is the retrieval surface served under /rag.
type Retrieval interface {
	Query(ctx context.Context, req search.QueryRequest) (*search.QueryResponse, error)
	SearchVector(ctx context.Context, req search.VectorRequest) (*search.SearchResponse, error)
	Embed(ctx context.Context, text string) (*embedding.Result, error)
	Stats(ctx context.Context) (*search.Stats, error)
}

// HealthChecker reports the state of storage and providers.
type HealthChecker interface {
	Healthy() bool
	ProviderHealth(ctx context.Context) map[core.Source]provider.Health
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Server routes HTTP requests to the ingestion and retrieval services.
type Server struct {
	ingestion Ingestion
	retrieval Retrieval
	health    HealthChecker
	metrics   *metrics.Collector
	limiter   *rateLimiter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server) error

// WithHealthChecker enables detailed /health reports.
// Without one /health only reports that the process is up.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) error {
		s.health = h
		return nil
	}
}

// WithMetrics shares a collector with the services so /metrics reports
// request timings next to ingestion and retrieval timings.
// Default is a collector private to the server.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) error {
		if c == nil {
			return errors.New("metrics collector must not be nil")
		}
		s.metrics = c
		return nil
	}
}

// WithRateLimit allows each client requests calls per window.
// Zero requests disables limiting. With trustProxyHeaders the client is
// taken from X-Forwarded-For or X-Real-IP instead of the peer address.
func WithRateLimit(requests int, window time.Duration, trustProxyHeaders bool) Option {
	return func(s *Server) error {
		if requests < 0 {
			return fmt.Errorf("rate limit requests must not be negative, got %d", requests)
		}
		if requests == 0 {
			s.limiter = nil
			return nil
		}
		if window <= 0 {
			return fmt.Errorf("rate limit window must be positive, got %s", window)
		}
		l, err := newRateLimiter(requests, window, trustProxyHeaders)
		if err != nil {
			return err
		}
		s.limiter = l
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewServer creates an HTTP server for the given services.
func NewServer(ing Ingestion, ret Retrieval, opts ...Option) (*Server, error) {
	if ing == nil {
		return nil, errors.New("ingestion service is required")
	}
	if ret == nil {
		return nil, errors.New("retrieval service is required")
	}
	s := &Server{
		ingestion: ing,
		retrieval: ret,
		metrics:   metrics.NewCollector(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain:
// request id, logging, metrics, rate limiting and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingestion/start", s.handleStart)
	mux.HandleFunc("GET /ingestion/job/{id}", s.handleJobStatus)
	mux.HandleFunc("DELETE /ingestion/job/{id}", s.handleCancel)
	mux.HandleFunc("GET /ingestion/jobs", s.handleListJobs)
	mux.HandleFunc("GET /ingestion/stats", s.handleIngestionStats)

	mux.HandleFunc("POST /rag/query", s.handleQuery)
	mux.HandleFunc("POST /rag/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /rag/search", s.handleSearch)
	mux.HandleFunc("GET /rag/stats", s.handleRAGStats)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, &core.NotFoundError{Kind: "route", ID: r.Method + " " + r.URL.Path})
	})

	return withRequestID(s.withLogging(s.withMetrics(s.withRateLimit(s.withRecovery(mux)))))
}
