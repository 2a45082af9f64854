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


package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/search"
)

const (
	// ServerName is the MCP server name
	ServerName = "curupira"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Ingestion is the job surface the tools need.
type Ingestion interface {
	Start(ctx context.Context, req ingestion.StartRequest) (*core.IngestionJob, error)
	Status(ctx context.Context, id string) (*core.IngestionJob, error)
}

// Retrieval is the search surface the tools need.
type Retrieval interface {
	Query(ctx context.Context, req search.QueryRequest) (*search.QueryResponse, error)
	Stats(ctx context.Context) (*search.Stats, error)
}

// Server wraps the MCP server with the services its tools call.
type Server struct {
	mcp       *server.MCPServer
	ingestion Ingestion
	retrieval Retrieval
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server) error

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

// NewServer creates an MCP server with every tool registered.
func NewServer(ing Ingestion, ret Retrieval, opts ...Option) (*Server, error) {
	if ing == nil {
		return nil, errors.New("ingestion service is required")
	}
	if ret == nil {
		return nil, errors.New("retrieval service is required")
	}

	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		ingestion: ing,
		retrieval: ret,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "mcp")

	s.registerTools()
	return s, nil
}

// Serve runs the server on stdin/stdout until the client disconnects or the
// process is signalled.
func (s *Server) Serve() error {
	s.logger.Info("serving MCP over stdio", "name", ServerName, "version", ServerVersion)
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(ragQueryTool(), s.handleRAGQuery)
	s.mcp.AddTool(ingestionStartTool(), s.handleIngestionStart)
	s.mcp.AddTool(jobStatusTool(), s.handleJobStatus)
	s.mcp.AddTool(ragStatsTool(), s.handleRAGStats)
}
