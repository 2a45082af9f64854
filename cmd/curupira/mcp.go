package main

import (
	"log/slog"

	"github.com/poiesic/curupira"
	mcpserver "github.com/poiesic/curupira/mcp"
	"github.com/urfave/cli/v2"
)

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp",
		Usage:  "Serve the MCP tools over stdio",
		Action: serveMCP,
	}
}

// serveMCP blocks until the client closes stdin. Logs go to stderr only,
// since stdout carries the protocol.
func serveMCP(c *cli.Context) error {
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		srv, err := mcpserver.NewServer(db.Orchestrator(), db.Retriever(), mcpserver.WithLogger(slog.Default()))
		if err != nil {
			return err
		}
		return srv.Serve()
	})
}
