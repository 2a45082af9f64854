package main

import (
	"fmt"
	"time"

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/reembed"
	"github.com/urfave/cli/v2"
)

func reembedCommand() *cli.Command {
	return &cli.Command{
		Name:   "reembed",
		Usage:  "Reembed all stored texts with the configured embedding model",
		Action: reembedAll,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "embedding-host",
				Usage: "Embedding service host URL (overrides EMBEDDING_HOST)",
			},
			&cli.StringFlag{
				Name:  "embedding-model",
				Usage: "Embedding model name (overrides EMBEDDING_MODEL)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of embeddings to process in each batch",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N embeddings",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Maximum retry attempts for failed operations",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Usage: "Base delay for exponential backoff",
				Value: 1 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "normalize",
				Usage: "Scale new vectors to unit length before storing them",
			},
		},
	}
}

func reembedAll(c *cli.Context) error {
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("embedding-host") {
		cfg.EmbeddingHost = c.String("embedding-host")
	}
	if c.IsSet("embedding-model") {
		cfg.EmbeddingModel = c.String("embedding-model")
	}

	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
		Normalize:      c.Bool("normalize"),
	}

	// Validate config
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		errw := c.App.ErrWriter
		fmt.Fprintf(errw, "Database: %s\n", cfg.DataDir)
		fmt.Fprintf(errw, "Embedding host: %s\n", cfg.EmbeddingHost)
		fmt.Fprintf(errw, "Embedding model: %s\n", db.Generator().Model())
		fmt.Fprintln(errw)

		n, err := db.NewReembedder(reembedConfig, errw).Run(c.Context)
		if err != nil {
			return fmt.Errorf("reembedding failed after %d embeddings: %w", n, err)
		}
		fmt.Fprintf(c.App.Writer, "Reembedded %d embeddings\n", n)
		return nil
	})
}
