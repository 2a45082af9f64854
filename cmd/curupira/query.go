package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/search"
	"github.com/urfave/cli/v2"
)

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Search stored records with a natural language query",
		ArgsUsage: "<text>",
		Action:    query,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "max-results",
				Aliases: []string{"n"},
				Usage:   "Maximum number of results (0 uses MAX_RETRIEVAL_RESULTS)",
			},
			&cli.Float64Flag{
				Name:    "threshold",
				Aliases: []string{"t"},
				Usage:   "Minimum cosine similarity (default SIMILARITY_THRESHOLD)",
			},
			&cli.StringSliceFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Restrict results to a provider; repeatable",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Trace the embedding and vector search steps",
			},
		},
	}
}

func query(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return errors.New("query text is required")
	}
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}

	req := search.QueryRequest{Query: text, MaxResults: c.Int("max-results")}
	if c.IsSet("threshold") {
		t := float32(c.Float64("threshold"))
		req.Threshold = &t
	}
	for _, name := range c.StringSlice("source") {
		src, err := core.ParseSource(name)
		if err != nil {
			return err
		}
		req.Sources = append(req.Sources, src)
	}

	var monitor search.SearchMonitor
	if c.Bool("verbose") {
		monitor = &traceMonitor{out: c.App.ErrWriter}
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		resp, err := db.Retriever().QueryWithMonitor(c.Context, req, monitor)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		w := c.App.Writer
		fmt.Fprintf(w, "Found %d hits\n", resp.TotalResults)
		for i, hit := range resp.Results {
			fmt.Fprintf(w, "%d: '%s' (%s:%d)[%0.3f]\n", i, oneLine(hit.Content), hit.Source, hit.DocumentID, hit.Score)
		}
		return nil
	})
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// traceMonitor prints each stage of a query.
type traceMonitor struct {
	out io.Writer
}

var _ search.SearchMonitor = (*traceMonitor)(nil)

func (m *traceMonitor) Start(query string) {
	fmt.Fprintf(m.out, "query: %q\n", query)
}

func (m *traceMonitor) AfterEmbedding(res *embedding.Result) {
	fmt.Fprintf(m.out, "embedded with %s: %d dimensions in %s (cached=%v, truncated=%v)\n",
		res.Model, res.Dimensions, res.ProcessingTime, res.Cached, res.Truncated)
}

func (m *traceMonitor) AfterVectorSearch(source core.Source, results []*core.SearchResult) {
	name := string(source)
	if name == "" {
		name = "all sources"
	}
	fmt.Fprintf(m.out, "vector search over %s: %d matches\n", name, len(results))
	for _, r := range results {
		fmt.Fprintf(m.out, "  [%0.3f] embedding %d of document %d\n", r.Score, r.Embedding.ID, r.Embedding.DocumentID)
	}
}

func (m *traceMonitor) Finish(hits []search.Hit) {
	fmt.Fprintf(m.out, "%d hits after merge\n", len(hits))
}
