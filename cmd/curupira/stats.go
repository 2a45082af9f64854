package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/poiesic/curupira"
	"github.com/urfave/cli/v2"
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Print ingestion and corpus statistics",
		Action: stats,
	}
}

func stats(c *cli.Context) error {
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		ing, err := db.Orchestrator().Stats(c.Context)
		if err != nil {
			return err
		}
		corpus, err := db.Retriever().Stats(c.Context)
		if err != nil {
			return err
		}

		w := c.App.Writer
		fmt.Fprintln(w, "Ingestion")
		fmt.Fprintf(w, "  jobs:       %d (%d active, %d completed, %d failed, %d cancelled)\n",
			ing.TotalJobs, ing.ActiveJobs, ing.CompletedJobs, ing.FailedJobs, ing.CancelledJobs)
		fmt.Fprintf(w, "  documents:  %d\n", ing.TotalDocumentsIngested)
		fmt.Fprintf(w, "  embeddings: %d\n", ing.TotalEmbeddingsCreated)
		fmt.Fprintf(w, "  last run:   %s\n", formatTime(ing.LastIngestion))
		for _, src := range sortedKeys(ing.SourceStats) {
			st := ing.SourceStats[src]
			fmt.Fprintf(w, "  %-6s %d jobs, %d documents, %d embeddings\n", src, st.Jobs, st.Documents, st.Embeddings)
		}

		fmt.Fprintln(w, "Corpus")
		fmt.Fprintf(w, "  documents:  %d\n", corpus.TotalDocuments)
		fmt.Fprintf(w, "  embeddings: %d\n", corpus.TotalEmbeddings)
		fmt.Fprintf(w, "  model:      %s (%d dimensions)\n", corpus.Model, corpus.Dimension)
		printCounts(w, corpus.Sources)
		printCounts(w, corpus.Types)
		return nil
	})
}

func printCounts[K ~string](w io.Writer, counts map[K]int) {
	for _, k := range sortedKeys(counts) {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
