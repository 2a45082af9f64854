package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/curupira"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/urfave/cli/v2"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Run an ingestion job and wait for it to finish",
		ArgsUsage: " ",
		Action:    ingest,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "Provider to ingest from (gbif, obis, ebird, iucn)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "species",
				Usage: "Scientific name to search for",
			},
			&cli.StringFlag{
				Name:  "country",
				Usage: "ISO 3166-1 alpha-2 country code",
			},
			&cli.Float64Flag{
				Name:  "lat",
				Usage: "Latitude of the search center",
			},
			&cli.Float64Flag{
				Name:  "lon",
				Usage: "Longitude of the search center",
			},
			&cli.Float64Flag{
				Name:  "radius",
				Usage: "Search radius in kilometres around --lat/--lon",
			},
			&cli.StringFlag{
				Name:  "record-type",
				Usage: "Provider specific record type, e.g. occurrence or species",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of records to fetch",
				Value:   100,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of provider records to skip",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Documents stored and embedded per batch (0 uses BATCH_SIZE)",
			},
			&cli.BoolFlag{
				Name:  "no-embed",
				Usage: "Store documents without generating embeddings",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often to report job progress",
				Value: 500 * time.Millisecond,
			},
		},
	}
}

func ingestParameters(c *cli.Context) (core.JobParameters, error) {
	params := core.JobParameters{
		Species:    c.String("species"),
		RecordType: c.String("record-type"),
		Limit:      c.Int("limit"),
		Offset:     c.Int("offset"),
		Options: core.JobOptions{
			DisableEmbedding: c.Bool("no-embed"),
			BatchSize:        c.Int("batch-size"),
		},
	}

	if c.IsSet("lat") != c.IsSet("lon") {
		return params, errors.New("--lat and --lon must be given together")
	}
	if c.IsSet("country") || c.IsSet("lat") || c.IsSet("radius") {
		loc := &core.GeoLocation{
			Country:  strings.ToUpper(c.String("country")),
			RadiusKm: c.Float64("radius"),
		}
		if c.IsSet("lat") {
			lat, lon := c.Float64("lat"), c.Float64("lon")
			loc.Latitude, loc.Longitude = &lat, &lon
		}
		params.Location = loc
	}
	return params, nil
}

func ingest(c *cli.Context) error {
	cfg, err := loadedConfig(c)
	if err != nil {
		return err
	}
	params, err := ingestParameters(c)
	if err != nil {
		return err
	}

	return withDatabase(cfg, func(db *curupira.Database) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch := db.Orchestrator()
		job, err := orch.Start(ctx, ingestion.StartRequest{Source: c.String("source"), Parameters: params})
		if err != nil {
			return fmt.Errorf("failed to start ingestion: %w", err)
		}
		fmt.Fprintf(c.App.ErrWriter, "Started job %s (%s)\n", job.ID, job.Source)

		job, err = waitForJob(ctx, orch, job.ID, c.Duration("poll-interval"), c.App.ErrWriter)
		if err != nil {
			if ctx.Err() != nil {
				if _, cerr := orch.Cancel(context.Background(), job.ID); cerr != nil {
					slog.Warn("failed to cancel job", "job", job.ID, "err", cerr)
				}
				return fmt.Errorf("ingestion interrupted, job %s cancelled", job.ID)
			}
			return err
		}

		printJobSummary(c, job)
		if job.Status != core.JobStatusCompleted {
			return fmt.Errorf("ingestion job %s %s: %s", job.ID, job.Status, job.Error)
		}
		return nil
	})
}

// waitForJob polls the job until it is terminal, redrawing a progress line.
// On error the last job read is returned, which is never nil.
func waitForJob(ctx context.Context, orch *ingestion.Orchestrator, id string, interval time.Duration, out io.Writer) (*core.IngestionJob, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := &core.IngestionJob{ID: id}
	for {
		job, err := orch.Status(context.Background(), id)
		if err != nil {
			return last, err
		}
		last = job
		fmt.Fprintf(out, "\r%-10s %d/%d (%.1f%%)", job.Phase, job.Progress.Processed, job.Progress.Total, job.Progress.Percentage)
		if job.Status.IsTerminal() {
			fmt.Fprintln(out)
			return job, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJobSummary(c *cli.Context, job *core.IngestionJob) {
	w := c.App.Writer
	fmt.Fprintf(w, "Job:        %s\n", job.ID)
	fmt.Fprintf(w, "Source:     %s\n", job.Source)
	fmt.Fprintf(w, "Status:     %s\n", job.Status)
	if d, ok := job.Duration(); ok {
		fmt.Fprintf(w, "Duration:   %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Documents:  %d\n", job.Results.DocumentsIngested)
	fmt.Fprintf(w, "Embeddings: %d\n", job.Results.EmbeddingsCreated)
	fmt.Fprintf(w, "Errors:     %d\n", job.Results.Errors)
	for _, msg := range job.Results.ErrorMessages {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "Failure:    %s\n", job.Error)
	}
}
