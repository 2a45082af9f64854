package ingestion

import (
	"context"
	"time"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
)

// SourceStats aggregates the jobs of one provider.
type SourceStats struct {
	Jobs          int
	Documents     int
	Embeddings    int
	LastIngestion time.Time
}

// Stats aggregates every persisted job.
// LastIngestion is the latest completion time of a completed job, zero if none.
type Stats struct {
	TotalJobs              int
	ActiveJobs             int
	CompletedJobs          int
	FailedJobs             int
	CancelledJobs          int
	TotalDocumentsIngested int
	TotalEmbeddingsCreated int
	SourceStats            map[core.Source]*SourceStats
	LastIngestion          time.Time
}

// Stats summarizes all jobs recorded so far.
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	jobs, _, err := o.jobs.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return nil, &core.DatabaseError{Op: "list jobs", Err: err}
	}

	stats := &Stats{SourceStats: make(map[core.Source]*SourceStats)}
	for _, job := range jobs {
		stats.TotalJobs++
		switch job.Status {
		case core.JobStatusQueued, core.JobStatusRunning:
			stats.ActiveJobs++
		case core.JobStatusCompleted:
			stats.CompletedJobs++
		case core.JobStatusFailed:
			stats.FailedJobs++
		case core.JobStatusCancelled:
			stats.CancelledJobs++
		}
		stats.TotalDocumentsIngested += job.Results.DocumentsIngested
		stats.TotalEmbeddingsCreated += job.Results.EmbeddingsCreated

		src, ok := stats.SourceStats[job.Source]
		if !ok {
			src = &SourceStats{}
			stats.SourceStats[job.Source] = src
		}
		src.Jobs++
		src.Documents += job.Results.DocumentsIngested
		src.Embeddings += job.Results.EmbeddingsCreated

		if job.Status == core.JobStatusCompleted {
			if job.CompletedAt.After(src.LastIngestion) {
				src.LastIngestion = job.CompletedAt
			}
			if job.CompletedAt.After(stats.LastIngestion) {
				stats.LastIngestion = job.CompletedAt
			}
		}
	}
	return stats, nil
}
