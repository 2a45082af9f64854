package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/provider"
)

// errJobStopped ends a job's worker without touching the job record again.
var errJobStopped = errors.New("job stopped")

// run drives one job from queued to a terminal status.
// Every run is timed; runs that do not complete count as failures.
func (o *Orchestrator) run(ctx context.Context, id string) {
	logger := o.logger.With("job", id)
	start := time.Now()
	completed := false
	defer func() {
		o.metrics.RecordTiming(metrics.OpIngestionJob, time.Since(start), !completed)
	}()

	job, err := o.update(id, func(j *core.IngestionJob) error {
		if err := core.ValidateTransition(j.Status, core.JobStatusRunning); err != nil {
			return err
		}
		j.Status = core.JobStatusRunning
		j.Phase = core.PhaseFetching
		j.StartedAt = o.now()
		j.Progress = core.Progress{Total: j.Parameters.Limit}
		return nil
	})
	if err != nil {
		o.abort(logger, id, "start job", err)
		return
	}
	logger = logger.With("source", job.Source)
	logger.Info("running ingestion job")

	records, err := o.fetch(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			o.interrupted(logger, id)
			return
		}
		logger.Error("fetch failed", "err", err)
		if _, ferr := o.fail(id, err.Error()); ferr != nil && !errors.Is(ferr, ErrJobTerminal) {
			logger.Error("failed to persist job failure", "err", ferr)
		}
		return
	}
	logger.Info("fetched records", "count", len(records))

	docs, err := o.processRecords(ctx, id, records)
	if err != nil {
		o.abort(logger, id, "process records", err)
		return
	}

	if err := o.storeDocuments(ctx, job, docs); err != nil {
		o.abort(logger, id, "store documents", err)
		return
	}

	final, err := o.update(id, func(j *core.IngestionJob) error {
		if err := core.ValidateTransition(j.Status, core.JobStatusCompleted); err != nil {
			return err
		}
		j.Status = core.JobStatusCompleted
		j.Phase = core.PhaseCompleted
		j.Progress.Processed = j.Progress.Total
		j.Progress.Percentage = 100
		j.CompletedAt = o.now()
		return nil
	})
	if err != nil {
		o.abort(logger, id, "complete job", err)
		return
	}
	completed = true
	logger.Info("completed ingestion job",
		"documents", final.Results.DocumentsIngested,
		"embeddings", final.Results.EmbeddingsCreated,
		"errors", final.Results.Errors)
}

// fetch queries the job's provider, retrying transient failures.
func (o *Orchestrator) fetch(ctx context.Context, job *core.IngestionJob) ([]core.RawRecord, error) {
	client, err := o.registry.Get(job.Source)
	if err != nil {
		return nil, err
	}
	query := provider.QueryFromParameters(job.Parameters)

	var resp *provider.SearchResponse
	err = RetryWithBackoff(ctx, func() error {
		callStart := time.Now()
		r, err := client.Search(ctx, query)
		o.metrics.Observe(metrics.OpProviderFetch, callStart, err)
		if err != nil {
			var ext *core.ExternalServiceError
			if !errors.As(err, &ext) || !ext.Retryable() {
				return Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, o.maxRetries, o.retryDelay)
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// processRecords normalizes every record, updating progress after each one.
// Records that cannot be normalized are counted as errors and skipped.
func (o *Orchestrator) processRecords(ctx context.Context, id string, records []core.RawRecord) ([]*core.ProcessedDocument, error) {
	if _, err := o.update(id, func(j *core.IngestionJob) error {
		j.Phase = core.PhaseProcessing
		j.Progress = progress(0, len(records))
		return nil
	}); err != nil {
		return nil, err
	}

	docs := make([]*core.ProcessedDocument, 0, len(records))
	for i, rec := range records {
		if ctx.Err() != nil {
			return nil, errJobStopped
		}

		doc := o.processor.Process(rec)
		var failure string
		if doc == nil {
			failure = fmt.Sprintf("record %q from %s could not be normalized", rec.ID, rec.Source)
			o.logger.Warn("skipping record", "job", id, "record", rec.ID)
		} else {
			doc.Metadata.JobID = id
			docs = append(docs, doc)
		}

		if _, err := o.update(id, func(j *core.IngestionJob) error {
			j.Progress = progress(i+1, len(records))
			if failure != "" {
				addError(&j.Results, failure)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// storeDocuments stores and embeds documents batch by batch.
func (o *Orchestrator) storeDocuments(ctx context.Context, job *core.IngestionJob, docs []*core.ProcessedDocument) error {
	embed := !job.Parameters.Options.DisableEmbedding
	phase := core.PhaseStoring
	if embed {
		phase = core.PhaseEmbedding
	}
	if _, err := o.update(job.ID, func(j *core.IngestionJob) error {
		j.Phase = phase
		j.Progress = progress(0, len(docs))
		return nil
	}); err != nil {
		return err
	}

	batchSize := o.batchSize
	if job.Parameters.Options.BatchSize > 0 {
		batchSize = job.Parameters.Options.BatchSize
	}

	for start := 0; start < len(docs); start += batchSize {
		if ctx.Err() != nil {
			return errJobStopped
		}
		end := min(start+batchSize, len(docs))

		outcome, err := o.storeBatch(ctx, job.ID, docs[start:end], batchSize, embed)
		if err != nil {
			return err
		}

		if _, err := o.update(job.ID, func(j *core.IngestionJob) error {
			j.Progress = progress(end, len(docs))
			j.Results.DocumentsIngested += outcome.documents
			j.Results.EmbeddingsCreated += outcome.embeddings
			for _, msg := range outcome.failures {
				addError(&j.Results, msg)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

type batchOutcome struct {
	documents  int
	embeddings int
	failures   []string
}

// embeddingUnit is one text to embed for a document of the batch.
type embeddingUnit struct {
	doc      int
	metadata core.DocumentMetadata
}

// embeddingUnits lists the whole text and then each chunk of every document.
func embeddingUnits(docs []*core.ProcessedDocument) ([]string, []embeddingUnit) {
	var (
		texts []string
		units []embeddingUnit
	)
	for i, doc := range docs {
		whole := doc.Metadata
		whole.ChunkIndex = -1
		whole.TotalChunks = len(doc.Chunks)
		texts = append(texts, doc.Content)
		units = append(units, embeddingUnit{doc: i, metadata: whole})

		for c, chunk := range doc.Chunks {
			meta := doc.Metadata
			meta.ChunkIndex = c
			meta.TotalChunks = len(doc.Chunks)
			texts = append(texts, chunk)
			units = append(units, embeddingUnit{doc: i, metadata: meta})
		}
	}
	return texts, units
}

// storeBatch embeds the whole text and each chunk of every document, then
// stores each document whose embeddings all succeeded together with them.
// A document with a failed embedding is not stored and counts as one error.
// A document counts as ingested only when it and all its embeddings were
// written; embeddings counts every embedding actually written.
func (o *Orchestrator) storeBatch(ctx context.Context, jobID string, docs []*core.ProcessedDocument, batchSize int, embed bool) (*batchOutcome, error) {
	out := &batchOutcome{}
	failed := make(map[int]string)
	pending := make(map[int][]pendingEmbedding)

	if embed {
		texts, units := embeddingUnits(docs)
		result, err := o.generator.EmbedBatch(ctx, texts, batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errJobStopped
			}
			return nil, err
		}
		for _, item := range result.Errors {
			unit := units[item.Index]
			if _, ok := failed[unit.doc]; !ok {
				failed[unit.doc] = fmt.Sprintf("document %q: embed: %v", unit.metadata.OriginalID, item.Err)
			}
		}
		for _, item := range result.Results {
			unit := units[item.Index]
			pending[unit.doc] = append(pending[unit.doc], pendingEmbedding{metadata: unit.metadata, result: item.Result})
		}
	}

	for i, doc := range docs {
		if _, ok := failed[i]; ok {
			continue
		}
		docID, err := o.store.StoreDocument(ctx, doc.Content, doc.Metadata)
		if err != nil {
			failed[i] = fmt.Sprintf("document %q: store: %v", doc.Metadata.OriginalID, err)
			continue
		}
		for _, p := range pending[i] {
			if _, err := o.store.StoreEmbedding(ctx, docID, p.result.Vector, p.result.Text, p.metadata, p.result.Model); err != nil {
				failed[i] = fmt.Sprintf("document %q: store embedding: %v", doc.Metadata.OriginalID, err)
				break
			}
			out.embeddings++
		}
		if _, ok := failed[i]; !ok {
			out.documents++
		}
	}

	for i := range docs {
		if msg, ok := failed[i]; ok {
			o.logger.Warn("document failed", "job", jobID, "err", msg)
			out.failures = append(out.failures, msg)
		}
	}
	return out, nil
}

type pendingEmbedding struct {
	metadata core.DocumentMetadata
	result   *embedding.Result
}

// update applies fn to a job that has not reached a terminal status.
// Once a job is terminal every update fails with ErrJobTerminal, so a
// cancelled job is never overwritten by its worker.
func (o *Orchestrator) update(id string, fn func(*core.IngestionJob) error) (*core.IngestionJob, error) {
	return o.jobs.UpdateJob(context.Background(), id, func(j *core.IngestionJob) error {
		if j.Status.IsTerminal() {
			return ErrJobTerminal
		}
		return fn(j)
	})
}

// fail moves a job to failed with msg.
func (o *Orchestrator) fail(id, msg string) (*core.IngestionJob, error) {
	return o.update(id, func(j *core.IngestionJob) error {
		if err := core.ValidateTransition(j.Status, core.JobStatusFailed); err != nil {
			return err
		}
		j.Status = core.JobStatusFailed
		j.Error = msg
		j.CompletedAt = o.now()
		return nil
	})
}

// abort ends a job after a step returned err. A job that was cancelled or
// already finished is left alone; any other error is fatal and recorded.
func (o *Orchestrator) abort(logger *slog.Logger, id, step string, err error) {
	switch {
	case errors.Is(err, ErrJobTerminal):
		logger.Info("job finished elsewhere, stopping", "step", step)
	case errors.Is(err, errJobStopped):
		o.interrupted(logger, id)
	default:
		logger.Error("ingestion job failed", "step", step, "err", err)
		ierr := &core.IngestionError{JobID: id, Message: step, Err: err}
		if _, ferr := o.fail(id, ierr.Error()); ferr != nil && !errors.Is(ferr, ErrJobTerminal) {
			logger.Error("failed to persist job failure", "err", ferr)
		}
	}
}

// interrupted handles a worker whose context ended. A cancelled job already
// has its status; anything else was stopped by shutdown.
func (o *Orchestrator) interrupted(logger *slog.Logger, id string) {
	_, err := o.fail(id, "interrupted by shutdown")
	switch {
	case err == nil:
		logger.Warn("ingestion job interrupted by shutdown")
	case errors.Is(err, ErrJobTerminal):
		logger.Info("ingestion job stopped after cancellation")
	default:
		logger.Error("failed to persist job interruption", "err", err)
	}
}

func progress(processed, total int) core.Progress {
	p := core.Progress{Processed: processed, Total: total}
	if total > 0 {
		p.Percentage = float64(processed) / float64(total) * 100
	}
	return p
}

func addError(r *core.JobResults, msg string) {
	r.Errors++
	if len(r.ErrorMessages) < maxErrorMessages {
		r.ErrorMessages = append(r.ErrorMessages, msg)
	}
}
