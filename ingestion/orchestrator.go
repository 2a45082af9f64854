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


package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/processor"
	"github.com/poiesic/curupira/provider"
	"github.com/poiesic/curupira/storage"
)

const (
	// DefaultPoolSize is the number of jobs that may run at once.
	DefaultPoolSize = 4

	// DefaultBatchSize is the number of documents stored and embedded together.
	DefaultBatchSize = 10

	// DefaultMaxRetries is the number of provider fetch attempts.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the first backoff delay between fetch attempts.
	DefaultRetryDelay = time.Second

	// DefaultJobLimit is the record count requested when a job sets no limit.
	DefaultJobLimit = 20

	defaultPollInterval = 250 * time.Millisecond
	defaultCloseTimeout = 30 * time.Second

	// maxErrorMessages bounds the messages kept on a job record.
	maxErrorMessages = 100
)

// StartRequest asks for one ingestion job.
type StartRequest struct {
	Source     string
	Parameters core.JobParameters
}

// Orchestrator schedules ingestion jobs and drives them to a terminal status.
type Orchestrator struct {
	store     storage.VectorStore
	jobs      storage.JobRepository
	registry  *provider.Registry
	processor *processor.Processor
	generator *embedding.Generator

	pool         *ants.Pool
	poolSize     int
	batchSize    int
	defaultLimit int
	maxRetries   int
	retryDelay   time.Duration
	pollInterval time.Duration
	closeTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Collector
	logger       *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithPoolSize sets how many jobs may run concurrently.
// Zero removes the cap and runs every job on its own goroutine.
func WithPoolSize(size int) Option {
	return func(o *Orchestrator) error {
		if size < 0 {
			return fmt.Errorf("pool size must not be negative, got %d", size)
		}
		o.poolSize = size
		return nil
	}
}

// WithBatchSize sets the default embedding/storing batch size.
// A job's Options.BatchSize overrides it.
func WithBatchSize(size int) Option {
	return func(o *Orchestrator) error {
		if size < 1 {
			size = 1
		}
		o.batchSize = size
		return nil
	}
}

// WithDefaultLimit sets the record count requested by jobs that set no limit.
func WithDefaultLimit(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 || n > core.MaxJobLimit {
			return fmt.Errorf("default limit must be between 1 and %d, got %d", core.MaxJobLimit, n)
		}
		o.defaultLimit = n
		return nil
	}
}

// WithRetries configures provider fetch retries.
func WithRetries(maxAttempts int, baseDelay time.Duration) Option {
	return func(o *Orchestrator) error {
		if maxAttempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		o.maxRetries = maxAttempts
		o.retryDelay = baseDelay
		return nil
	}
}

// WithPollInterval sets how often Wait re-reads a job.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d > 0 {
			o.pollInterval = d
		}
		return nil
	}
}

// WithCloseTimeout bounds how long Close waits for running jobs.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d > 0 {
			o.closeTimeout = d
		}
		return nil
	}
}

// WithClock sets the time source for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// WithMetrics records provider fetch and job run timings on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) error {
		o.metrics = c
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// NewOrchestrator creates an orchestrator. Call Close to stop running jobs
// and release the worker pool.
func NewOrchestrator(
	store storage.VectorStore,
	jobs storage.JobRepository,
	registry *provider.Registry,
	proc *processor.Processor,
	generator *embedding.Generator,
	opts ...Option,
) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, ErrStoreRequired
	case jobs == nil:
		return nil, ErrJobRepositoryRequired
	case registry == nil:
		return nil, ErrRegistryRequired
	case proc == nil:
		return nil, ErrProcessorRequired
	case generator == nil:
		return nil, ErrGeneratorRequired
	}

	o := &Orchestrator{
		store:        store,
		jobs:         jobs,
		registry:     registry,
		processor:    proc,
		generator:    generator,
		poolSize:     DefaultPoolSize,
		batchSize:    DefaultBatchSize,
		defaultLimit: DefaultJobLimit,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		pollInterval: defaultPollInterval,
		closeTimeout: defaultCloseTimeout,
		now:          func() time.Time { return core.Timestamp(time.Now()) },
		logger:       slog.Default(),
		cancels:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	if o.poolSize > 0 {
		// Nonblocking: a saturated pool rejects the job instead of stalling Start.
		pool, err := ants.NewPool(o.poolSize, ants.WithNonblocking(true))
		if err != nil {
			return nil, err
		}
		o.pool = pool
	}

	o.logger = o.logger.With("component", "ingestion-orchestrator")
	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	return o, nil
}

// Start validates the request, persists a queued job and schedules it.
// It returns as soon as the job is scheduled.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*core.IngestionJob, error) {
	source, err := core.ParseSource(req.Source)
	if err != nil {
		return nil, &core.IngestionError{Message: fmt.Sprintf("unsupported source %q", req.Source), Err: err}
	}
	if _, err := o.registry.Get(source); err != nil {
		return nil, &core.IngestionError{Message: fmt.Sprintf("no client configured for %s", source), Err: err}
	}
	if err := core.ValidateJobParameters(&req.Parameters); err != nil {
		return nil, err
	}
	if req.Parameters.Limit == 0 {
		req.Parameters.Limit = o.defaultLimit
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, &core.IngestionError{Message: "orchestrator is shutting down", Err: ErrOrchestratorClosed}
	}

	job := &core.IngestionJob{
		ID:         uuid.New().String(),
		Source:     source,
		Status:     core.JobStatusQueued,
		Parameters: req.Parameters,
		Progress:   core.Progress{Total: req.Parameters.Limit},
		CreatedAt:  o.now(),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return nil, &core.IngestionError{JobID: job.ID, Message: "persist job", Err: err}
	}

	// wg.Add only happens under mu while not closed; Close flips closed
	// under mu before it waits.
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		if _, ferr := o.fail(job.ID, ErrOrchestratorClosed.Error()); ferr != nil {
			o.logger.Error("failed to persist job failure", "job", job.ID, "err", ferr)
		}
		return nil, &core.IngestionError{JobID: job.ID, Message: "orchestrator is shutting down", Err: ErrOrchestratorClosed}
	}
	o.cancels[job.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	task := func() {
		defer o.wg.Done()
		defer o.forget(job.ID)
		o.run(jobCtx, job.ID)
	}

	if o.pool == nil {
		go task()
	} else if err := o.pool.Submit(task); err != nil {
		o.wg.Done()
		o.forget(job.ID)
		exhausted := &core.ResourceExhaustedError{Resource: "ingestion worker pool", Err: err}
		if failed, ferr := o.fail(job.ID, exhausted.Error()); ferr == nil {
			job = failed
		}
		o.logger.Warn("rejected ingestion job", "job", job.ID, "source", source, "err", err)
		return job, exhausted
	}

	o.logger.Info("queued ingestion job", "job", job.ID, "source", source, "limit", req.Parameters.Limit)
	return job, nil
}

// Cancel marks a job cancelled and stops its worker before the next record
// or batch. Cancelling a finished job returns the job unchanged together with
// a ConflictError wrapping ErrJobTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*core.IngestionJob, error) {
	job, err := o.jobs.UpdateJob(ctx, id, func(j *core.IngestionJob) error {
		if j.Status.IsTerminal() {
			return ErrJobTerminal
		}
		j.Status = core.JobStatusCancelled
		j.CompletedAt = o.now()
		return nil
	})

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, &core.NotFoundError{Kind: "job", ID: id}
	case errors.Is(err, ErrJobTerminal):
		current, gerr := o.jobs.GetJob(ctx, id)
		if gerr != nil {
			return nil, &core.DatabaseError{Op: "get job", Err: gerr}
		}
		return current, &core.ConflictError{
			Message: fmt.Sprintf("job %s is already %s", id, current.Status),
			Err:     ErrJobTerminal,
		}
	case err != nil:
		return nil, &core.IngestionError{JobID: id, Message: "persist cancellation", Err: err}
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	o.logger.Info("cancelled ingestion job", "job", id)
	return job, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*core.IngestionJob, error) {
	job, err := o.jobs.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &core.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, &core.DatabaseError{Op: "get job", Err: err}
	}
	return job, nil
}

// List returns jobs newest first and the number of jobs matching filter.
func (o *Orchestrator) List(ctx context.Context, filter storage.JobFilter) ([]*core.IngestionJob, int, error) {
	jobs, total, err := o.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, &core.DatabaseError{Op: "list jobs", Err: err}
	}
	return jobs, total, nil
}

// Wait polls a job until it reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*core.IngestionJob, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting jobs, cancels running ones and waits for their
// workers to return. Interrupted jobs are marked failed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(o.closeTimeout):
		err = fmt.Errorf("timed out after %s waiting for ingestion jobs", o.closeTimeout)
	}

	if o.pool != nil {
		o.pool.Release()
	}
	return err
}

// Running returns the number of jobs currently holding a worker.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
}
