package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/storage"
)

// maxUpdateAttempts bounds how often UpdateJob retries after losing a
// write conflict to a concurrent update of the same job.
const maxUpdateAttempts = 10

// JobRepository implements storage.JobRepository for BadgerDB.
type JobRepository struct {
	backend *Backend
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) *JobRepository {
	return &JobRepository{
		backend: backend,
	}
}

// CreateJob persists a new job and its creation index entry.
func (r *JobRepository) CreateJob(ctx context.Context, job *core.IngestionJob) error {
	return r.backend.WithTx(func(tx *badger.Txn) error {
		key := makeJobKey(job.ID)
		if _, err := tx.Get(key); err == nil {
			return storage.ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		truncateJobTimes(job)
		if err := tx.Set(key, storage.MarshalJob(job)); err != nil {
			return err
		}
		if err := tx.Set(makeJobDateKey(job.CreatedAt, job.ID), nil); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*core.IngestionJob, error) {
	var job *core.IngestionJob
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return storage.ErrNotFound
		}
		return nil
	}, false)
	return job, err
}

// truncateJobTimes drops the precision the encoding cannot hold, so the job
// handed back to callers matches what a later read returns.
func truncateJobTimes(job *core.IngestionJob) {
	job.CreatedAt = core.Timestamp(job.CreatedAt)
	job.StartedAt = core.Timestamp(job.StartedAt)
	job.CompletedAt = core.Timestamp(job.CompletedAt)
	if dr := job.Parameters.DateRange; dr != nil {
		dr.Start = core.Timestamp(dr.Start)
		dr.End = core.Timestamp(dr.End)
	}
}

// readJob returns nil, nil when the job is absent.
func readJob(tx *badger.Txn, id string) (*core.IngestionJob, error) {
	item, err := tx.Get(makeJobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var job *core.IngestionJob
	err = item.Value(func(val []byte) error {
		var err error
		job, err = storage.UnmarshalJob(val)
		return err
	})
	return job, err
}

// UpdateJob applies fn to the latest stored record inside a write transaction.
// On a write conflict the transaction is retried against the fresh record, so
// concurrent partial updates never revert each other.
// ID and CreatedAt are immutable and restored after fn runs.
func (r *JobRepository) UpdateJob(ctx context.Context, id string, fn func(job *core.IngestionJob) error) (*core.IngestionJob, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		var updated *core.IngestionJob
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			job, err := readJob(tx, id)
			if err != nil {
				return err
			}
			if job == nil {
				return storage.ErrNotFound
			}

			createdAt := job.CreatedAt
			if err := fn(job); err != nil {
				return err
			}
			job.ID = id
			job.CreatedAt = createdAt
			truncateJobTimes(job)

			if err := tx.Set(makeJobKey(id), storage.MarshalJob(job)); err != nil {
				return err
			}
			updated = job
			return tx.Commit()
		}, true)

		if errors.Is(err, badger.ErrConflict) {
			r.backend.logger.Debug("job update conflict, retrying", "job", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, storage.ErrTooManyConflicts
}

// ListJobs walks the creation index newest first.
func (r *JobRepository) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*core.IngestionJob, int, error) {
	var jobs []*core.IngestionJob
	total := 0

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		prefix := []byte(jobDatePrefix)
		// Seek past the last possible key with this prefix
		seek := append([]byte(jobDatePrefix), 0xFF)

		for iter.Seek(seek); iter.ValidForPrefix(prefix); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			job, err := readJob(tx, jobIDFromDateKey(iter.Item().Key()))
			if err != nil {
				return err
			}
			if job == nil {
				continue
			}
			if filter.Source != "" && job.Source != filter.Source {
				continue
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}

			total++
			if total <= filter.Offset {
				continue
			}
			if filter.Limit > 0 && len(jobs) >= filter.Limit {
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	}, false)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}
