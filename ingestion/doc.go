// Package ingestion runs biodiversity ingestion jobs.
//
// The Orchestrator accepts a job request, persists it as queued and returns
// immediately. A worker from a bounded pool then drives the job through its
// phases:
//   - fetching: one provider query, retried with backoff on transient failures
//   - processing: each raw record is normalized into a document
//   - embedding/storing: documents are stored in batches and, unless disabled,
//     the whole text and every chunk are embedded and stored
//
// Failures of single records or documents are tallied on the job and never
// abort it. A failed fetch or a failed write of the job record itself is fatal.
//
// Every job runs under its own context. Cancel persists the cancelled status
// first and then cancels the context, so the worker stops before its next
// record or batch and never overwrites the terminal status.
package ingestion
