// Package processor turns raw provider records into retrievable text documents.
//
// A Processor renders each core.RawRecord as a deterministic, field-labeled
// summary and attaches the metadata used for filtered retrieval. Summaries
// longer than the configured chunk size are additionally split into
// overlapping windows so each piece can be embedded on its own.
//
// Records that cannot be normalized yield nil rather than an error, so a
// single bad record never aborts a batch.
package processor
